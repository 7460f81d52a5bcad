// Package cas provides content-addressing utilities: BLAKE3 hashing over
// canonicalized block bytes and hex encoding of digests.
package cas

import (
	"encoding/hex"
	"time"

	"lukechampine.com/blake3"
)

// HashSize is the digest width in bytes.
const HashSize = 32

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Hash computes a BLAKE3-256 hash of the input and returns it as bytes.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HashHex computes a BLAKE3-256 hash and returns it as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// NewHasher returns a streaming BLAKE3 hasher producing HashSize-byte digests.
func NewHasher() *blake3.Hasher {
	return blake3.New(HashSize, nil)
}

// HexToBytes converts a hex digest string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts a digest to its hex string form.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
