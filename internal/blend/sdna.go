package blend

import (
	"fmt"
	"strconv"
	"strings"
)

// SDNA is the schema catalog carried in the DNA1 block: the names, types,
// type lengths and struct layouts the rest of the file is encoded with.
type SDNA struct {
	Names       []string
	Types       []string
	TypeLengths []int16
	Structs     []SDNAStruct
}

// SDNAStruct is one struct layout: the index of its type and its fields.
type SDNAStruct struct {
	TypeIndex int16
	Fields    []SDNAField
}

// SDNAField references a type and a declarator name ("*next", "mat[4][4]", ...).
type SDNAField struct {
	TypeIndex int16
	NameIndex int16
}

// structLayout is the derived geometry of one struct: its total size and the
// payload offsets of its pointer fields.
type structLayout struct {
	size       int
	ptrOffsets []int
}

// ParseSDNA decodes the payload of a DNA1 block.
func ParseSDNA(data []byte, endian Endianness) (*SDNA, error) {
	c := &cursor{data: data, endian: endian}

	if err := c.tag("SDNA"); err != nil {
		return nil, err
	}

	if err := c.tag("NAME"); err != nil {
		return nil, err
	}
	namesLen, err := c.i32()
	if err != nil {
		return nil, err
	}
	names, err := c.cstrings(int(namesLen))
	if err != nil {
		return nil, err
	}
	c.skipZeros()

	if err := c.tag("TYPE"); err != nil {
		return nil, err
	}
	typesLen, err := c.i32()
	if err != nil {
		return nil, err
	}
	types, err := c.cstrings(int(typesLen))
	if err != nil {
		return nil, err
	}
	c.skipZeros()

	if err := c.tag("TLEN"); err != nil {
		return nil, err
	}
	lengths := make([]int16, typesLen)
	for i := range lengths {
		lengths[i], err = c.i16()
		if err != nil {
			return nil, err
		}
	}
	c.skipZeros()

	if err := c.tag("STRC"); err != nil {
		return nil, err
	}
	structsLen, err := c.i32()
	if err != nil {
		return nil, err
	}
	structs := make([]SDNAStruct, 0, structsLen)
	for i := 0; i < int(structsLen); i++ {
		s, err := parseStruct(c)
		if err != nil {
			return nil, err
		}
		structs = append(structs, s)
	}

	sdna := &SDNA{Names: names, Types: types, TypeLengths: lengths, Structs: structs}
	if err := sdna.validate(); err != nil {
		return nil, err
	}
	return sdna, nil
}

func parseStruct(c *cursor) (SDNAStruct, error) {
	typeIdx, err := c.i16()
	if err != nil {
		return SDNAStruct{}, err
	}
	fieldsLen, err := c.i16()
	if err != nil {
		return SDNAStruct{}, err
	}
	if fieldsLen < 0 {
		return SDNAStruct{}, fmt.Errorf("%w: negative field count", ErrBadSDNA)
	}
	fields := make([]SDNAField, fieldsLen)
	for i := range fields {
		ti, err := c.i16()
		if err != nil {
			return SDNAStruct{}, err
		}
		ni, err := c.i16()
		if err != nil {
			return SDNAStruct{}, err
		}
		fields[i] = SDNAField{TypeIndex: ti, NameIndex: ni}
	}
	return SDNAStruct{TypeIndex: typeIdx, Fields: fields}, nil
}

func (s *SDNA) validate() error {
	for _, st := range s.Structs {
		if int(st.TypeIndex) < 0 || int(st.TypeIndex) >= len(s.TypeLengths) {
			return fmt.Errorf("%w: struct type index %d out of range", ErrBadSDNA, st.TypeIndex)
		}
		for _, f := range st.Fields {
			if int(f.TypeIndex) < 0 || int(f.TypeIndex) >= len(s.TypeLengths) {
				return fmt.Errorf("%w: field type index %d out of range", ErrBadSDNA, f.TypeIndex)
			}
			if int(f.NameIndex) < 0 || int(f.NameIndex) >= len(s.Names) {
				return fmt.Errorf("%w: field name index %d out of range", ErrBadSDNA, f.NameIndex)
			}
		}
	}
	return nil
}

// isPointerName reports whether a declarator names a pointer field. Function
// pointers ("(*f)()") occupy pointer width but are not address-valued data.
func isPointerName(name string) bool {
	return strings.HasPrefix(name, "*")
}

// fieldSize computes the byte width of one field from its declarator and
// base type length, honoring the file's pointer width.
func fieldSize(name string, typeLen int16, ptrSize PointerSize) int {
	if strings.HasPrefix(name, "*") || strings.HasPrefix(name, "(*") {
		return arrayElems(name) * int(ptrSize)
	}
	return arrayElems(name) * int(typeLen)
}

// arrayElems multiplies out array dimensions in a declarator; 1 for scalars.
func arrayElems(name string) int {
	elems := 1
	for {
		open := strings.IndexByte(name, '[')
		if open < 0 {
			return elems
		}
		end := strings.IndexByte(name[open:], ']')
		if end < 0 {
			return elems
		}
		n, err := strconv.Atoi(name[open+1 : open+end])
		if err == nil && n > 0 {
			elems *= n
		}
		name = name[open+end+1:]
	}
}

// layouts derives per-struct geometry: struct size and pointer offsets,
// indexed by SDNA struct index.
func (s *SDNA) layouts(ptrSize PointerSize) []structLayout {
	result := make([]structLayout, len(s.Structs))
	for i, st := range s.Structs {
		offset := 0
		var ptrs []int
		for _, f := range st.Fields {
			name := s.Names[f.NameIndex]
			if isPointerName(name) {
				// Every element of a pointer array is its own slot.
				for e := 0; e < arrayElems(name); e++ {
					ptrs = append(ptrs, offset+e*int(ptrSize))
				}
			}
			offset += fieldSize(name, s.TypeLengths[f.TypeIndex], ptrSize)
		}
		result[i] = structLayout{size: offset, ptrOffsets: ptrs}
	}
	return result
}
