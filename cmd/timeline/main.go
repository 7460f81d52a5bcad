// Package main provides the timeline CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bkrmendy/cg-timeline/internal/config"
	"github.com/bkrmendy/cg-timeline/internal/engine"
	"github.com/bkrmendy/cg-timeline/internal/store"
)

const storeSuffix = ".timeline"

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Checkpoint version control for Blender project files",
	Long:  `Timeline stores named branches of checkpoints of a .blend file in a single database next to the project file, deduplicating unchanged blocks across checkpoints.`,
}

var initCmd = &cobra.Command{
	Use:   "init <blend-file>",
	Short: "Create a store for a project file and take the first checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <blend-file>",
	Short: "Create a checkpoint of the project file on the active branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoint,
}

var logCmd = &cobra.Command{
	Use:   "log [branch]",
	Short: "List checkpoints on a branch, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLog,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-id>",
	Short: "Restore a checkpoint into the project file and make it current",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var exportCmd = &cobra.Command{
	Use:   "export <checkpoint-id>",
	Short: "Write a checkpoint's file without changing the current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Branch commands",
}

var branchNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Fork a new branch from the current position and switch to it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchNew,
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE:  runBranchList,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch and the checkpoints it owns",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var switchCmd = &cobra.Command{
	Use:   "switch <branch>",
	Short: "Switch to a branch and restore its tip checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runSwitch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active branch and checkpoint",
	RunE:  runStatus,
}

var (
	storePath   string
	configPath  string
	message     string
	initMessage string
	outPath     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Path to the store (init and checkpoint default to <blend-file>"+storeSuffix+"; required by the other commands)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "timeline.yaml", "Path to an optional config file")
	checkpointCmd.Flags().StringVarP(&message, "message", "m", "", "Checkpoint message")
	initCmd.Flags().StringVarP(&initMessage, "message", "m", "Initial checkpoint", "Checkpoint message")
	restoreCmd.Flags().StringVar(&outPath, "out", "", "Destination file (required)")
	exportCmd.Flags().StringVar(&outPath, "out", "", "Destination file (required)")
	switchCmd.Flags().StringVar(&outPath, "out", "", "Destination file for the branch tip (optional)")
	restoreCmd.MarkFlagRequired("out")
	exportCmd.MarkFlagRequired("out")

	branchCmd.AddCommand(branchNewCmd)
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchDeleteCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadOptions() (engine.Options, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return engine.Options{}, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return engine.Options{
		Author: cfg.Author,
		Logger: log,
		Store:  store.Options{CompressionLevel: cfg.CompressionLevel},
	}, nil
}

// resolveStore derives the store path from the project file when --store is
// not given: the store sits next to the file with a .timeline suffix.
func resolveStore(blendPath string) string {
	if storePath != "" {
		return storePath
	}
	return blendPath + storeSuffix
}

func openEngine() (*engine.Engine, error) {
	if storePath == "" {
		return nil, fmt.Errorf("--store is required for this command")
	}
	opts, err := loadOptions()
	if err != nil {
		return nil, err
	}
	return engine.Open(storePath, opts)
}

func runInit(cmd *cobra.Command, args []string) error {
	blendPath := args[0]
	data, err := os.ReadFile(blendPath)
	if err != nil {
		return fmt.Errorf("reading project file: %w", err)
	}

	opts, err := loadOptions()
	if err != nil {
		return err
	}
	eng, err := engine.Create(resolveStore(blendPath), opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	info, err := eng.CreateCheckpoint(initMessage, data)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized %s\n", resolveStore(blendPath))
	fmt.Printf("Checkpoint %s on %s\n", info.ID, info.Branch)
	return nil
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	blendPath := args[0]
	data, err := os.ReadFile(blendPath)
	if err != nil {
		return fmt.Errorf("reading project file: %w", err)
	}

	opts, err := loadOptions()
	if err != nil {
		return err
	}
	eng, err := engine.Open(resolveStore(blendPath), opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	info, err := eng.CreateCheckpoint(message, data)
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint %s on %s\n", info.ID, info.Branch)
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	branch := store.MainBranchName
	if len(args) == 1 {
		branch = args[0]
	} else if state, err := eng.CurrentState(); err == nil {
		branch = state.Branch
	}

	infos, err := eng.ListCheckpoints(branch)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Printf("No checkpoints on %s.\n", branch)
		return nil
	}
	for _, info := range infos {
		created := time.UnixMilli(info.CreatedAt).Format(time.RFC3339)
		fmt.Printf("%s  %-20s  %s  %s\n", info.ID, created, info.Branch, info.Name)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	data, err := eng.RestoreCheckpoint(args[0])
	if err != nil {
		return err
	}
	if err := writeFileTransactional(outPath, data); err != nil {
		return err
	}
	fmt.Printf("Restored %s to %s\n", args[0], outPath)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	data, err := eng.ExportCheckpoint(args[0])
	if err != nil {
		return err
	}
	if err := writeFileTransactional(outPath, data); err != nil {
		return err
	}
	fmt.Printf("Exported %s to %s\n", args[0], outPath)
	return nil
}

func runBranchNew(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	info, err := eng.CreateBranch(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created branch %s at %s\n", info.Name, tipOrEmpty(info.TipID))
	return nil
}

func runBranchList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	branches, err := eng.ListBranches()
	if err != nil {
		return err
	}
	fmt.Printf("%-20s  %s\n", "NAME", "TIP")
	for _, b := range branches {
		fmt.Printf("%-20s  %s\n", b.Name, tipOrEmpty(b.TipID))
	}
	return nil
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.DeleteBranch(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted branch %s\n", args[0])
	return nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	tip, err := eng.SwitchBranch(args[0])
	if err != nil {
		return err
	}
	if tip == "" {
		fmt.Printf("Switched to %s (no checkpoints yet)\n", args[0])
		return nil
	}
	if outPath != "" {
		data, err := eng.ExportCheckpoint(tip)
		if err != nil {
			return err
		}
		if err := writeFileTransactional(outPath, data); err != nil {
			return err
		}
	}
	fmt.Printf("Switched to %s at %s\n", args[0], tip)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	state, err := eng.CurrentState()
	if err != nil {
		return err
	}
	fmt.Printf("On branch %s\n", state.Branch)
	if state.CheckpointID == "" {
		fmt.Println("No current checkpoint")
	} else {
		fmt.Printf("Current checkpoint %s\n", state.CheckpointID)
	}
	return nil
}

func tipOrEmpty(tip string) string {
	if tip == "" {
		return "(empty)"
	}
	return tip
}

// writeFileTransactional writes to a temp file in the destination directory
// and renames it into place, so a crash never leaves a half-written file.
func writeFileTransactional(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".timeline-restore-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
