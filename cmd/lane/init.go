package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/copp1723/lane-google-sub001/internal/defaults"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example lane.yaml and data directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

// runInit creates dir with an example config and a data directory. An
// existing config is left untouched.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing lane in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  created %s\n", dataDir)

	configPath := filepath.Join(dir, "lane.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  created %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  kept existing %s\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set OPENAI_API_KEY or ANTHROPIC_API_KEY, or edit lane.yaml, then run lane healthcheck.")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
