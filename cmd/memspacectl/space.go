package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/memspace/internal/store"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Manage Space database files",
}

var spaceOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (creating if absent) the Space database and print its config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		sp, err := store.Open(dataDir, spaceID, store.DefaultEngineConfig())
		if err != nil {
			return fmt.Errorf("open space: %w", err)
		}
		defer sp.Close()

		fmt.Printf("Space opened: %s\n", sp.ID())
		fmt.Printf("  Data dir: %s\n", dataDir)
		return nil
	},
}

func init() {
	spaceCmd.AddCommand(spaceOpenCmd)
}

// openSpace is the shared helper every data-touching subcommand uses to get
// a live *store.Space from the persistent --data-dir/--space flags.
func openSpace() (*store.Space, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(dataDir, spaceID, store.DefaultEngineConfig())
}
