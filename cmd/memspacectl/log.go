package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <id>",
	Short: "Print every fact ever recorded for an entity, across branches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		facts, err := sp.History(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("history %s: %w", id, err)
		}

		for _, f := range facts {
			parent := string(f.Parent)
			if parent == "" {
				parent = "-"
			}
			fmt.Printf("seq=%-4d branch=%-10s type=%-6s hash=%s parent=%s\n", f.Seq, f.Branch, f.Type, f.Hash, parent)
		}
		return nil
	},
}
