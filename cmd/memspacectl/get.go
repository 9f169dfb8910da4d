package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kittclouds/memspace/internal/store"
)

var (
	getBranch string
	getAtSeq  int64
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Read an entity's current (or point-in-time) value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		var result store.ReadResult
		if getAtSeq > 0 {
			result, err = sp.ReadAt(cmd.Context(), getBranch, id, getAtSeq)
		} else {
			result, err = sp.ReadCurrent(cmd.Context(), getBranch, id)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}

		switch result.Status {
		case store.StatusNeverExisted:
			fmt.Printf("%s: never existed\n", id)
		case store.StatusDeleted:
			fmt.Printf("%s: deleted at seq=%d\n", id, result.Seq)
		case store.StatusValue:
			out, err := json.MarshalIndent(result.Value, "", "  ")
			if err != nil {
				return fmt.Errorf("encode value: %w", err)
			}
			fmt.Printf("%s: (seq=%d)\n%s\n", id, result.Seq, out)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringVar(&getBranch, "branch", store.DefaultBranch, "Branch to read from")
	getCmd.Flags().Int64Var(&getAtSeq, "at-seq", 0, "Read as of this seq instead of current")
}
