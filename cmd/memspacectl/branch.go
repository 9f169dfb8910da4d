package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Create, list, diff, and merge branches",
}

var (
	branchFrom   string
	branchAtSeq  int64
	includeDeleted bool
)

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Fork a new branch off --from at --at-seq",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		b, err := sp.CreateBranch(cmd.Context(), args[0], branchFrom, branchAtSeq)
		if err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
		fmt.Printf("branch %q forked from %q at seq=%d\n", b.Name, branchFrom, b.ForkSeq)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		branches, err := sp.ListBranches(cmd.Context(), includeDeleted)
		if err != nil {
			return fmt.Errorf("list branches: %w", err)
		}
		for _, b := range branches {
			name := b.Name
			if name == "" {
				name = "(default)"
			}
			fmt.Printf("%-16s head_seq=%-6d fork_seq=%-6d deleted=%v\n", name, b.HeadSeq, b.ForkSeq, b.Deleted)
		}
		return nil
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Soft-delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		if err := sp.DeleteBranch(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
		fmt.Printf("branch %q deleted\n", args[0])
		return nil
	},
}

var branchDiffCmd = &cobra.Command{
	Use:   "diff <source> <target>",
	Short: "Diff entities touched on source since its fork point, relative to target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		diff, err := sp.DiffBranches(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("diff branches: %w", err)
		}
		fmt.Printf("added:    %v\n", diff.Added)
		fmt.Printf("removed:  %v\n", diff.Removed)
		fmt.Printf("modified: %v\n", diff.Modified)
		return nil
	},
}

var branchMergeResolveFile string

var branchMergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge source into target, fast-forwarding unconflicted entities",
	Long: `merge fast-forwards every entity unchanged on target, leaves alone
every entity unchanged on source, and either applies --resolutions (a JSON
object of id -> resolved value) for the rest or reports them as conflicts
and applies nothing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolutions := map[string]any{}
		if branchMergeResolveFile != "" {
			raw, err := os.ReadFile(branchMergeResolveFile)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &resolutions); err != nil {
				return fmt.Errorf("decode resolutions: %w", err)
			}
		}

		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		result, conflicts, err := sp.Merge(cmd.Context(), args[0], args[1], resolutions)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		if len(conflicts) > 0 {
			fmt.Println("merge requires resolution for:")
			for _, c := range conflicts {
				fmt.Printf("  %s: source=%v target=%v ancestor=%v\n", c.ID, c.SourceValue, c.TargetValue, c.AncestorValue)
			}
			return nil
		}
		fmt.Printf("merge commit %s seq=%d, %d new fact(s)\n", result.Commit.Hash, result.Commit.Seq, len(result.Facts))
		return nil
	},
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "Branch to fork from (default branch if empty)")
	branchCreateCmd.Flags().Int64Var(&branchAtSeq, "at-seq", 0, "Seq to fork at (must not exceed the parent's head seq)")
	branchListCmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Include soft-deleted branches")
	branchMergeCmd.Flags().StringVar(&branchMergeResolveFile, "resolutions", "", "Path to a JSON object of id -> resolved value")

	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchDeleteCmd, branchDiffCmd, branchMergeCmd)
}
