package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kittclouds/memspace/pkg/subscribe"
)

var (
	watchBranch string
	watchIDs    []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream committed updates on a branch to stdout until interrupted",
	Long: `watch registers a subscription against the Space's commit fan-out
and prints every matching Batch as it arrives. With no --id flags it
watches every entity; Ctrl-C closes the subscription and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, err := openSpace()
		if err != nil {
			return err
		}
		defer sp.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var sel subscribe.Selector = subscribe.Wildcard{}
		if len(watchIDs) > 0 {
			sel = subscribe.NewByIDs(watchIDs...)
		}

		out := make(chan subscribe.Batch, 16)
		sub := subscribe.NewSubscription(sel, watchBranch, out)

		hub := subscribe.NewHub()
		hub.Register(sub)
		sp.Subscribe(sp.NewHubListener(hub))

		fmt.Printf("watching branch=%q (ctrl-c to stop)\n", watchBranch)
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				hub.Unregister(sub)
				return nil
			case batch := <-out:
				printBatch(batch)
			}
		}
	},
}

func printBatch(batch subscribe.Batch) {
	fmt.Printf("commit %s seq=%d\n", batch.CommitHash, batch.Seq)
	for _, u := range batch.Updates {
		if u.Deleted {
			fmt.Printf("  %s: deleted\n", u.ID)
			continue
		}
		val, err := json.Marshal(u.Value)
		if err != nil {
			fmt.Printf("  %s: <unencodable value>\n", u.ID)
			continue
		}
		fmt.Printf("  %s: %s\n", u.ID, val)
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchBranch, "branch", "", "Branch to watch (default branch if empty)")
	watchCmd.Flags().StringSliceVar(&watchIDs, "id", nil, "Watch only these entity ids (repeatable); wildcard if omitted")
}
