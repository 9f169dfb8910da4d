// Command memspacectl is a local test harness for the memspace engine: it
// drives internal/store.Space and pkg/clientstate.Machine directly, with no
// wire protocol, so the whole transaction pipeline is reachable from a
// terminal for demoing and manual testing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kittclouds/memspace/internal/logging"
)

var (
	dataDir string
	spaceID string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memspacectl",
	Short: "memspacectl drives a memspace Space from the command line",
	Long: `memspacectl opens a Space directly (no transport layer) and exposes
its transact/query/branch/subscribe surface as subcommands, for demoing and
manual testing of the commit engine end to end.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./memspace-data", "Data directory for Space database files")
	rootCmd.PersistentFlags().StringVar(&spaceID, "space", "default", "Space identifier")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(spaceCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(watchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}
