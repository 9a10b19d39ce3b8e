package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agent-cli",
		Short:        "A CLI client to interact with the browser agent dispatch service",
		Long:         `A command-line interface for submitting browser agent tasks, managing their lifecycle and watching live events.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENT_CLI_SERVER", "http://localhost:8000"), "dispatch service base URL")

	root.AddCommand(
		newSubmitCmd(),
		newListCmd(),
		newSearchCmd(),
		newGetCmd(),
		newLogsCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newDeleteCmd(),
		newStatsCmd(),
		newWatchCmd(),
	)
	return root
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Whoops. There was an error while executing your CLI: %s\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
