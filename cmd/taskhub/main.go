// taskhub - coordinator for isolated agent task execution
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskhub",
	Short: "taskhub - isolated agent task coordinator",
	Long: `taskhub runs agent tasks in isolated worker processes, persists their
sessions, pauses them for human approval and streams their events to clients
over WebSocket or server-sent events.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
