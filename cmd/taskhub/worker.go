package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/taskhub/internal/tasks"
	"github.com/ashureev/taskhub/internal/telemetry"
	"github.com/ashureev/taskhub/internal/worker"
	"github.com/spf13/cobra"
)

// workerCmd is the entry point of a worker subprocess. The coordinator starts
// it with the task spec on stdin and its queues on inherited descriptors.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single task (started by the coordinator)",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// stdout belongs to the task; the engine relays stderr into its log.
		slog.SetDefault(telemetry.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL"), "json"))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
		code := worker.Main(ctx, tasks.Builtin())
		stop()
		os.Exit(code)
	},
}
