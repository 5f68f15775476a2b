package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	taskworker "github.com/petrijr/taskworker"
	"github.com/petrijr/taskworker/internal/demo"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		delay    time.Duration
		generate time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker with the demo handlers until interrupted",
		Long: `Run a worker with the demo handlers identity, square, zero and
unmotivated. On SIGINT or SIGTERM the worker stops claiming and waits for
running tasks to finish.

Examples:
  # Process tasks from the default SQLite store
  taskworker run

  # Also feed the store a random demo task every 100ms
  taskworker run --generate 100ms --delay 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := taskworker.OpenBundle(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := b.Options(a.cfg, demo.Handlers(delay)...)
			opts.Logger = a.logger
			w, err := taskworker.New(opts)
			if err != nil {
				return err
			}

			var wg conc.WaitGroup
			defer wg.Wait()
			if generate > 0 {
				genCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				wg.Go(func() {
					if err := demo.Generate(genCtx, b.Store, generate, a.cfg.Store.DefaultAttempts); err != nil {
						a.logger.Error("generate_failed", slog.Any("error", err))
					}
				})
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "simulated work per demo task")
	cmd.Flags().DurationVar(&generate, "generate", 0, "put a random demo task at this interval (0 disables)")
	return cmd
}
