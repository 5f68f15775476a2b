package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	taskworker "github.com/petrijr/taskworker"
	"github.com/petrijr/taskworker/internal/demo"
	"github.com/petrijr/taskworker/pkg/api"
)

func newPutCmd(a *app) *cobra.Command {
	var (
		taskID   string
		batchID  string
		attempts int
		count    int
	)
	cmd := &cobra.Command{
		Use:   "put HANDLER [PARAMS_JSON]",
		Short: "Put tasks into the task store",
		Long: `Put one or more tasks addressed to HANDLER. PARAMS_JSON must be a JSON
object. Each created task id is printed on its own line.

Examples:
  taskworker put square '{"value": 3}'
  taskworker put unmotivated --attempts 3 --count 10 --batch b1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}
			if taskID != "" && count > 1 {
				return fmt.Errorf("--id cannot be combined with --count")
			}

			b, err := taskworker.OpenBundle(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			for range count {
				t := api.Task{
					TaskID:            taskID,
					BatchID:           batchID,
					Handler:           args[0],
					RemainingAttempts: attempts,
					Params:            params,
				}
				if t.TaskID == "" {
					t.TaskID = uuid.NewString()
				}
				if err := b.Store.PutTask(cmd.Context(), t); err != nil {
					return err
				}
				fmt.Fprintln(a.out, t.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "task id (default random)")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "attempts (default store.default_attempts)")
	cmd.Flags().IntVar(&count, "count", 1, "number of tasks to put")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Put random demo tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := taskworker.OpenBundle(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.Close()
			return demo.Generate(cmd.Context(), b.Store, interval, a.cfg.Store.DefaultAttempts)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "time between tasks")
	return cmd
}
