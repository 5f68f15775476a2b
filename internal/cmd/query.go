package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	taskworker "github.com/petrijr/taskworker"
	"github.com/petrijr/taskworker/pkg/api"
)

// withInfo opens the configured backends and runs fn against the query
// service, printing each result as a JSON line.
func withInfo[T any](cmd *cobra.Command, a *app, fn func(api.InfoService) ([]T, error)) error {
	b, err := taskworker.OpenBundle(cmd.Context(), a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if b.Info == nil {
		return fmt.Errorf("log driver %q does not support queries", a.cfg.Log.Driver)
	}

	items, err := fn(b.Info)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}

func newTasksCmd(a *app) *cobra.Command {
	var q api.FindTasks
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recorded task attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfo(cmd, a, func(info api.InfoService) ([]api.TaskRecord, error) {
				return info.FindTasks(cmd.Context(), q)
			})
		},
	}
	cmd.Flags().StringVar(&q.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&q.BatchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&q.Handler, "handler", "", "handler name")
	cmd.Flags().StringVar(&q.WorkerID, "worker", "", "worker id")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", api.DefaultFindLimit, "maximum results")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var q api.FindLogs
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List task log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfo(cmd, a, func(info api.InfoService) ([]api.TaskLog, error) {
				return info.FindLogs(cmd.Context(), q)
			})
		},
	}
	cmd.Flags().StringVar(&q.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&q.WorkerID, "worker", "", "worker id")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", api.DefaultFindLimit, "maximum results")
	return cmd
}

func newWorkersCmd(a *app) *cobra.Command {
	var q api.FindWorkers
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List the latest heartbeat of each worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withInfo(cmd, a, func(info api.InfoService) ([]api.WorkerHeartbeat, error) {
				return info.FindWorkers(cmd.Context(), q)
			})
		},
	}
	cmd.Flags().StringVar(&q.WorkerID, "worker", "", "worker id")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", api.DefaultFindLimit, "maximum results")
	return cmd
}
