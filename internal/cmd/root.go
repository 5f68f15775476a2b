// Package cmd implements the taskworker command line.
package cmd

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petrijr/taskworker/internal/config"
)

// app is the state shared by every subcommand once the config is loaded.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

// Execute runs the root command against the process's stdio.
func Execute() error {
	return NewRootCmd(os.Stdout, os.Stderr).Execute()
}

// NewRootCmd builds the command tree. Results go to out, diagnostics to
// errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{v: config.NewViper(), out: out}

	root := &cobra.Command{
		Use:   "taskworker",
		Short: "Distributed task-processing worker",
		Long: `taskworker claims tasks from a task store, runs them through registered
handlers on a self-balancing worker pool and records their lifecycle in a
log service.

Configuration is read from an optional YAML file, TASKWORKER_ environment
variables (e.g. TASKWORKER_POOL_CORE) and flags, in increasing precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(a.v, path)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.Log, errOut)
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (YAML)")
	pf.String("store-driver", "", "task store: "+strings.Join(config.StoreDrivers, "|"))
	pf.String("store-dsn", "", "task store file path or connection URL")
	pf.String("log-driver", "", "log service: "+strings.Join(config.LogDrivers, "|"))
	pf.String("log-dsn", "", "log service file path, directory or connection URL")
	pf.String("log-level", "", "process log level: "+strings.Join(config.LogLevels, "|"))
	pf.String("log-format", "", "process log format: "+strings.Join(config.LogFormats, "|"))
	pf.String("worker-id", "", "worker id (default <hostname>-<uuid>)")
	for key, flag := range map[string]string{
		"store.driver": "store-driver",
		"store.dsn":    "store-dsn",
		"log.driver":   "log-driver",
		"log.dsn":      "log-dsn",
		"log.level":    "log-level",
		"log.format":   "log-format",
		"worker.id":    "worker-id",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newRunCmd(a),
		newPutCmd(a),
		newGenerateCmd(a),
		newTasksCmd(a),
		newLogsCmd(a),
		newWorkersCmd(a),
	)
	return root
}

func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
