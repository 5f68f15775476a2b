package taskworker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/taskworker/internal/config"
	"github.com/petrijr/taskworker/internal/logsvc"
	"github.com/petrijr/taskworker/internal/taskstore"
	"github.com/petrijr/taskworker/internal/workerid"
)

// Config is the file/environment configuration of a worker process.
type Config = config.Config

// LoadConfig reads path (optional), applies TASKWORKER_ environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(config.NewViper(), path)
}

// Bundle holds the backends a configuration selects: one task store, one
// log service and, for persistent log drivers, the matching query service.
//
// Typical usage:
//
//	cfg, _ := taskworker.LoadConfig("taskworker.yaml")
//	bundle, err := taskworker.OpenBundle(ctx, cfg, logger)
//	defer bundle.Close()
//	w, err := taskworker.New(bundle.Options(cfg, square, zero))
//	err = w.Run(ctx)
type Bundle struct {
	Store    TaskStore
	Logs     LogService
	Info     InfoService // nil for the stdout driver
	WorkerID WorkerIDService

	closers []func() error
}

// OpenBundle connects to the store and log backends named in cfg. On error
// anything already opened is closed.
func OpenBundle(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Bundle, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bundle{WorkerID: workerid.Resolve(cfg.Worker.ID)}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if b.Store, err = b.openStore(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if err = b.openLogs(ctx, cfg.Log, logger); err != nil {
		return nil, fmt.Errorf("open %s log service: %w", cfg.Log.Driver, err)
	}

	keep := []logsvc.Predicate{logsvc.SampleRate(cfg.Log.Sample.Rate)}
	if cfg.Log.Sample.Expr != "" {
		p, err := logsvc.SampleCEL(cfg.Log.Sample.Expr)
		if err != nil {
			return nil, err
		}
		keep = append(keep, p)
	}
	if cfg.Log.Sample.Rate < 1 || cfg.Log.Sample.Expr != "" {
		b.Logs = logsvc.NewSamplingLogService(b.Logs, logsvc.SampleAllOf(keep...))
	}
	return b, nil
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Writers would otherwise contend for the database lock.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (b *Bundle) openStore(ctx context.Context, sc config.StoreConfig) (TaskStore, error) {
	opts := []taskstore.Option{
		taskstore.WithDefaultAttempts(sc.DefaultAttempts),
		taskstore.WithPrefix(sc.Prefix),
	}

	switch sc.Driver {
	case "memory":
		return taskstore.NewMemoryStore(opts...), nil

	case "sqlite":
		db, err := openSQLite(sc.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		return taskstore.NewSQLiteStore(db, opts...)

	case "postgres":
		db, err := sql.Open("pgx", sc.DSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		return taskstore.NewPostgresStore(db, opts...)

	case "redis":
		ro, err := redis.ParseURL(sc.DSN)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(ro)
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return taskstore.NewRedisStore(client, opts...), nil

	case "mongo":
		client, err := b.connectMongo(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		s := taskstore.NewMongoStore(client, "", "", opts...)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

func (b *Bundle) openLogs(ctx context.Context, lc config.LogConfig, logger *slog.Logger) error {
	switch lc.Driver {
	case "stdout":
		b.Logs = NewLoggingLogService(logger)
		return nil

	case "sqlite":
		db, err := openSQLite(lc.DSN)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, db.Close)
		s, err := logsvc.NewSQLiteLogService(db, logger)
		if err != nil {
			return err
		}
		b.Logs, b.Info = s, s
		return nil

	case "pebble":
		if err := os.MkdirAll(lc.DSN, 0o755); err != nil {
			return err
		}
		s, err := logsvc.OpenPebbleLogService(logsvc.PebbleOptions{Dir: lc.DSN, Logger: logger})
		if err != nil {
			return err
		}
		b.closers = append(b.closers, s.Close)
		b.Logs, b.Info = s, s
		return nil

	case "mongo":
		client, err := b.connectMongo(ctx, lc.DSN)
		if err != nil {
			return err
		}
		s := logsvc.NewMongoLogService(client, "", "", logger)
		if err := s.EnsureIndexes(ctx); err != nil {
			return err
		}
		b.Logs, b.Info = s, s
		return nil
	}
	return fmt.Errorf("unknown log driver %q", lc.Driver)
}

func (b *Bundle) connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// Options builds worker Options from cfg around the bundle's backends.
func (b *Bundle) Options(cfg *Config, handlers ...Handler) Options {
	return Options{
		Stores:            []TaskStore{b.Store},
		LogService:        b.Logs,
		WorkerIDService:   b.WorkerID,
		Handlers:          handlers,
		Queueing:          cfg.Queueing.Backpressure(),
		Pool:              cfg.Pool.Balancing(),
		HeartbeatInterval: cfg.Heartbeat.Interval,
	}
}

// Close releases every connection in reverse opening order.
func (b *Bundle) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
