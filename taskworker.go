package taskworker

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/config"
	"github.com/petrijr/taskworker/internal/logsvc"
	"github.com/petrijr/taskworker/internal/pool"
	"github.com/petrijr/taskworker/internal/taskhandle"
	"github.com/petrijr/taskworker/internal/taskstore"
	"github.com/petrijr/taskworker/internal/workerid"
	"github.com/petrijr/taskworker/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task            = api.Task
	TaskStore       = api.TaskStore
	Handler         = api.Worker
	TaskLogger      = api.TaskLogger
	LogService      = api.LogService
	InfoService     = api.InfoService
	TaskContext     = api.TaskContext
	TaskRecord      = api.TaskRecord
	TaskLog         = api.TaskLog
	WorkerHeartbeat = api.WorkerHeartbeat
	WorkerIDService = api.WorkerIDService
	FindTasks       = api.FindTasks
	FindLogs        = api.FindLogs
	FindWorkers     = api.FindWorkers

	HandlerFunc[T any] = api.HandlerFunc[T]

	QueueingConfig = backpressure.Config
	PoolConfig     = pool.Config
	PoolStats      = pool.Stats
	MemorySampler  = backpressure.Sampler
	RetryPolicy    = taskhandle.RetryPolicy

	ValidationError  = config.ValidationError
	ValidationErrors = config.ValidationErrors

	StoreOption     = taskstore.Option
	SamplePredicate = logsvc.Predicate
)

// Re-export sentinel errors and helpers.

var (
	ErrStoreUnavailable = api.ErrStoreUnavailable
	ErrUnknownHandler   = api.ErrUnknownHandler
	ErrHandlerPanic     = api.ErrHandlerPanic
	ErrDuplicateTask    = taskstore.ErrDuplicateTask
	ErrTaskNotFound     = taskstore.ErrTaskNotFound

	NewLoggingLogService   = api.NewLoggingLogService
	NewCompositeLogService = api.NewCompositeLogService

	WithDefaultAttempts = taskstore.WithDefaultAttempts
	WithPrefix          = taskstore.WithPrefix

	SampleAll      = logsvc.SampleAll
	SampleNone     = logsvc.SampleNone
	SampleRate     = logsvc.SampleRate
	SampleHandlers = logsvc.SampleHandlers
	SampleCEL      = logsvc.SampleCEL
)

// NewHandler registers fn under name; params are converted into T.
func NewHandler[T any](name string, fn HandlerFunc[T]) Handler {
	return api.NewWorker(name, fn)
}

// Task store constructors.
// These wrap the internal/taskstore package so external callers
// never need to import internal packages.

// NewMemoryStore returns a non-durable store.
func NewMemoryStore(opts ...StoreOption) TaskStore {
	return taskstore.NewMemoryStore(opts...)
}

// NewSQLiteStore returns a store persisted in a SQLite database.
func NewSQLiteStore(db *sql.DB, opts ...StoreOption) (TaskStore, error) {
	return taskstore.NewSQLiteStore(db, opts...)
}

// NewPostgresStore returns a store persisted in PostgreSQL.
func NewPostgresStore(db *sql.DB, opts ...StoreOption) (TaskStore, error) {
	return taskstore.NewPostgresStore(db, opts...)
}

// NewRedisStore returns a store persisted in Redis.
func NewRedisStore(client *redis.Client, opts ...StoreOption) TaskStore {
	return taskstore.NewRedisStore(client, opts...)
}

// NewMongoStore returns a store persisted in MongoDB.
func NewMongoStore(client *mongo.Client, dbName string, opts ...StoreOption) TaskStore {
	return taskstore.NewMongoStore(client, dbName, "", opts...)
}

// Log service constructors.

// NewSQLiteLogService persists log events in SQLite.
func NewSQLiteLogService(db *sql.DB, logger *slog.Logger) (*logsvc.SQLiteLogService, error) {
	return logsvc.NewSQLiteLogService(db, logger)
}

// OpenPebbleLogService persists log events in an embedded Pebble database in
// dir.
func OpenPebbleLogService(dir string, logger *slog.Logger) (*logsvc.PebbleLogService, error) {
	return logsvc.OpenPebbleLogService(logsvc.PebbleOptions{Dir: dir, Logger: logger})
}

// NewMongoLogService persists log events in MongoDB.
func NewMongoLogService(client *mongo.Client, dbName string, logger *slog.Logger) *logsvc.MongoLogService {
	return logsvc.NewMongoLogService(client, dbName, "", logger)
}

// NewSamplingLogService forwards only the events of tasks keep selects.
func NewSamplingLogService(delegate LogService, keep SamplePredicate) LogService {
	return logsvc.NewSamplingLogService(delegate, keep)
}

// Worker identities.

// StaticWorkerID always reports id.
func StaticWorkerID(id string) WorkerIDService { return workerid.Static(id) }

// HostnameWorkerID reports the machine's hostname.
func HostnameWorkerID() WorkerIDService { return workerid.Hostname() }

// UniqueWorkerID reports "<hostname>-<uuid>".
func UniqueWorkerID() WorkerIDService { return workerid.HostnameUUID() }
