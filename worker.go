package taskworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/config"
	"github.com/petrijr/taskworker/internal/dispatch"
	"github.com/petrijr/taskworker/internal/heartbeat"
	"github.com/petrijr/taskworker/internal/intake"
	"github.com/petrijr/taskworker/internal/pool"
	"github.com/petrijr/taskworker/pkg/api"
)

// ErrAlreadyRunning is returned by Run on a Worker that is already running or
// has finished.
var ErrAlreadyRunning = errors.New("taskworker: worker already started")

// Options assemble a Worker. Zero-valued Queueing and Pool sections take
// their defaults; any other value is validated as given.
type Options struct {
	// Stores are polled round-robin.
	Stores          []api.TaskStore
	LogService      api.LogService
	WorkerIDService api.WorkerIDService
	Handlers        []api.Worker

	Queueing QueueingConfig
	Pool     PoolConfig

	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	// Sampler measures memory for the queueing strategy. It defaults to the
	// Go runtime heap against the memory limit.
	Sampler MemorySampler
	// IdlePoll spaces claim rounds while every store is empty.
	IdlePoll time.Duration
	// Retry bounds retries of transient store failures.
	Retry RetryPolicy
	// ShutdownTimeout bounds how long Run waits for running handlers after
	// ctx is done. Zero waits until they finish.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Worker is an assembled, validated worker process. Create it with New and
// start it with Run.
type Worker struct {
	opts       Options
	workerID   string
	strategy   *backpressure.HeapStrategy
	dispatcher *dispatch.Dispatcher
	heartbeat  *heartbeat.Heartbeater
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	pool    *pool.Pool
}

// New validates opts in one pass and assembles a Worker. On failure the
// returned error is a ValidationErrors listing every problem. No goroutine
// is started.
func New(opts Options) (*Worker, error) {
	if opts.Queueing == (QueueingConfig{}) {
		opts.Queueing = backpressure.DefaultConfig
	}
	if opts.Pool == (PoolConfig{}) {
		opts.Pool = pool.DefaultConfig
	}

	if errs := opts.validate(); len(errs) > 0 {
		return nil, errs
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sampler := opts.Sampler
	if sampler == nil {
		rs, err := backpressure.NewRuntimeSampler()
		if err != nil {
			logger.Warn("runtime_sampler_unavailable",
				slog.Any("error", err),
				slog.String("fallback", "system"),
			)
			sampler = backpressure.SystemSampler{}
		} else {
			sampler = rs
		}
	}
	strategy, err := backpressure.NewHeapStrategy(opts.Queueing, sampler, logger)
	if err != nil {
		return nil, err
	}

	workers := make(map[string]api.Worker, len(opts.Handlers))
	for _, h := range opts.Handlers {
		workers[h.HandlerName()] = h
	}

	w := &Worker{
		opts:       opts,
		workerID:   opts.WorkerIDService.WorkerID(),
		strategy:   strategy,
		dispatcher: dispatch.New(workers, opts.LogService, dispatch.WithLogger(logger)),
		heartbeat: heartbeat.New(opts.LogService, opts.WorkerIDService, heartbeat.Config{
			Interval: opts.HeartbeatInterval,
			Logger:   logger,
		}),
		logger: logger,
	}
	return w, nil
}

func (o Options) validate() ValidationErrors {
	var errs ValidationErrors

	if len(o.Stores) == 0 {
		errs = append(errs, invalid("stores", 0, "at least one task store is required"))
	}
	for i, s := range o.Stores {
		if s == nil {
			errs = append(errs, invalid(fmt.Sprintf("stores[%d]", i), nil, "must not be nil"))
		}
	}
	if o.LogService == nil {
		errs = append(errs, invalid("log_service", nil, "is required"))
	}
	if o.WorkerIDService == nil {
		errs = append(errs, invalid("worker_id_service", nil, "is required"))
	} else if o.WorkerIDService.WorkerID() == "" {
		errs = append(errs, invalid("worker_id_service", "", "must report a non-empty id"))
	}

	if len(o.Handlers) == 0 {
		errs = append(errs, invalid("handlers", 0, "at least one handler is required"))
	}
	seen := make(map[string]bool, len(o.Handlers))
	for i, h := range o.Handlers {
		switch {
		case h == nil:
			errs = append(errs, invalid(fmt.Sprintf("handlers[%d]", i), nil, "must not be nil"))
		case h.HandlerName() == "":
			errs = append(errs, invalid(fmt.Sprintf("handlers[%d]", i), "", "handler name must not be empty"))
		case seen[h.HandlerName()]:
			errs = append(errs, invalid("handlers", h.HandlerName(), "duplicate handler name"))
		default:
			seen[h.HandlerName()] = true
		}
	}

	errs = append(errs, config.ValidateQueueing("queueing.", o.Queueing)...)
	errs = append(errs, config.ValidatePool("pool.", o.Pool)...)

	if o.HeartbeatInterval < 0 {
		errs = append(errs, invalid("heartbeat_interval", o.HeartbeatInterval, "must not be negative"))
	}
	if o.ShutdownTimeout < 0 {
		errs = append(errs, invalid("shutdown_timeout", o.ShutdownTimeout, "must not be negative"))
	}
	return errs
}

func invalid(field string, value any, msg string) ValidationError {
	return ValidationError{Field: field, Value: value, Message: msg}
}

// WorkerID returns the identity this worker reports under.
func (w *Worker) WorkerID() string { return w.workerID }

// Stats returns a snapshot of the pool, or the zero value when the worker is
// not running.
func (w *Worker) Stats() PoolStats {
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()
	if p == nil {
		return PoolStats{}
	}
	return p.Stats()
}

// Buffered returns the number of claimed tasks waiting for a pool worker.
func (w *Worker) Buffered() int { return w.strategy.Buffered() }

// Run starts the heartbeater, the pool and the intake loop, and blocks until
// ctx is done. It then stops claiming and waits for every claimed task to be
// handled. Handlers are never interrupted by ctx.
//
// A Worker runs at most once.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	p, err := pool.New(w.opts.Pool, w.logger)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.pool = p
	w.mu.Unlock()

	pipeline, err := intake.New(intake.Config{
		Stores:   w.opts.Stores,
		WorkerID: w.workerID,
		Strategy: w.strategy,
		Pool:     p,
		Handle:   w.dispatcher.Handle,
		IdlePoll: w.opts.IdlePoll,
		Retry:    w.opts.Retry,
		Logger:   w.logger,
	})
	if err != nil {
		_ = p.Shutdown(context.Background())
		return err
	}

	w.logger.InfoContext(ctx, "worker_started",
		slog.String("worker_id", w.workerID),
		slog.Int("stores", len(w.opts.Stores)),
		slog.Int("handlers", len(w.opts.Handlers)),
		slog.Int("pool_core", w.opts.Pool.Core),
		slog.Int("pool_max", w.opts.Pool.Max),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	var wg conc.WaitGroup
	wg.Go(func() { w.heartbeat.Run(hbCtx) })

	runErr := pipeline.Run(ctx)
	stopHeartbeat()

	drainCtx := context.WithoutCancel(ctx)
	if w.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, w.opts.ShutdownTimeout)
		defer cancel()
	}
	shutdownErr := p.Shutdown(drainCtx)
	wg.Wait()

	stats := p.Stats()
	w.logger.InfoContext(drainCtx, "worker_stopped",
		slog.String("worker_id", w.workerID),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("panics", stats.Panics),
	)
	if shutdownErr != nil {
		return fmt.Errorf("drain pool: %w", shutdownErr)
	}
	return runErr
}
