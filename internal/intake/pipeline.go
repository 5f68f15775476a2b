// Package intake runs the producer loop that claims tasks from one or more
// stores, wraps them in handles and submits them to the worker pool.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/pool"
	"github.com/petrijr/taskworker/internal/taskhandle"
	"github.com/petrijr/taskworker/pkg/api"
)

// DefaultIdlePoll is the claim rate when every store came back empty.
const DefaultIdlePoll = 100 * time.Millisecond

// Strategy gates claims. *backpressure.HeapStrategy implements it.
type Strategy interface {
	Decide() backpressure.Decision
	DelayHint() time.Duration
	OnClaimed()
	OnDispatched()
	Released() <-chan struct{}
}

// Submitter accepts jobs, blocking while saturated. *pool.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, job pool.Job) error
}

// HandleFunc processes one claimed task and resolves its handle.
type HandleFunc func(ctx context.Context, h *taskhandle.Handle)

// Config wires a Pipeline.
type Config struct {
	Stores   []api.TaskStore
	WorkerID string
	Strategy Strategy
	Pool     Submitter
	Handle   HandleFunc

	// IdlePoll spaces claim rounds while all stores are empty.
	IdlePoll time.Duration
	// Retry bounds the backoff after transient store errors. It is also
	// passed to every handle for its resolution calls.
	Retry  taskhandle.RetryPolicy
	Logger *slog.Logger
}

// Pipeline is the single producer loop feeding the pool.
type Pipeline struct {
	cfg    Config
	idle   *rate.Limiter
	logger *slog.Logger
	next   int
}

// New validates cfg and returns a pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if len(cfg.Stores) == 0 {
		errs = append(errs, errors.New("intake: at least one task store is required"))
	}
	for i, s := range cfg.Stores {
		if s == nil {
			errs = append(errs, fmt.Errorf("intake: task store %d is nil", i))
		}
	}
	if cfg.Strategy == nil {
		errs = append(errs, errors.New("intake: strategy is required"))
	}
	if cfg.Pool == nil {
		errs = append(errs, errors.New("intake: pool is required"))
	}
	if cfg.Handle == nil {
		errs = append(errs, errors.New("intake: handle func is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if cfg.Retry == (taskhandle.RetryPolicy{}) {
		cfg.Retry = taskhandle.DefaultRetryPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		cfg:    cfg,
		idle:   rate.NewLimiter(rate.Every(cfg.IdlePoll), 1),
		logger: cfg.Logger,
	}, nil
}

// Run claims and submits tasks until ctx is cancelled or the pool is shut
// down. Tasks already claimed are always submitted, even if ctx ends while
// the pool is full.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("intake_started",
		slog.String("worker_id", p.cfg.WorkerID),
		slog.Int("stores", len(p.cfg.Stores)),
	)
	defer p.logger.Info("intake_stopped", slog.String("worker_id", p.cfg.WorkerID))

	retry := p.cfg.Retry.NewBackOff()
	empty := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !p.admit(ctx) {
			return nil
		}

		store := p.cfg.Stores[p.next]
		p.next = (p.next + 1) % len(p.cfg.Stores)

		task, err := store.ClaimAvailableTask(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			if !api.IsStoreUnavailable(err) {
				p.logger.Error("claim_failed", slog.Any("error", err))
			}
			d := retry.NextBackOff()
			if d == backoff.Stop {
				retry.Reset()
				d = p.cfg.Retry.MaxInterval
			}
			p.logger.Warn("claim_retry", slog.Duration("delay", d), slog.Any("error", err))
			if !sleep(ctx, d, nil) {
				return nil
			}
			continue

		case task == nil:
			retry.Reset()
			empty++
			if empty >= len(p.cfg.Stores) {
				empty = 0
				if err := p.idle.Wait(ctx); err != nil {
					return nil
				}
			}
			continue
		}

		retry.Reset()
		empty = 0
		if err := p.submit(ctx, store, *task); errors.Is(err, pool.ErrPoolClosed) {
			return nil
		}
	}
}

// admit blocks while the strategy asks for a pause. It returns false once
// ctx is done.
func (p *Pipeline) admit(ctx context.Context) bool {
	for {
		switch d := p.cfg.Strategy.Decide(); d {
		case backpressure.Proceed:
			return true
		case backpressure.PauseBuffered:
			if !sleep(ctx, p.cfg.Strategy.DelayHint(), p.cfg.Strategy.Released()) {
				return false
			}
		default:
			if !sleep(ctx, p.cfg.Strategy.DelayHint(), nil) {
				return false
			}
		}
	}
}

// submit hands the claimed task to the pool. If the pool refuses it the task
// is released back to its store and the refusal is returned.
func (p *Pipeline) submit(ctx context.Context, store api.TaskStore, task api.Task) error {
	h := taskhandle.New(task, store, p.cfg.WorkerID,
		taskhandle.WithRetryPolicy(p.cfg.Retry),
		taskhandle.WithLogger(p.logger),
	)
	p.cfg.Strategy.OnClaimed()

	// Handlers run to completion regardless of shutdown.
	jobCtx := context.WithoutCancel(ctx)
	err := p.cfg.Pool.Submit(jobCtx, func() {
		p.cfg.Strategy.OnDispatched()
		p.cfg.Handle(jobCtx, h)
	})
	if err == nil {
		return nil
	}

	p.cfg.Strategy.OnDispatched()
	p.logger.Warn("submit_failed_releasing_task",
		slog.String("task_id", task.TaskID),
		slog.Any("error", err),
	)
	if rerr := h.Release(jobCtx); rerr != nil {
		p.logger.Error("release_failed",
			slog.String("task_id", task.TaskID),
			slog.Any("error", rerr),
		)
	}
	return err
}

// sleep waits for d, an optional wake signal, or ctx. It reports false if
// ctx ended.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}
