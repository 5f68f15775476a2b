// Package taskhandle binds a claimed task to the store it came from and
// enforces that it is resolved exactly once.
package taskhandle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/taskworker/pkg/api"
)

// ErrAlreadyResolved is returned when a handle is resolved a second time.
var ErrAlreadyResolved = errors.New("task handle already resolved")

// Resolution records how a handle was resolved.
type Resolution int

const (
	Unresolved Resolution = iota
	Completed
	Requeued
	Abandoned
	Released
)

func (r Resolution) String() string {
	switch r {
	case Completed:
		return "completed"
	case Requeued:
		return "requeued"
	case Abandoned:
		return "abandoned"
	case Released:
		return "released"
	default:
		return "unresolved"
	}
}

// RetryPolicy bounds how long a resolution keeps retrying a store that
// reports itself unavailable.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy retries transient store failures for up to a minute.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsed:      time.Minute,
}

// NewBackOff returns a fresh exponential backoff following p.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// Handle wraps one claimed task. It is owned by the goroutine processing the
// task; only the resolve bookkeeping is synchronized.
type Handle struct {
	task     api.Task
	store    api.TaskStore
	workerID string
	policy   RetryPolicy
	logger   *slog.Logger

	mu         sync.Mutex
	resolution Resolution
}

// Option configures a Handle.
type Option func(*Handle)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Handle) { h.policy = p }
}

// WithLogger sets the logger used to report store retries.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// New wraps task, claimed from store by the worker identified by workerID.
func New(task api.Task, store api.TaskStore, workerID string, opts ...Option) *Handle {
	h := &Handle{
		task:     task,
		store:    store,
		workerID: workerID,
		policy:   DefaultRetryPolicy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Task returns a copy of the wrapped task.
func (h *Handle) Task() api.Task { return h.task }

// WorkerID returns the identity of the worker holding the task.
func (h *Handle) WorkerID() string { return h.workerID }

// Resolved reports whether one of the resolution calls has been made.
func (h *Handle) Resolved() bool {
	return h.Resolution() != Unresolved
}

// Resolution returns how the handle was resolved, or Unresolved.
func (h *Handle) Resolution() Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolution
}

// Complete closes the task after successful processing.
func (h *Handle) Complete(ctx context.Context) error {
	if err := h.claim(Completed); err != nil {
		return err
	}
	return h.withRetry(ctx, "close", func(ctx context.Context) error {
		return h.store.CloseTask(ctx, h.task)
	})
}

// RetryOrAbandon records a failed attempt. The task is requeued with one
// attempt fewer while attempts remain after this one; otherwise it is closed
// for good.
func (h *Handle) RetryOrAbandon(ctx context.Context) (Resolution, error) {
	if h.task.RemainingAttempts-1 > 0 {
		if err := h.claim(Requeued); err != nil {
			return Unresolved, err
		}
		next := h.task
		next.RemainingAttempts--
		err := h.withRetry(ctx, "requeue", func(ctx context.Context) error {
			return h.store.RequeueTask(ctx, next)
		})
		if err == nil {
			h.task = next
		}
		return Requeued, err
	}

	if err := h.claim(Abandoned); err != nil {
		return Unresolved, err
	}
	return Abandoned, h.withRetry(ctx, "close", func(ctx context.Context) error {
		return h.store.CloseTask(ctx, h.task)
	})
}

// Abandon closes the task without retry, whatever attempts remain. It is
// used for failures no retry can fix.
func (h *Handle) Abandon(ctx context.Context) error {
	if err := h.claim(Abandoned); err != nil {
		return err
	}
	return h.withRetry(ctx, "close", func(ctx context.Context) error {
		return h.store.CloseTask(ctx, h.task)
	})
}

// Release returns an unprocessed task to its store unchanged. It is used when
// a claimed task could not be handed to the pool.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.claim(Released); err != nil {
		return err
	}
	return h.withRetry(ctx, "release", func(ctx context.Context) error {
		return h.store.RequeueTask(ctx, h.task)
	})
}

func (h *Handle) claim(r Resolution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolution != Unresolved {
		return fmt.Errorf("task %s (%s): %w", h.task.TaskID, h.resolution, ErrAlreadyResolved)
	}
	h.resolution = r
	return nil
}

// withRetry runs op, retrying while the store reports itself unavailable.
// Other errors are returned immediately.
func (h *Handle) withRetry(ctx context.Context, what string, op func(context.Context) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !api.IsStoreUnavailable(err) {
			return backoff.Permanent(err)
		}
		h.logger.Warn("task_store_retry",
			slog.String("op", what),
			slog.String("task_id", h.task.TaskID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return err
	}, backoff.WithContext(h.policy.NewBackOff(), ctx))
	if err != nil {
		return fmt.Errorf("%s task %s: %w", what, h.task.TaskID, err)
	}
	return nil
}
