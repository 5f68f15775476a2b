package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks a transient TaskStore failure. Callers retry
	// with backoff; it is never surfaced to handler code.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrUnknownHandler is recorded when a task names a handler that is not
	// registered. Such tasks are abandoned without retry.
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrHandlerPanic wraps a panic recovered from handler code.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Task is a unit of work addressed to a named handler.
//
// RemainingAttempts only ever decreases while the task is outstanding; the
// dispatcher decrements it before each requeue.
type Task struct {
	BatchID           string         `json:"batchId,omitempty"`
	TaskID            string         `json:"taskId"`
	Handler           string         `json:"handler"`
	RemainingAttempts int            `json:"remainingAttempts"`
	Params            map[string]any `json:"params,omitempty"`
}

func (t Task) String() string {
	return fmt.Sprintf("Task{batchId=%s taskId=%s handler=%s remainingAttempts=%d}",
		t.BatchID, t.TaskID, t.Handler, t.RemainingAttempts)
}

// TaskStore is the backing queue of tasks.
//
// Implementations must be safe for concurrent use and must guarantee that a
// task handed out by ClaimAvailableTask is not handed to a second caller
// until it is requeued. Any method may fail with an error wrapping
// ErrStoreUnavailable.
type TaskStore interface {
	// PutTask inserts a new task.
	PutTask(ctx context.Context, t Task) error

	// ClaimAvailableTask atomically marks one available task as taken and
	// returns it. It returns (nil, nil) without blocking when nothing is
	// available.
	ClaimAvailableTask(ctx context.Context) (*Task, error)

	// RequeueTask persists the given task state and makes the task available
	// again. The store does not decide retry policy.
	RequeueTask(ctx context.Context, t Task) error

	// CloseTask removes the task permanently.
	CloseTask(ctx context.Context, t Task) error
}

// IsStoreUnavailable reports whether err is a transient store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// StoreUnavailable wraps err so that IsStoreUnavailable reports true.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// WorkerIDService supplies the identity this worker process reports under.
type WorkerIDService interface {
	WorkerID() string
}
