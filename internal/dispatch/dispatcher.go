// Package dispatch runs one claimed task through its registered handler and
// resolves the task handle from the outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/petrijr/taskworker/internal/taskhandle"
	"github.com/petrijr/taskworker/pkg/api"
)

// Dispatcher looks up the handler for each task, invokes it and resolves the
// handle. For every task the terminal log event is emitted before the store
// is touched, so a closed task always has a TaskCompleted record.
type Dispatcher struct {
	workers map[string]api.Worker
	logs    api.LogService
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for local diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a dispatcher over workers keyed by handler name.
func New(workers map[string]api.Worker, logs api.LogService, opts ...Option) *Dispatcher {
	if logs == nil {
		logs = api.NoopLogService{}
	}
	d := &Dispatcher{
		workers: maps.Clone(workers),
		logs:    logs,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes the task behind h and resolves h exactly once.
func (d *Dispatcher) Handle(ctx context.Context, h *taskhandle.Handle) {
	task := h.Task()
	tc := api.NewTaskContext(task, h.WorkerID())
	rec := api.TaskRecord{Task: task, WorkerID: h.WorkerID(), Started: d.now()}

	defer d.guard(ctx, h)

	worker, ok := d.workers[task.Handler]
	if !ok {
		rec.Finished = d.now()
		rec.Error = fmt.Errorf("%w: %q", api.ErrUnknownHandler, task.Handler).Error()
		d.completed(ctx, tc, rec)
		if err := h.Abandon(ctx); err != nil {
			d.resolveFailed(task, err)
		}
		return
	}

	if err := d.logs.TaskStarted(ctx, tc, rec); err != nil {
		d.logFailed("task_started", task, err)
	}

	result, err := d.invoke(ctx, worker, tc)

	rec.Finished = d.now()
	rec.Elapsed = rec.Finished.Sub(rec.Started)
	if err != nil {
		rec.Error = err.Error()
		d.completed(ctx, tc, rec)

		res, rerr := h.RetryOrAbandon(ctx)
		if rerr != nil {
			d.resolveFailed(task, rerr)
			return
		}
		d.logger.Debug("task_failed",
			slog.String("task_id", task.TaskID),
			slog.String("resolution", res.String()),
			slog.Any("error", err),
		)
		return
	}

	rec.Result = result
	d.completed(ctx, tc, rec)
	if err := h.Complete(ctx); err != nil {
		d.resolveFailed(task, err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, w api.Worker, tc *api.TaskContext) (result any, err error) {
	logger := &taskLogger{ctx: ctx, tc: tc, logs: d.logs, now: d.now, owner: d}

	var pc panics.Catcher
	pc.Try(func() {
		result, err = w.Undertake(ctx, maps.Clone(tc.Task.Params), logger)
	})
	if r := pc.Recovered(); r != nil {
		d.logger.Error("handler_panicked",
			slog.String("task_id", tc.Task.TaskID),
			slog.String("handler", tc.Task.Handler),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)),
		)
		return nil, fmt.Errorf("%w: %v", api.ErrHandlerPanic, r.Value)
	}
	return result, err
}

func (d *Dispatcher) completed(ctx context.Context, tc *api.TaskContext, rec api.TaskRecord) {
	if err := d.logs.TaskCompleted(ctx, tc, rec); err != nil {
		d.logFailed("task_completed", rec.Task, err)
	}
}

// guard resolves a handle that processing left unresolved, for example after
// a panic in a log service.
func (d *Dispatcher) guard(ctx context.Context, h *taskhandle.Handle) {
	r := recover()
	if r != nil {
		d.logger.Error("dispatch_panicked",
			slog.String("task_id", h.Task().TaskID),
			slog.Any("panic", r),
		)
	}
	if h.Resolved() {
		return
	}
	d.logger.Error("task_left_unresolved", slog.String("task_id", h.Task().TaskID))
	if _, err := h.RetryOrAbandon(ctx); err != nil {
		d.resolveFailed(h.Task(), err)
	}
}

func (d *Dispatcher) logFailed(event string, task api.Task, err error) {
	d.logger.Warn("log_service_failed",
		slog.String("event", event),
		slog.String("task_id", task.TaskID),
		slog.Any("error", err),
	)
}

func (d *Dispatcher) resolveFailed(task api.Task, err error) {
	d.logger.Error("task_resolution_failed",
		slog.String("task_id", task.TaskID),
		slog.Any("error", err),
	)
}

// taskLogger forwards handler log lines to the LogService under the task's
// context.
type taskLogger struct {
	ctx   context.Context
	tc    *api.TaskContext
	logs  api.LogService
	now   func() time.Time
	owner *Dispatcher
}

var _ api.TaskLogger = (*taskLogger)(nil)

func (l *taskLogger) Log(contents any) {
	err := l.logs.Log(l.ctx, l.tc, api.TaskLog{
		TaskID:   l.tc.Task.TaskID,
		WorkerID: l.tc.WorkerID,
		Tick:     l.now(),
		Contents: contents,
	})
	if err != nil {
		l.owner.logFailed("task_log", l.tc.Task, err)
	}
}
