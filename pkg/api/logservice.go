package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TaskRecord describes one processing attempt of a task. It is the payload
// of both TaskStarted and TaskCompleted; the latter fills in the finish
// fields.
type TaskRecord struct {
	Task     Task          `json:"task"`
	WorkerID string        `json:"workerId"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Failed reports whether the record carries an error.
func (r TaskRecord) Failed() bool { return r.Error != "" }

// TaskLog is a single log line produced by handler code.
type TaskLog struct {
	TaskID   string    `json:"taskId"`
	WorkerID string    `json:"workerId"`
	Tick     time.Time `json:"tick"`
	Contents any       `json:"contents"`
}

// WorkerHeartbeat reports that a worker process is alive.
type WorkerHeartbeat struct {
	WorkerID  string    `json:"workerId"`
	Hostname  string    `json:"hostname,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskContext carries per-task state through one processing attempt. It is
// created by the dispatcher for every task and passed by pointer to each
// LogService call concerning that task, so decorators can remember decisions
// without relying on goroutine identity.
//
// Decisions are keyed by the decorator that made them, so several sampling
// decorators may share one context.
type TaskContext struct {
	Task     Task
	WorkerID string

	mu      sync.Mutex
	sampled map[any]bool
}

// NewTaskContext returns a fresh, undecided context for t.
func NewTaskContext(t Task, workerID string) *TaskContext {
	return &TaskContext{Task: t, WorkerID: workerID}
}

// SetSampled records the sampling decision that key made for this task. key
// must be comparable; decorators pass themselves.
func (c *TaskContext) SetSampled(key any, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampled == nil {
		c.sampled = make(map[any]bool, 1)
	}
	c.sampled[key] = v
}

// Sampled returns the decision key recorded and whether one was made.
func (c *TaskContext) Sampled(key any) (sampled bool, decided bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sampled, decided = c.sampled[key]
	return sampled, decided
}

// LogService receives task lifecycle and liveness events.
//
// For a given task, TaskStarted precedes any Log call, which precede
// TaskCompleted. Returned errors are reported by the caller and never affect
// how the task itself is resolved.
type LogService interface {
	TaskStarted(ctx context.Context, tc *TaskContext, rec TaskRecord) error
	Log(ctx context.Context, tc *TaskContext, line TaskLog) error
	TaskCompleted(ctx context.Context, tc *TaskContext, rec TaskRecord) error
	WorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error
}

// NoopLogService discards everything.
type NoopLogService struct{}

func (NoopLogService) TaskStarted(context.Context, *TaskContext, TaskRecord) error   { return nil }
func (NoopLogService) Log(context.Context, *TaskContext, TaskLog) error              { return nil }
func (NoopLogService) TaskCompleted(context.Context, *TaskContext, TaskRecord) error { return nil }
func (NoopLogService) WorkerHeartbeat(context.Context, WorkerHeartbeat) error        { return nil }

// CompositeLogService fans out events to multiple services. Every delegate is
// called even if an earlier one fails; the errors are joined.
type CompositeLogService struct {
	services []LogService
}

// NewCompositeLogService creates a LogService that forwards events to each
// non-nil service in svcs.
func NewCompositeLogService(svcs ...LogService) LogService {
	filtered := make([]LogService, 0, len(svcs))
	for _, s := range svcs {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return NoopLogService{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeLogService{services: filtered}
}

func (c *CompositeLogService) TaskStarted(ctx context.Context, tc *TaskContext, rec TaskRecord) error {
	var errs []error
	for _, s := range c.services {
		errs = append(errs, s.TaskStarted(ctx, tc, rec))
	}
	return errors.Join(errs...)
}

func (c *CompositeLogService) Log(ctx context.Context, tc *TaskContext, line TaskLog) error {
	var errs []error
	for _, s := range c.services {
		errs = append(errs, s.Log(ctx, tc, line))
	}
	return errors.Join(errs...)
}

func (c *CompositeLogService) TaskCompleted(ctx context.Context, tc *TaskContext, rec TaskRecord) error {
	var errs []error
	for _, s := range c.services {
		errs = append(errs, s.TaskCompleted(ctx, tc, rec))
	}
	return errors.Join(errs...)
}

func (c *CompositeLogService) WorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	var errs []error
	for _, s := range c.services {
		errs = append(errs, s.WorkerHeartbeat(ctx, hb))
	}
	return errors.Join(errs...)
}

// LoggingLogService writes events as structured log records using log/slog.
type LoggingLogService struct {
	Logger *slog.Logger
}

// NewLoggingLogService creates a LogService that logs task lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingLogService(logger *slog.Logger) LogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingLogService{Logger: logger}
}

func (s *LoggingLogService) TaskStarted(ctx context.Context, tc *TaskContext, rec TaskRecord) error {
	s.Logger.InfoContext(ctx, "task_started",
		slog.String("task_id", rec.Task.TaskID),
		slog.String("batch_id", rec.Task.BatchID),
		slog.String("handler", rec.Task.Handler),
		slog.Int("remaining_attempts", rec.Task.RemainingAttempts),
		slog.String("worker_id", rec.WorkerID),
	)
	return nil
}

func (s *LoggingLogService) Log(ctx context.Context, tc *TaskContext, line TaskLog) error {
	s.Logger.InfoContext(ctx, "task_log",
		slog.String("task_id", line.TaskID),
		slog.String("worker_id", line.WorkerID),
		slog.Time("tick", line.Tick),
		slog.Any("contents", line.Contents),
	)
	return nil
}

func (s *LoggingLogService) TaskCompleted(ctx context.Context, tc *TaskContext, rec TaskRecord) error {
	level := slog.LevelInfo
	if rec.Failed() {
		level = slog.LevelError
	}
	s.Logger.Log(ctx, level, "task_completed",
		slog.String("task_id", rec.Task.TaskID),
		slog.String("handler", rec.Task.Handler),
		slog.String("worker_id", rec.WorkerID),
		slog.Duration("elapsed", rec.Elapsed),
		slog.Any("result", rec.Result),
		slog.String("error", rec.Error),
	)
	return nil
}

func (s *LoggingLogService) WorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	s.Logger.DebugContext(ctx, "worker_heartbeat",
		slog.String("worker_id", hb.WorkerID),
		slog.String("hostname", hb.Hostname),
		slog.Time("timestamp", hb.Timestamp),
	)
	return nil
}
