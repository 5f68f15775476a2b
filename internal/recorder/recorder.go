// Package recorder provides TaskStore and LogService wrappers that record
// every call into a shared journal, so tests can assert on cross-component
// ordering.
package recorder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/petrijr/taskworker/pkg/api"
)

// Journal is an ordered, concurrency-safe list of entries such as
// "started:t1" or "close:t1".
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry.
func (j *Journal) Add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the journal.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Count returns how many entries start with prefix.
func (j *Journal) Count(prefix string) int {
	n := 0
	for _, e := range j.Entries() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// Store wraps a TaskStore, journaling requeue and close calls. Failures can
// be injected per operation.
type Store struct {
	api.TaskStore
	journal *Journal

	mu       sync.Mutex
	failures map[string][]error
}

// NewStore records calls to inner into journal.
func NewStore(inner api.TaskStore, journal *Journal) *Store {
	return &Store{TaskStore: inner, journal: journal, failures: make(map[string][]error)}
}

var _ api.TaskStore = (*Store)(nil)

// FailNext makes the next len(errs) calls to op ("put", "claim", "requeue",
// "close") return the given errors in order.
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

func (s *Store) injected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

func (s *Store) PutTask(ctx context.Context, t api.Task) error {
	if err := s.injected("put"); err != nil {
		return err
	}
	return s.TaskStore.PutTask(ctx, t)
}

func (s *Store) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	if err := s.injected("claim"); err != nil {
		return nil, err
	}
	t, err := s.TaskStore.ClaimAvailableTask(ctx)
	if err == nil && t != nil {
		s.journal.Add("claim:%s", t.TaskID)
	}
	return t, err
}

func (s *Store) RequeueTask(ctx context.Context, t api.Task) error {
	if err := s.injected("requeue"); err != nil {
		return err
	}
	s.journal.Add("requeue:%s:%d", t.TaskID, t.RemainingAttempts)
	return s.TaskStore.RequeueTask(ctx, t)
}

func (s *Store) CloseTask(ctx context.Context, t api.Task) error {
	if err := s.injected("close"); err != nil {
		return err
	}
	s.journal.Add("close:%s", t.TaskID)
	return s.TaskStore.CloseTask(ctx, t)
}

// LogService journals every event it receives and keeps the records for
// inspection.
type LogService struct {
	journal *Journal

	mu         sync.Mutex
	started    []api.TaskRecord
	completed  []api.TaskRecord
	logs       []api.TaskLog
	heartbeats []api.WorkerHeartbeat
	err        error
}

// NewLogService records events into journal.
func NewLogService(journal *Journal) *LogService {
	return &LogService{journal: journal}
}

var _ api.LogService = (*LogService)(nil)

// FailWith makes every subsequent call return err after recording it.
func (l *LogService) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *LogService) TaskStarted(_ context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	l.journal.Add("started:%s", rec.Task.TaskID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, rec)
	return l.err
}

func (l *LogService) Log(_ context.Context, _ *api.TaskContext, entry api.TaskLog) error {
	l.journal.Add("log:%s", entry.TaskID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, entry)
	return l.err
}

func (l *LogService) TaskCompleted(_ context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	if rec.Failed() {
		l.journal.Add("completed_error:%s", rec.Task.TaskID)
	} else {
		l.journal.Add("completed:%s", rec.Task.TaskID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, rec)
	return l.err
}

func (l *LogService) WorkerHeartbeat(_ context.Context, hb api.WorkerHeartbeat) error {
	l.journal.Add("heartbeat:%s", hb.WorkerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats = append(l.heartbeats, hb)
	return l.err
}

// Started returns the TaskStarted records received so far.
func (l *LogService) Started() []api.TaskRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.TaskRecord(nil), l.started...)
}

// Completed returns the TaskCompleted records received so far.
func (l *LogService) Completed() []api.TaskRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.TaskRecord(nil), l.completed...)
}

// Logs returns the TaskLog events received so far.
func (l *LogService) Logs() []api.TaskLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.TaskLog(nil), l.logs...)
}

// Heartbeats returns the heartbeats received so far.
func (l *LogService) Heartbeats() []api.WorkerHeartbeat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.WorkerHeartbeat(nil), l.heartbeats...)
}
