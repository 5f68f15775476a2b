package taskstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/petrijr/taskworker/pkg/api"
)

type memoryEntry struct {
	task  api.Task
	taken bool
}

// MemoryStore is a TaskStore kept entirely in process memory. Available
// tasks are claimed in FIFO order. It is safe for concurrent use.
type MemoryStore struct {
	opts options

	mu        sync.Mutex
	tasks     map[string]*memoryEntry
	available []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:  buildOptions(opts),
		tasks: make(map[string]*memoryEntry),
	}
}

// Ensure MemoryStore implements TaskStore.
var _ api.TaskStore = (*MemoryStore)(nil)

func (s *MemoryStore) PutTask(ctx context.Context, t api.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = s.opts.prepare(t)
	t.Params = maps.Clone(t.Params)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("put %q: %w", t.TaskID, ErrDuplicateTask)
	}
	s.tasks[t.TaskID] = &memoryEntry{task: t}
	s.available = append(s.available, t.TaskID)
	return nil
}

func (s *MemoryStore) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.available) > 0 {
		id := s.available[0]
		s.available = s.available[1:]

		e, ok := s.tasks[id]
		if !ok || e.taken {
			// Closed or already handed out through a stale slot.
			continue
		}
		e.taken = true
		t := e.task
		t.Params = maps.Clone(t.Params)
		return &t, nil
	}
	return nil, nil
}

func (s *MemoryStore) RequeueTask(ctx context.Context, t api.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[t.TaskID]
	if !ok {
		return fmt.Errorf("requeue %q: %w", t.TaskID, ErrTaskNotFound)
	}
	t.Params = maps.Clone(t.Params)
	e.task = t
	if e.taken {
		e.taken = false
		s.available = append(s.available, t.TaskID)
	}
	return nil
}

func (s *MemoryStore) CloseTask(ctx context.Context, t api.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, t.TaskID)
	return nil
}

// Len returns the number of tasks held, taken or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Get returns a copy of the stored task and whether it is currently taken.
func (s *MemoryStore) Get(taskID string) (api.Task, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return api.Task{}, false, false
	}
	return e.task, e.taken, true
}
