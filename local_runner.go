package taskworker

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/taskworker/internal/taskstore"
)

// LocalRunner bundles an in-memory task store and a Worker for development
// and tests.
//
// Typical usage:
//
//	runner, _ := taskworker.NewLocalRunner(nil, square)
//	_ = runner.Start(ctx)
//	_ = runner.Put(ctx, taskworker.Task{Handler: "square", Params: map[string]any{"value": 3}})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Store is the in-memory store the Worker claims from.
	Store *taskstore.MemoryStore

	// Worker processes tasks from Store.
	Worker *Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	running bool
}

// NewLocalRunner constructs a runner around handlers. A nil logs writes
// events through slog.Default.
func NewLocalRunner(logs LogService, handlers ...Handler) (*LocalRunner, error) {
	if logs == nil {
		logs = NewLoggingLogService(nil)
	}
	store := taskstore.NewMemoryStore()
	w, err := New(Options{
		Stores:          []TaskStore{store},
		LogService:      logs,
		WorkerIDService: StaticWorkerID("local"),
		Handlers:        handlers,
	})
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Store: store, Worker: w}, nil
}

// Start runs the Worker in the background until Stop. A runner runs once.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("taskworker: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.done)
		err := r.Worker.Run(ctx)
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
	}()
	return nil
}

// Put queues a task on the runner's store.
func (r *LocalRunner) Put(ctx context.Context, t Task) error {
	return r.Store.PutTask(ctx, t)
}

// Stop cancels the Worker, waits for claimed tasks to finish and returns
// the Worker's result.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}
