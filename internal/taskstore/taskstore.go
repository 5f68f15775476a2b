// Package taskstore provides TaskStore backends: an in-memory store for tests
// and single-process use, and durable stores on SQLite, Postgres, Redis and
// MongoDB. Every backend hands a claimed task to at most one caller until it
// is requeued or closed.
package taskstore

import (
	"errors"

	"github.com/google/uuid"
	"github.com/petrijr/taskworker/pkg/api"
)

var (
	// ErrDuplicateTask is returned by PutTask when the task id already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrTaskNotFound is returned by RequeueTask for a task the store no
	// longer holds.
	ErrTaskNotFound = errors.New("task not found")
)

// DefaultAttempts is the retry budget applied to tasks put without one.
const DefaultAttempts = 1

type options struct {
	defaultAttempts int
	prefix          string
}

// Option configures a store.
type Option func(*options)

// WithDefaultAttempts sets the retry budget given to tasks whose
// RemainingAttempts is not positive when they are put.
func WithDefaultAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultAttempts = n
		}
	}
}

// WithPrefix namespaces the keys, tables or collections a store uses where
// the backend supports it.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := options{defaultAttempts: DefaultAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepare fills in the id and retry budget of a task about to be stored.
func (o options) prepare(t api.Task) api.Task {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.RemainingAttempts <= 0 {
		t.RemainingAttempts = o.defaultAttempts
	}
	return t
}
