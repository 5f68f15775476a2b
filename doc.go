// Package taskworker provides an embeddable worker that claims tasks from a
// shared task store and runs them through named handlers.
//
// Many worker processes may share one store. Each task is claimed by exactly
// one worker at a time, retried a bounded number of times when its handler
// fails, and removed from the store when it succeeds or runs out of attempts.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. TaskStore
//  2. Handler
//  3. LogService
//  4. Worker
//  5. LocalRunner
//
// # TaskStore
//
// A TaskStore is the backing queue. ClaimAvailableTask hands out one task and
// hides it from every other caller until RequeueTask or CloseTask. Stores are
// available for:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Handler
//
// A Handler processes the tasks addressed to its name. NewHandler converts a
// task's params into a typed struct before calling user code:
//
//	square := taskworker.NewHandler("square",
//		func(ctx context.Context, p struct{ Value int }, l taskworker.TaskLogger) (any, error) {
//			l.Log(p.Value)
//			return p.Value * p.Value, nil
//		})
//
// A handler error or panic consumes one attempt. Tasks naming an unknown
// handler are abandoned without retry.
//
// # LogService
//
// Every attempt is reported to a LogService: TaskStarted, any number of Log
// lines, then TaskCompleted. Workers also send periodic heartbeats.
// Persistent log services (SQLite, Pebble, MongoDB) implement InfoService so
// records can be queried back. NewSamplingLogService keeps only the events of
// selected tasks; the selection can be a rate, a handler list or a CEL
// expression.
//
// # Worker
//
// A Worker ties the pieces together. Its intake pipeline claims tasks while a
// backpressure controller reports room, hands them to a balancing pool that
// grows and shrinks with utilisation, and the dispatcher runs each task and
// resolves it in the store.
//
//	w, err := taskworker.New(taskworker.Options{
//		Stores:          []taskworker.TaskStore{store},
//		LogService:      logs,
//		WorkerIDService: taskworker.UniqueWorkerID(),
//		Handlers:        []taskworker.Handler{square},
//	})
//	if err != nil {
//		return err
//	}
//	return w.Run(ctx)
//
// Run returns when ctx is cancelled and every claimed task has been resolved.
//
// # Configuration
//
// LoadConfig reads a YAML file with TASKWORKER_ environment overrides, and
// OpenBundle connects the store and log backends it names. The taskworker
// command in cmd/taskworker is built on the same pair.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory store with a Worker for development and
// tests.
package taskworker
