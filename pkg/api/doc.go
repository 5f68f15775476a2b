// Package api defines the contracts shared by the worker and its backends:
// tasks and task stores, handlers, log events and the services that record
// and query them.
//
// Most users start from the taskworker package, which re-exports these types.
// Import api directly when implementing a TaskStore or LogService.
//
// # Errors
//
// Stores report transient failures by wrapping ErrStoreUnavailable (see
// StoreUnavailable). The worker retries those with backoff and never passes
// them to handler code.
//
// # Log events
//
// Every LogService call about a task carries the same *TaskContext, created
// once per attempt. Decorators such as the sampling log service record
// per-task decisions on it.
package api
