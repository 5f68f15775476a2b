package api

import "context"

// DefaultFindLimit caps query results when no limit is given.
const DefaultFindLimit = 100

// FindTasks selects task records. Empty fields mean "no filter".
type FindTasks struct {
	TaskID   string
	BatchID  string
	Handler  string
	WorkerID string
	Limit    int
}

// FindLogs selects task log lines.
type FindLogs struct {
	TaskID   string
	WorkerID string
	Limit    int
}

// FindWorkers selects the latest heartbeat of each worker.
type FindWorkers struct {
	WorkerID string
	Limit    int
}

// InfoService is a read-only projection over persisted log events.
type InfoService interface {
	FindTasks(ctx context.Context, q FindTasks) ([]TaskRecord, error)
	FindLogs(ctx context.Context, q FindLogs) ([]TaskLog, error)
	FindWorkers(ctx context.Context, q FindWorkers) ([]WorkerHeartbeat, error)
}

// EffectiveLimit returns limit, or DefaultFindLimit when limit is not positive.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultFindLimit
	}
	return limit
}
