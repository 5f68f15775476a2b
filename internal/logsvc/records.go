package logsvc

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskworker/pkg/api"
)

// correlator remembers the record id under which each running task's
// started event was written, so the completed event updates the same record.
type correlator struct {
	logger *slog.Logger

	mu  sync.Mutex
	ids map[string]string
}

func newCorrelator(logger *slog.Logger) *correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &correlator{logger: logger, ids: make(map[string]string)}
}

// start returns a fresh record id for taskID, or the one already issued if
// the task started before without completing.
func (c *correlator) start(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[taskID]; ok {
		return id
	}
	id := uuid.NewString()
	c.ids[taskID] = id
	return id
}

// finish pops the record id for rec's task. A task whose start was never
// seen here, for example after a restart, gets a new id and a warning; the
// completed event is still written. Tasks rejected for an unknown handler
// never start, so they get a new id silently.
func (c *correlator) finish(rec api.TaskRecord) string {
	taskID := rec.Task.TaskID
	c.mu.Lock()
	id, ok := c.ids[taskID]
	delete(c.ids, taskID)
	c.mu.Unlock()

	if ok {
		return id
	}
	if strings.HasPrefix(rec.Error, api.ErrUnknownHandler.Error()) {
		return uuid.NewString()
	}
	c.logger.Warn("task_record_id_missing",
		slog.String("task_id", taskID),
		slog.String("detail", "writing completed record under a new id"),
	)
	return uuid.NewString()
}

// wrapContents turns basic values into an object so every stored log entry
// has the same shape.
func wrapContents(v any) any {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Duration, time.Time:
		return map[string]any{"value": v}
	default:
		return v
	}
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
