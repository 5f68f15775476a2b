package logsvc

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/taskworker/pkg/api"
)

// SQLiteLogService persists log events in SQLite and serves them back
// through InfoService.
type SQLiteLogService struct {
	db     *sql.DB
	ids    *correlator
	logger *slog.Logger
}

// NewSQLiteLogService creates the tables if needed.
func NewSQLiteLogService(db *sql.DB, logger *slog.Logger) (*SQLiteLogService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteLogService{db: db, ids: newCorrelator(logger), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ api.LogService  = (*SQLiteLogService)(nil)
	_ api.InfoService = (*SQLiteLogService)(nil)
)

func (s *SQLiteLogService) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_records (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL,
			batch_id           TEXT NOT NULL DEFAULT '',
			handler            TEXT NOT NULL DEFAULT '',
			remaining_attempts INTEGER NOT NULL DEFAULT 0,
			params             TEXT NOT NULL DEFAULT '',
			worker_id          TEXT NOT NULL DEFAULT '',
			started            INTEGER NOT NULL DEFAULT 0,
			finished           INTEGER NOT NULL DEFAULT 0,
			elapsed            INTEGER NOT NULL DEFAULT 0,
			result             TEXT NOT NULL DEFAULT '',
			error              TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_task_records_task ON task_records(task_id, started);
		CREATE TABLE IF NOT EXISTS task_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id   TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			tick      INTEGER NOT NULL,
			contents  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);
		CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			hostname  TEXT NOT NULL DEFAULT '',
			heartbeat INTEGER NOT NULL
		);
	`)
	return err
}

func (s *SQLiteLogService) TaskStarted(ctx context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.start(rec.Task.TaskID)
	params, err := marshalJSON(rec.Task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	// Create only: a completed record that got here first is kept as is.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_records (id, task_id, batch_id, handler, remaining_attempts, params, worker_id, started)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, rec.Task.TaskID, rec.Task.BatchID, rec.Task.Handler, rec.Task.RemainingAttempts,
		params, rec.WorkerID, unixNano(rec.Started),
	)
	return err
}

func (s *SQLiteLogService) Log(ctx context.Context, _ *api.TaskContext, line api.TaskLog) error {
	contents, err := marshalJSON(wrapContents(line.Contents))
	if err != nil {
		return fmt.Errorf("encode log contents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, worker_id, tick, contents) VALUES (?, ?, ?, ?)`,
		line.TaskID, line.WorkerID, unixNano(line.Tick), contents,
	)
	return err
}

func (s *SQLiteLogService) TaskCompleted(ctx context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.finish(rec)
	params, err := marshalJSON(rec.Task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_records (id, task_id, batch_id, handler, remaining_attempts, params, worker_id, started, finished, elapsed, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished = excluded.finished,
			elapsed  = excluded.elapsed,
			result   = excluded.result,
			error    = excluded.error`,
		id, rec.Task.TaskID, rec.Task.BatchID, rec.Task.Handler, rec.Task.RemainingAttempts,
		params, rec.WorkerID, unixNano(rec.Started), unixNano(rec.Finished), int64(rec.Elapsed),
		result, rec.Error,
	)
	return err
}

func (s *SQLiteLogService) WorkerHeartbeat(ctx context.Context, hb api.WorkerHeartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, hostname, heartbeat) VALUES (?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET hostname = excluded.hostname, heartbeat = excluded.heartbeat`,
		hb.WorkerID, hb.Hostname, unixNano(hb.Timestamp),
	)
	return err
}

// where builds a conjunction of equality filters, skipping empty values.
func where(filters ...string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for i := 0; i+1 < len(filters); i += 2 {
		if filters[i+1] == "" {
			continue
		}
		clauses = append(clauses, filters[i]+" = ?")
		args = append(args, filters[i+1])
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteLogService) FindTasks(ctx context.Context, q api.FindTasks) ([]api.TaskRecord, error) {
	cond, args := where("task_id", q.TaskID, "batch_id", q.BatchID, "handler", q.Handler, "worker_id", q.WorkerID)
	args = append(args, api.EffectiveLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, batch_id, handler, remaining_attempts, params, worker_id, started, finished, elapsed, result, error
		FROM task_records `+cond+`
		ORDER BY started DESC, id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TaskRecord
	for rows.Next() {
		var (
			rec                        api.TaskRecord
			params, result             string
			started, finished, elapsed int64
		)
		if err := rows.Scan(&rec.Task.TaskID, &rec.Task.BatchID, &rec.Task.Handler, &rec.Task.RemainingAttempts,
			&params, &rec.WorkerID, &started, &finished, &elapsed, &result, &rec.Error); err != nil {
			return nil, err
		}
		if p, ok := unmarshalJSON(params).(map[string]any); ok {
			rec.Task.Params = p
		}
		rec.Started = fromUnixNano(started)
		rec.Finished = fromUnixNano(finished)
		rec.Elapsed = time.Duration(elapsed)
		rec.Result = unmarshalJSON(result)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteLogService) FindLogs(ctx context.Context, q api.FindLogs) ([]api.TaskLog, error) {
	cond, args := where("task_id", q.TaskID, "worker_id", q.WorkerID)
	args = append(args, api.EffectiveLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker_id, tick, contents
		FROM task_logs `+cond+`
		ORDER BY id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TaskLog
	for rows.Next() {
		var (
			line     api.TaskLog
			tick     int64
			contents string
		)
		if err := rows.Scan(&line.TaskID, &line.WorkerID, &tick, &contents); err != nil {
			return nil, err
		}
		line.Tick = fromUnixNano(tick)
		line.Contents = unmarshalJSON(contents)
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *SQLiteLogService) FindWorkers(ctx context.Context, q api.FindWorkers) ([]api.WorkerHeartbeat, error) {
	cond, args := where("worker_id", q.WorkerID)
	args = append(args, api.EffectiveLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, hostname, heartbeat
		FROM workers `+cond+`
		ORDER BY heartbeat DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkerHeartbeat
	for rows.Next() {
		var (
			hb api.WorkerHeartbeat
			ts int64
		)
		if err := rows.Scan(&hb.WorkerID, &hb.Hostname, &ts); err != nil {
			return nil, err
		}
		hb.Timestamp = fromUnixNano(ts)
		out = append(out, hb)
	}
	return out, rows.Err()
}
