package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/taskworker/pkg/api"
)

// SQLiteStore is a persistent TaskStore backed by SQLite.
//
// Claiming is a single UPDATE ... RETURNING statement, so two callers can
// never take the same row. Tasks are claimed in the order they were queued.
type SQLiteStore struct {
	db    *sql.DB
	opts  options
	table string
}

// NewSQLiteStore initializes the tasks table in the given DB and returns a
// new store.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	s := &SQLiteStore{
		db:    db,
		opts:  o,
		table: o.prefix + "tasks",
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			task_id            TEXT PRIMARY KEY,
			batch_id           TEXT NOT NULL DEFAULT '',
			handler            TEXT NOT NULL,
			remaining_attempts INTEGER NOT NULL,
			params             BLOB,
			taken              INTEGER NOT NULL DEFAULT 0,
			queued_at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_available ON %[1]s(taken, queued_at);
	`, s.table))
	return err
}

// Ensure SQLiteStore implements TaskStore.
var _ api.TaskStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) PutTask(ctx context.Context, t api.Task) error {
	t = s.opts.prepare(t)
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (task_id, batch_id, handler, remaining_attempts, params, taken, queued_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`, s.table),
		t.TaskID, t.BatchID, t.Handler, t.RemainingAttempts, params, time.Now().UnixNano(),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("put %q: %w", t.TaskID, ErrDuplicateTask)
		}
		return api.StoreUnavailable("sqlite put", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET taken = 1
		WHERE task_id = (
			SELECT task_id FROM %[1]s
			WHERE taken = 0
			ORDER BY queued_at, task_id
			LIMIT 1
		) AND taken = 0
		RETURNING task_id, batch_id, handler, remaining_attempts, params`, s.table))

	var (
		t      api.Task
		params []byte
	)
	err := row.Scan(&t.TaskID, &t.BatchID, &t.Handler, &t.RemainingAttempts, &params)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, api.StoreUnavailable("sqlite claim", err)
	}

	t.Params, err = DecodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("decode params for %q: %w", t.TaskID, err)
	}
	return &t, nil
}

func (s *SQLiteStore) RequeueTask(ctx context.Context, t api.Task) error {
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_attempts = ?, params = ?, taken = 0, queued_at = ?
		WHERE task_id = ?`, s.table),
		t.RemainingAttempts, params, time.Now().UnixNano(), t.TaskID,
	)
	if err != nil {
		return api.StoreUnavailable("sqlite requeue", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("requeue %q: %w", t.TaskID, ErrTaskNotFound)
	}
	return nil
}

func (s *SQLiteStore) CloseTask(ctx context.Context, t api.Task) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE task_id = ?`, s.table), t.TaskID)
	if err != nil {
		return api.StoreUnavailable("sqlite close", err)
	}
	return nil
}

// Len returns the number of stored tasks, taken or not.
func (s *SQLiteStore) Len() int {
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0
	}
	return n
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
