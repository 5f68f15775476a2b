package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/taskworker/pkg/api"
)

// PostgresStore implements TaskStore using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS tasks (
//	    task_id            TEXT PRIMARY KEY,
//	    batch_id           TEXT NOT NULL DEFAULT '',
//	    handler            TEXT NOT NULL,
//	    remaining_attempts INTEGER NOT NULL,
//	    params             JSONB,
//	    taken              BOOLEAN NOT NULL DEFAULT FALSE,
//	    queued_at          TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never
// block on, or share, a row.
type PostgresStore struct {
	db    *sql.DB
	opts  options
	table string
}

// NewPostgresStore creates the required schema if needed and returns a store.
// db is expected to use the "pgx" driver.
func NewPostgresStore(db *sql.DB, opts ...Option) (*PostgresStore, error) {
	o := buildOptions(opts)
	s := &PostgresStore{db: db, opts: o, table: o.prefix + "tasks"}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ensure PostgresStore implements TaskStore.
var _ api.TaskStore = (*PostgresStore)(nil)

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			task_id            TEXT PRIMARY KEY,
			batch_id           TEXT NOT NULL DEFAULT '',
			handler            TEXT NOT NULL,
			remaining_attempts INTEGER NOT NULL,
			params             JSONB,
			taken              BOOLEAN NOT NULL DEFAULT FALSE,
			queued_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_available ON %[1]s (taken, queued_at);
	`, s.table))
	return err
}

func (s *PostgresStore) PutTask(ctx context.Context, t api.Task) error {
	t = s.opts.prepare(t)
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (task_id, batch_id, handler, remaining_attempts, params)
		VALUES ($1, $2, $3, $4, $5)
	`, s.table), t.TaskID, t.BatchID, t.Handler, t.RemainingAttempts, string(params))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("put %q: %w", t.TaskID, ErrDuplicateTask)
		}
		return api.StoreUnavailable("postgres put", err)
	}
	return nil
}

func (s *PostgresStore) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	var (
		t      api.Task
		params []byte
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %[1]s SET taken = TRUE
		WHERE task_id = (
			SELECT task_id FROM %[1]s
			WHERE NOT taken
			ORDER BY queued_at, task_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING task_id, batch_id, handler, remaining_attempts, params
	`, s.table)).Scan(&t.TaskID, &t.BatchID, &t.Handler, &t.RemainingAttempts, &params)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, api.StoreUnavailable("postgres claim", err)
	}

	t.Params, err = DecodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", t.TaskID, err)
	}
	return &t, nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, t api.Task) error {
	params, err := EncodeParams(t.Params)
	if err != nil {
		return fmt.Errorf("encode params for %q: %w", t.TaskID, err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET remaining_attempts = $1, params = $2, taken = FALSE, queued_at = now()
		WHERE task_id = $3
	`, s.table), t.RemainingAttempts, string(params), t.TaskID)
	if err != nil {
		return api.StoreUnavailable("postgres requeue", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("requeue %q: %w", t.TaskID, ErrTaskNotFound)
	}
	return nil
}

func (s *PostgresStore) CloseTask(ctx context.Context, t api.Task) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1`, s.table), t.TaskID); err != nil {
		return api.StoreUnavailable("postgres close", err)
	}
	return nil
}

// Len returns an approximate number of stored tasks.
func (s *PostgresStore) Len() int {
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0
	}
	return n
}
