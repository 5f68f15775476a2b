package logsvc

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/taskworker/pkg/api"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteLogServiceContract(t *testing.T) {
	runLogContract(t, func(t *testing.T) persistentLogService {
		s, err := NewSQLiteLogService(openSQLite(t), nil)
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteLogServiceWarnsOnMissingRecordID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s, err := NewSQLiteLogService(openSQLite(t), logger)
	require.NoError(t, err)

	rec := api.TaskRecord{Task: api.Task{TaskID: "orphan", Handler: "square"}, Finished: time.Now()}
	require.NoError(t, s.TaskCompleted(context.Background(), nil, rec))

	assert.Contains(t, buf.String(), "task_record_id_missing")
	assert.Contains(t, buf.String(), `"task_id":"orphan"`)

	got, err := s.FindTasks(context.Background(), api.FindTasks{TaskID: "orphan"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteLogServiceRecordsUnknownHandlerQuietly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s, err := NewSQLiteLogService(openSQLite(t), logger)
	require.NoError(t, err)

	rec := api.TaskRecord{
		Task:     api.Task{TaskID: "t1", Handler: "missing"},
		Finished: time.Now(),
		Error:    fmt.Errorf("%w: %q", api.ErrUnknownHandler, "missing").Error(),
	}
	require.NoError(t, s.TaskCompleted(context.Background(), nil, rec))

	assert.NotContains(t, buf.String(), "task_record_id_missing")
	got, err := s.FindTasks(context.Background(), api.FindTasks{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Failed())
}

func TestSQLiteLogServiceSchemaIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	_, err := NewSQLiteLogService(db, nil)
	require.NoError(t, err)
	_, err = NewSQLiteLogService(db, nil)
	require.NoError(t, err)
}
