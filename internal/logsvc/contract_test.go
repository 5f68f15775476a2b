package logsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskworker/pkg/api"
)

type persistentLogService interface {
	api.LogService
	api.InfoService
}

// runLogContract exercises behaviour every persistent backend must share.
// newService must return an empty service.
func runLogContract(t *testing.T, newService func(t *testing.T) persistentLogService) {
	ctx := context.Background()
	// Mongo keeps milliseconds.
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := func(id, handler string) api.TaskRecord {
		return api.TaskRecord{
			Task: api.Task{
				TaskID:            id,
				BatchID:           "b1",
				Handler:           handler,
				RemainingAttempts: 2,
				Params:            map[string]any{"value": 3},
			},
			WorkerID: "w1",
			Started:  now,
		}
	}

	t.Run("started then completed is one record", func(t *testing.T) {
		s := newService(t)
		rec := record("t1", "square")
		tc := api.NewTaskContext(rec.Task, "w1")
		require.NoError(t, s.TaskStarted(ctx, tc, rec))

		rec.Finished = now.Add(20 * time.Millisecond)
		rec.Elapsed = 20 * time.Millisecond
		rec.Result = 9
		require.NoError(t, s.TaskCompleted(ctx, tc, rec))

		got, err := s.FindTasks(ctx, api.FindTasks{TaskID: "t1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "square", got[0].Task.Handler)
		assert.Equal(t, "b1", got[0].Task.BatchID)
		assert.Equal(t, 2, got[0].Task.RemainingAttempts)
		assert.EqualValues(t, 3, got[0].Task.Params["value"])
		assert.Equal(t, "w1", got[0].WorkerID)
		assert.WithinDuration(t, now, got[0].Started, time.Millisecond)
		assert.WithinDuration(t, rec.Finished, got[0].Finished, time.Millisecond)
		assert.Equal(t, 20*time.Millisecond, got[0].Elapsed)
		assert.EqualValues(t, 9, got[0].Result)
		assert.False(t, got[0].Failed())
	})

	t.Run("started record without completion", func(t *testing.T) {
		s := newService(t)
		rec := record("t1", "square")
		require.NoError(t, s.TaskStarted(ctx, nil, rec))

		got, err := s.FindTasks(ctx, api.FindTasks{TaskID: "t1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Finished.IsZero())
		assert.Nil(t, got[0].Result)
	})

	t.Run("repeated start keeps one record", func(t *testing.T) {
		s := newService(t)
		rec := record("t1", "square")
		require.NoError(t, s.TaskStarted(ctx, nil, rec))
		require.NoError(t, s.TaskStarted(ctx, nil, rec))

		got, err := s.FindTasks(ctx, api.FindTasks{TaskID: "t1"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("completed without started is still written", func(t *testing.T) {
		s := newService(t)
		rec := record("t1", "unmotivated")
		rec.Finished = now
		rec.Error = "unmotivated"
		require.NoError(t, s.TaskCompleted(ctx, nil, rec))

		got, err := s.FindTasks(ctx, api.FindTasks{TaskID: "t1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Failed())
		assert.Equal(t, "unmotivated", got[0].Error)
	})

	t.Run("each attempt gets its own record", func(t *testing.T) {
		s := newService(t)
		for range 2 {
			rec := record("t1", "square")
			require.NoError(t, s.TaskStarted(ctx, nil, rec))
			rec.Finished = now
			rec.Error = "boom"
			require.NoError(t, s.TaskCompleted(ctx, nil, rec))
		}

		got, err := s.FindTasks(ctx, api.FindTasks{TaskID: "t1"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("basic log contents are wrapped", func(t *testing.T) {
		s := newService(t)
		require.NoError(t, s.Log(ctx, nil, api.TaskLog{TaskID: "t1", WorkerID: "w1", Tick: now, Contents: "hello"}))
		require.NoError(t, s.Log(ctx, nil, api.TaskLog{TaskID: "t1", WorkerID: "w1", Tick: now.Add(time.Millisecond), Contents: map[string]any{"step": 2}}))
		require.NoError(t, s.Log(ctx, nil, api.TaskLog{TaskID: "t2", WorkerID: "w2", Tick: now, Contents: 7}))

		got, err := s.FindLogs(ctx, api.FindLogs{TaskID: "t1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, map[string]any{"value": "hello"}, got[0].Contents)
		assert.EqualValues(t, 2, got[1].Contents.(map[string]any)["step"])
		assert.Equal(t, "w1", got[0].WorkerID)
		assert.WithinDuration(t, now, got[0].Tick, time.Millisecond)

		got, err = s.FindLogs(ctx, api.FindLogs{WorkerID: "w2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.EqualValues(t, 7, got[0].Contents.(map[string]any)["value"])
	})

	t.Run("unfiltered logs come back in write order", func(t *testing.T) {
		s := newService(t)
		for i, id := range []string{"t2", "t1", "t3", "t1"} {
			line := api.TaskLog{TaskID: id, WorkerID: "w1", Tick: now.Add(time.Duration(i) * time.Millisecond), Contents: i}
			require.NoError(t, s.Log(ctx, nil, line))
		}

		got, err := s.FindLogs(ctx, api.FindLogs{})
		require.NoError(t, err)
		var ids []string
		for _, l := range got {
			ids = append(ids, l.TaskID)
		}
		assert.Equal(t, []string{"t2", "t1", "t3", "t1"}, ids)

		first, err := s.FindLogs(ctx, api.FindLogs{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "t2", first[0].TaskID)
		assert.Equal(t, "t1", first[1].TaskID)
	})

	t.Run("heartbeat keeps the latest per worker", func(t *testing.T) {
		s := newService(t)
		require.NoError(t, s.WorkerHeartbeat(ctx, api.WorkerHeartbeat{WorkerID: "w1", Hostname: "h1", Timestamp: now}))
		require.NoError(t, s.WorkerHeartbeat(ctx, api.WorkerHeartbeat{WorkerID: "w1", Hostname: "h1", Timestamp: now.Add(time.Second)}))
		require.NoError(t, s.WorkerHeartbeat(ctx, api.WorkerHeartbeat{WorkerID: "w2", Hostname: "h2", Timestamp: now}))

		all, err := s.FindWorkers(ctx, api.FindWorkers{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "w1", all[0].WorkerID)

		one, err := s.FindWorkers(ctx, api.FindWorkers{WorkerID: "w1"})
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, "h1", one[0].Hostname)
		assert.WithinDuration(t, now.Add(time.Second), one[0].Timestamp, time.Millisecond)
	})

	t.Run("find filters and limit", func(t *testing.T) {
		s := newService(t)
		for i, h := range []string{"square", "square", "zero"} {
			rec := record(string(rune('a'+i)), h)
			rec.Started = now.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.TaskStarted(ctx, nil, rec))
		}

		squares, err := s.FindTasks(ctx, api.FindTasks{Handler: "square"})
		require.NoError(t, err)
		assert.Len(t, squares, 2)

		latest, err := s.FindTasks(ctx, api.FindTasks{BatchID: "b1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "c", latest[0].Task.TaskID)

		none, err := s.FindTasks(ctx, api.FindTasks{WorkerID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
