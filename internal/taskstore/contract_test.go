package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskworker/pkg/api"
)

// runStoreContract exercises the behaviour every TaskStore backend must share.
// newStore must return an empty store each time it is called.
func runStoreContract(t *testing.T, newStore func(t *testing.T) api.TaskStore) {
	t.Run("claim on empty store returns nil", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ClaimAvailableTask(context.Background())
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("put claim close", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutTask(ctx, api.Task{
			BatchID:           "b1",
			TaskID:            "t1",
			Handler:           "square",
			RemainingAttempts: 2,
			Params:            map[string]any{"value": 3},
		}))

		got, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "b1", got.BatchID)
		require.Equal(t, "t1", got.TaskID)
		require.Equal(t, "square", got.Handler)
		require.Equal(t, 2, got.RemainingAttempts)
		require.EqualValues(t, 3, got.Params["value"])

		again, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)
		require.Nil(t, again, "a taken task must not be claimed twice")

		require.NoError(t, s.CloseTask(ctx, *got))

		after, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)
		require.Nil(t, after)
	})

	t.Run("claims in queue order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, s.PutTask(ctx, api.Task{TaskID: id, Handler: "h", RemainingAttempts: 1}))
		}
		for _, want := range []string{"1", "2", "3"} {
			got, err := s.ClaimAvailableTask(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, want, got.TaskID)
		}
	})

	t.Run("requeue persists caller state", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutTask(ctx, api.Task{TaskID: "t1", Handler: "h", RemainingAttempts: 3}))
		got, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)

		got.RemainingAttempts--
		require.NoError(t, s.RequeueTask(ctx, *got))

		again, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		require.Equal(t, "t1", again.TaskID)
		require.Equal(t, 2, again.RemainingAttempts)
	})

	t.Run("requeue unknown task", func(t *testing.T) {
		s := newStore(t)
		err := s.RequeueTask(context.Background(), api.Task{TaskID: "nope", Handler: "h", RemainingAttempts: 1})
		require.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("duplicate put is rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutTask(ctx, api.Task{TaskID: "dup", Handler: "h", RemainingAttempts: 1}))
		err := s.PutTask(ctx, api.Task{TaskID: "dup", Handler: "h", RemainingAttempts: 1})
		require.ErrorIs(t, err, ErrDuplicateTask)
	})

	t.Run("default retry budget and generated id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.PutTask(ctx, api.Task{Handler: "h"}))
		got, err := s.ClaimAvailableTask(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NotEmpty(t, got.TaskID)
		require.Equal(t, DefaultAttempts, got.RemainingAttempts)
	})

	t.Run("at most one claimant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const tasks = 40
		const claimers = 8
		for i := 0; i < tasks; i++ {
			require.NoError(t, s.PutTask(ctx, api.Task{TaskID: fmt.Sprintf("t%02d", i), Handler: "h", RemainingAttempts: 1}))
		}

		var (
			mu     sync.Mutex
			seen   = make(map[string]int)
			wg     sync.WaitGroup
			errsMu sync.Mutex
			errs   []error
		)
		for c := 0; c < claimers; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := s.ClaimAvailableTask(ctx)
					if err != nil {
						if errors.Is(err, api.ErrStoreUnavailable) {
							continue
						}
						errsMu.Lock()
						errs = append(errs, err)
						errsMu.Unlock()
						return
					}
					if got == nil {
						return
					}
					mu.Lock()
					seen[got.TaskID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, seen, tasks)
		for id, n := range seen {
			require.Equalf(t, 1, n, "task %s claimed %d times", id, n)
		}
	})
}
