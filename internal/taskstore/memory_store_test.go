package taskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskworker/pkg/api"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) api.TaskStore {
		return NewMemoryStore()
	})
}

func TestMemoryStoreIsolatesParams(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	params := map[string]any{"value": 1}
	require.NoError(t, s.PutTask(ctx, api.Task{TaskID: "t1", Handler: "h", RemainingAttempts: 1, Params: params}))
	params["value"] = 2

	got, err := s.ClaimAvailableTask(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.Params["value"])

	got.Params["value"] = 3
	stored, taken, found := s.Get("t1")
	require.True(t, found)
	require.True(t, taken)
	require.Equal(t, 1, stored.Params["value"])
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutTask(ctx, api.Task{TaskID: "t1", Handler: "h", RemainingAttempts: 1}))
	require.Equal(t, 1, s.Len())

	task := api.Task{TaskID: "t1"}
	require.NoError(t, s.CloseTask(ctx, task))
	require.NoError(t, s.CloseTask(ctx, task))
	require.Equal(t, 0, s.Len())

	got, err := s.ClaimAvailableTask(ctx)
	require.NoError(t, err)
	require.Nil(t, got, "closed task must not stay claimable")
}

func TestMemoryStoreWithOptions(t *testing.T) {
	s := NewMemoryStore(WithDefaultAttempts(5))
	ctx := context.Background()

	require.NoError(t, s.PutTask(ctx, api.Task{Handler: "h"}))
	got, err := s.ClaimAvailableTask(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, got.RemainingAttempts)
}
