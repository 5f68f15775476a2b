package taskstore

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/taskworker/internal/testutil"
	"github.com/petrijr/taskworker/pkg/api"
)

// uniquePrefix returns an identifier-safe prefix so tests sharing a container
// never see each other's tasks.
func uniquePrefix() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runStoreContract(t, func(t *testing.T) api.TaskStore {
		s, err := NewPostgresStore(db, WithPrefix(uniquePrefix()))
		require.NoError(t, err)
		return s
	})
}

func TestRedisStoreContract(t *testing.T) {
	addr := testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	runStoreContract(t, func(t *testing.T) api.TaskStore {
		return NewRedisStore(client, WithPrefix(uniquePrefix()))
	})
}

func TestMongoStoreContract(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	runStoreContract(t, func(t *testing.T) api.TaskStore {
		s := NewMongoStore(client, "taskworker_test", "", WithPrefix(uniquePrefix()))
		require.NoError(t, s.EnsureIndexes(context.Background()))
		return s
	})
}
