package taskstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/taskworker/pkg/api"
)

// RedisStore implements TaskStore using Redis.
//
// Keys, relative to the configured prefix:
//
//	<prefix>task:<id>   JSON-encoded Task
//	<prefix>available   list of claimable task ids (LPUSH / RPOP order)
//	<prefix>taken       list of claimed task ids
//
// A claim is a single LMOVE from available to taken, which Redis executes
// atomically.
type RedisStore struct {
	client    *redis.Client
	opts      options
	available string
	taken     string
}

// NewRedisStore constructs a Redis-backed TaskStore. The prefix defaults to
// "taskworker:".
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	if o.prefix == "" {
		o.prefix = "taskworker:"
	}
	return &RedisStore{
		client:    client,
		opts:      o,
		available: o.prefix + "available",
		taken:     o.prefix + "taken",
	}
}

// Ensure RedisStore implements TaskStore.
var _ api.TaskStore = (*RedisStore)(nil)

func (s *RedisStore) taskKey(id string) string {
	return s.opts.prefix + "task:" + id
}

func (s *RedisStore) PutTask(ctx context.Context, t api.Task) error {
	t = s.opts.prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task %q: %w", t.TaskID, err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(t.TaskID), data, 0).Result()
	if err != nil {
		return api.StoreUnavailable("redis put", err)
	}
	if !ok {
		return fmt.Errorf("put %q: %w", t.TaskID, ErrDuplicateTask)
	}
	if err := s.client.LPush(ctx, s.available, t.TaskID).Err(); err != nil {
		return api.StoreUnavailable("redis put", err)
	}
	return nil
}

func (s *RedisStore) ClaimAvailableTask(ctx context.Context) (*api.Task, error) {
	for {
		id, err := s.client.LMove(ctx, s.available, s.taken, "RIGHT", "LEFT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, api.StoreUnavailable("redis claim", err)
		}

		data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Closed while still listed; drop the stale id and keep looking.
				_ = s.client.LRem(ctx, s.taken, 1, id).Err()
				continue
			}
			return nil, api.StoreUnavailable("redis claim", err)
		}
		t, err := DecodeTask(data)
		if err != nil {
			return nil, fmt.Errorf("decode task %q: %w", id, err)
		}
		return t, nil
	}
}

func (s *RedisStore) RequeueTask(ctx context.Context, t api.Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return fmt.Errorf("encode task %q: %w", t.TaskID, err)
	}

	exists, err := s.client.Exists(ctx, s.taskKey(t.TaskID)).Result()
	if err != nil {
		return api.StoreUnavailable("redis requeue", err)
	}
	if exists == 0 {
		return fmt.Errorf("requeue %q: %w", t.TaskID, ErrTaskNotFound)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.TaskID), data, 0)
		pipe.LRem(ctx, s.taken, 1, t.TaskID)
		pipe.LPush(ctx, s.available, t.TaskID)
		return nil
	})
	if err != nil {
		return api.StoreUnavailable("redis requeue", err)
	}
	return nil
}

func (s *RedisStore) CloseTask(ctx context.Context, t api.Task) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.taken, 1, t.TaskID)
		pipe.Del(ctx, s.taskKey(t.TaskID))
		return nil
	})
	if err != nil {
		return api.StoreUnavailable("redis close", err)
	}
	return nil
}

// Len returns the approximate number of tasks, available plus taken.
func (s *RedisStore) Len() int {
	ctx := context.Background()
	a, err := s.client.LLen(ctx, s.available).Result()
	if err != nil {
		return 0
	}
	b, err := s.client.LLen(ctx, s.taken).Result()
	if err != nil {
		return int(a)
	}
	return int(a + b)
}
