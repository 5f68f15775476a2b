// Package demo provides sample handlers and a task generator for trying a
// worker out.
package demo

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskworker/pkg/api"
)

// Handler names.
const (
	Identity    = "identity"
	Square      = "square"
	Zero        = "zero"
	Unmotivated = "unmotivated"
)

// ErrUnmotivated is returned by every attempt of the unmotivated handler.
var ErrUnmotivated = errors.New("unmotivated")

// Params is the input of every demo handler.
type Params struct {
	Value int `json:"value"`
}

// Handlers returns the demo handlers. Each one sleeps for delay, honouring
// ctx, before reporting.
func Handlers(delay time.Duration) []api.Worker {
	return []api.Worker{
		api.NewWorker(Identity, func(ctx context.Context, p Params, l api.TaskLogger) (any, error) {
			if err := pause(ctx, delay); err != nil {
				return nil, err
			}
			l.Log(p.Value)
			return p.Value, nil
		}),
		api.NewWorker(Square, func(ctx context.Context, p Params, l api.TaskLogger) (any, error) {
			if err := pause(ctx, delay); err != nil {
				return nil, err
			}
			sq := p.Value * p.Value
			l.Log(sq)
			return sq, nil
		}),
		api.NewWorker(Zero, func(ctx context.Context, _ Params, l api.TaskLogger) (any, error) {
			if err := pause(ctx, delay); err != nil {
				return nil, err
			}
			l.Log(0)
			return 0, nil
		}),
		api.NewWorker(Unmotivated, func(context.Context, map[string]any, api.TaskLogger) (any, error) {
			return nil, ErrUnmotivated
		}),
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var names = []string{Identity, Square, Zero, Unmotivated}

// RandomTask returns a task for a random demo handler with value 2.
func RandomTask(attempts int) api.Task {
	return api.Task{
		TaskID:            uuid.NewString(),
		Handler:           names[rand.IntN(len(names))],
		RemainingAttempts: attempts,
		Params:            map[string]any{"value": 2},
	}
}

// Generate puts a RandomTask into store every interval until ctx is done or
// a put fails.
func Generate(ctx context.Context, store api.TaskStore, interval time.Duration, attempts int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := store.PutTask(ctx, RandomTask(attempts)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
