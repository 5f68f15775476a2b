package pool

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Core:              2,
		Max:               6,
		TargetUtilization: 0.8,
		SmoothingWeight:   0.5,
		BalanceAfter:      4,
		QueueSize:         0,
		IdleTimeout:       20 * time.Millisecond,
	}
}

func TestNextSizeStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		core := 1 + rng.Intn(8)
		cfg := Config{
			Core:              core,
			Max:               core + rng.Intn(32),
			TargetUtilization: 0.01 + rng.Float64()*0.99,
		}
		size := rng.Intn(cfg.Max*2 + 1)
		smoothed := rng.Float64() * 3

		got := nextSize(size, smoothed, cfg)
		require.GreaterOrEqual(t, got, cfg.Core)
		require.LessOrEqual(t, got, cfg.Max)
	}
}

func TestNextSizeTracksTarget(t *testing.T) {
	cfg := Config{Core: 2, Max: 20, TargetUtilization: 0.5}

	assert.Equal(t, 20, nextSize(10, 1.0, cfg), "saturated pool doubles, capped")
	assert.Equal(t, 10, nextSize(10, 0.5, cfg), "on target stays")
	assert.Equal(t, 4, nextSize(10, 0.2, cfg), "idle pool shrinks")
	assert.Equal(t, 2, nextSize(10, 0, cfg), "never below core")
}

func TestSubmitRunsJobs(t *testing.T) {
	p, err := New(testConfig(), nil)
	require.NoError(t, err)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	require.EqualValues(t, 50, ran.Load())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolGrowsToMaxUnderLoadThenBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Minute
	p, err := New(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, cfg.Core, p.Size())

	release := make(chan struct{})
	var started sync.WaitGroup
	for i := 0; i < cfg.Max; i++ {
		started.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			started.Done()
			<-release
		}))
	}
	started.Wait()
	require.Equal(t, cfg.Max, p.Size())

	// Saturated at Max with no admission buffer: the next submit waits.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Submit(ctx, func() {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, cfg.Max, p.Size())

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSurplusWorkersRetireToCore(t *testing.T) {
	cfg := testConfig()
	cfg.BalanceAfter = 1
	p, err := New(cfg, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	var done sync.WaitGroup
	for i := 0; i < cfg.Max; i++ {
		done.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer done.Done()
			<-release
		}))
	}
	require.Equal(t, cfg.Max, p.Size())
	close(release)
	done.Wait()

	// A trickle of quick jobs drives the smoothed utilization down.
	for i := 0; i < 20; i++ {
		done.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() { done.Done() }))
		time.Sleep(2 * time.Millisecond)
	}
	done.Wait()

	require.Eventually(t, func() bool {
		return p.Size() == cfg.Core
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSizeNeverLeavesBoundsUnderRandomLoad(t *testing.T) {
	cfg := testConfig()
	cfg.BalanceAfter = 2
	cfg.IdleTimeout = 5 * time.Millisecond
	p, err := New(cfg, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	var violations atomic.Int64
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s := p.Size(); s < cfg.Core || s > cfg.Max {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rng := rand.New(rand.NewSource(7))
	var jobs sync.WaitGroup
	for i := 0; i < 200; i++ {
		d := time.Duration(rng.Intn(3)) * time.Millisecond
		jobs.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer jobs.Done()
			time.Sleep(d)
		}))
		if rng.Intn(10) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	jobs.Wait()
	close(stop)
	watcher.Wait()

	require.Zero(t, violations.Load())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Core, cfg.Max = 1, 1
	p, err := New(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	require.EqualValues(t, 1, p.Stats().Panics)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Core, cfg.Max, cfg.QueueSize = 1, 1, 8
	p, err := New(cfg, nil)
	require.NoError(t, err)

	var ran atomic.Int64
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	require.EqualValues(t, 8, ran.Load())

	require.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
}

func TestShutdownHonoursContext(t *testing.T) {
	cfg := testConfig()
	p, err := New(cfg, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestConfigValidation(t *testing.T) {
	base := testConfig()
	for name, mutate := range map[string]func(*Config){
		"core":      func(c *Config) { c.Core = 0 },
		"max":       func(c *Config) { c.Max = c.Core - 1 },
		"target":    func(c *Config) { c.TargetUtilization = 0 },
		"target>1":  func(c *Config) { c.TargetUtilization = 1.2 },
		"smoothing": func(c *Config) { c.SmoothingWeight = 0 },
		"balance":   func(c *Config) { c.BalanceAfter = 0 },
		"queue":     func(c *Config) { c.QueueSize = -1 },
	} {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg, nil)
		require.Error(t, err, name)
	}
}
