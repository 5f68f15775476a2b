// Package pool implements a worker pool whose goroutine count floats between
// a core and a maximum size, retuned from smoothed utilization samples.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/petrijr/taskworker/internal/handoff"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("pool closed")

// Job is a unit of work run by a pool worker.
type Job func()

// Config holds the balancing parameters.
type Config struct {
	Core              int
	Max               int
	TargetUtilization float64
	SmoothingWeight   float64
	// BalanceAfter is the number of completed jobs between retunes.
	BalanceAfter int
	// QueueSize is the admission buffer. Zero hands jobs straight to an idle
	// worker.
	QueueSize int
	// IdleTimeout is how long a surplus worker waits for work before it
	// retires.
	IdleTimeout time.Duration
}

// DefaultConfig matches the configuration defaults.
var DefaultConfig = Config{
	Core:              4,
	Max:               16,
	TargetUtilization: 0.8,
	SmoothingWeight:   0.3,
	BalanceAfter:      32,
	QueueSize:         0,
	IdleTimeout:       5 * time.Second,
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Core < 1:
		return fmt.Errorf("pool core size must be at least 1, got %d", c.Core)
	case c.Max < c.Core:
		return fmt.Errorf("pool max size %d is below core size %d", c.Max, c.Core)
	case c.TargetUtilization <= 0 || c.TargetUtilization > 1:
		return fmt.Errorf("pool target utilization must be in (0,1], got %v", c.TargetUtilization)
	case c.SmoothingWeight <= 0 || c.SmoothingWeight > 1:
		return fmt.Errorf("pool smoothing weight must be in (0,1], got %v", c.SmoothingWeight)
	case c.BalanceAfter < 1:
		return fmt.Errorf("pool balance interval must be at least 1, got %d", c.BalanceAfter)
	case c.QueueSize < 0:
		return fmt.Errorf("pool queue size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

// Stats is a snapshot of the pool's state.
type Stats struct {
	Size      int
	Target    int
	Busy      int
	Queued    int
	Smoothed  float64
	Completed uint64
	Panics    uint64
}

// Pool runs submitted jobs on between Core and Max goroutines.
//
// Submit blocks while every worker is busy at Max and the admission queue is
// full; jobs are never dropped. Every BalanceAfter completions the pool
// recomputes its target size from exponentially smoothed utilization. It
// grows to the target at once; workers above the target retire after their
// current job, and workers above Core retire after IdleTimeout without work.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	queue  *handoff.Queue[Job]
	wg     sync.WaitGroup
	closed atomic.Bool

	completed atomic.Uint64
	panicked  atomic.Uint64

	mu       sync.Mutex
	size     int
	target   int
	busy     int
	smoothed float64
	window   int
}

// New starts a pool with cfg.Core workers.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		queue:    handoff.New[Job](cfg.QueueSize),
		target:   cfg.Core,
		smoothed: cfg.TargetUtilization,
	}

	p.mu.Lock()
	p.spawnLocked(cfg.Core)
	p.mu.Unlock()
	return p, nil
}

// Submit hands job to a worker, growing the pool toward Max when no worker
// is free, and otherwise waits for room. Only ctx or Shutdown end the wait.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("pool: nil job")
	}
	if p.closed.Load() {
		return ErrPoolClosed
	}

	ok, err := p.queue.TrySend(job)
	if err != nil {
		return ErrPoolClosed
	}
	if ok {
		return nil
	}

	p.mu.Lock()
	if p.size < p.cfg.Max && !p.closed.Load() {
		p.spawnLocked(1)
		if p.target < p.size {
			p.target = p.size
		}
	}
	p.mu.Unlock()

	if err := p.queue.Send(ctx, job); err != nil {
		if errors.Is(err, handoff.ErrClosed) {
			return ErrPoolClosed
		}
		return err
	}
	return nil
}

// Size returns the number of workers the pool keeps. While the pool runs it
// is always within [Core, Max].
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Target:    p.target,
		Busy:      p.busy,
		Queued:    p.queue.Len(),
		Smoothed:  p.smoothed,
		Completed: p.completed.Load(),
		Panics:    p.panicked.Load(),
	}
}

// Shutdown stops admission and waits for queued and running jobs to finish,
// or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed.Store(true)
	p.mu.Unlock()
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		p.size++
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.IdleTimeout)
		job, err := p.queue.Receive(ctx)
		cancel()

		switch {
		case err == nil:
			p.run(job)
			if p.queue.Len() == 0 && p.retireIfSurplus() {
				return
			}
		case errors.Is(err, context.DeadlineExceeded):
			if p.retireIfIdle() {
				return
			}
		default:
			// Closed and drained.
			return
		}
	}
}

func (p *Pool) run(job Job) {
	p.mu.Lock()
	p.busy++
	p.mu.Unlock()

	var pc panics.Catcher
	pc.Try(job)
	if r := pc.Recovered(); r != nil {
		p.panicked.Add(1)
		p.logger.Error("pool_job_panicked",
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)),
		)
	}
	p.completed.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	u := float64(p.busy) / float64(p.size)
	p.busy--
	p.observeLocked(u)
}

// observeLocked folds one utilization sample into the smoothed estimate and
// retunes the target every BalanceAfter samples.
func (p *Pool) observeLocked(u float64) {
	w := p.cfg.SmoothingWeight
	p.smoothed = w*u + (1-w)*p.smoothed
	p.window++
	if p.window < p.cfg.BalanceAfter {
		return
	}
	p.window = 0

	next := nextSize(p.size, p.smoothed, p.cfg)
	if next != p.target {
		p.logger.Debug("pool_rebalanced",
			slog.Int("size", p.size),
			slog.Int("target", next),
			slog.Float64("utilization", p.smoothed),
		)
	}
	p.target = next
	if p.target > p.size && !p.closed.Load() {
		p.spawnLocked(p.target - p.size)
	}
}

// retireIfSurplus retires a worker that just finished a job while the pool
// is above its target.
func (p *Pool) retireIfSurplus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	if p.size > p.target && p.size > p.cfg.Core {
		p.size--
		return true
	}
	return false
}

// retireIfIdle retires a worker that saw no work for IdleTimeout, down to
// Core, and lowers the target with it.
func (p *Pool) retireIfIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() || p.size <= p.cfg.Core {
		return false
	}
	p.size--
	if p.target > p.size {
		p.target = p.size
	}
	return true
}

// nextSize returns the worker count that would bring smoothed utilization to
// the target, clamped to [Core, Max].
func nextSize(size int, smoothed float64, cfg Config) int {
	if size < 1 {
		size = 1
	}
	if math.IsNaN(smoothed) || smoothed < 0 {
		smoothed = 0
	}
	want := math.Ceil(float64(size) * smoothed / cfg.TargetUtilization)
	if math.IsInf(want, 0) || want > float64(cfg.Max) {
		return cfg.Max
	}
	return max(cfg.Core, min(cfg.Max, int(want)))
}
