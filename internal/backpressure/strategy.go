// Package backpressure decides when the intake loop may claim more work,
// based on memory pressure and on how many claimed tasks are still waiting
// for a pool worker.
package backpressure

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Decision is the outcome of one Decide call.
type Decision int

const (
	// Proceed means the caller may claim another task now.
	Proceed Decision = iota
	// PauseMemory means memory use crossed the trigger.
	PauseMemory
	// PauseBuffered means enough claimed tasks are already waiting.
	PauseBuffered
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case PauseMemory:
		return "pause_memory"
	case PauseBuffered:
		return "pause_buffered"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Config holds the queueing parameters. It is not modified after
// NewHeapStrategy.
type Config struct {
	// Trigger is the fraction of memory capacity at which intake pauses.
	Trigger float64
	// MaxDelay caps the pause after repeated memory pressure.
	MaxDelay time.Duration
	// Hint is the soft limit on claimed tasks not yet started.
	Hint int
	// BaseDelay is the first memory pause; it doubles per consecutive pause.
	BaseDelay time.Duration
}

// DefaultConfig matches the configuration defaults.
var DefaultConfig = Config{
	Trigger:   0.75,
	MaxDelay:  5 * time.Second,
	Hint:      16,
	BaseDelay: 50 * time.Millisecond,
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Trigger <= 0 || c.Trigger > 1:
		return fmt.Errorf("queueing trigger must be in (0,1], got %v", c.Trigger)
	case c.MaxDelay <= 0:
		return fmt.Errorf("queueing max delay must be positive, got %v", c.MaxDelay)
	case c.Hint < 1:
		return fmt.Errorf("queueing hint must be at least 1, got %d", c.Hint)
	case c.BaseDelay < 0:
		return fmt.Errorf("queueing base delay must not be negative, got %v", c.BaseDelay)
	}
	return nil
}

// HeapStrategy throttles intake on memory pressure with an exponentially
// growing delay and keeps the number of buffered tasks near Hint.
//
// Buffered counts tasks between OnClaimed and OnDispatched. The bound is
// soft: concurrent claimers may overshoot it briefly.
type HeapStrategy struct {
	cfg     Config
	sampler Sampler
	logger  *slog.Logger

	buffered atomic.Int64
	released chan struct{}

	mu     sync.Mutex
	streak int
	delay  time.Duration
	last   Decision
}

// NewHeapStrategy validates cfg and returns a strategy reading sampler.
func NewHeapStrategy(cfg Config, sampler Sampler, logger *slog.Logger) (*HeapStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("backpressure: sampler is required")
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.BaseDelay > cfg.MaxDelay {
		cfg.BaseDelay = cfg.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeapStrategy{
		cfg:      cfg,
		sampler:  sampler,
		logger:   logger,
		released: make(chan struct{}, 1),
	}, nil
}

// Config returns the strategy's configuration.
func (s *HeapStrategy) Config() Config { return s.cfg }

// Decide samples memory and reports whether the caller may claim now. After
// a pause the caller should wait DelayHint and call Decide again.
func (s *HeapStrategy) Decide() Decision {
	sample, err := s.sampler.Sample()
	if err != nil {
		// No reading means no evidence of pressure.
		s.logger.Debug("memory_sample_failed", slog.Any("error", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil && sample.Utilization() >= s.cfg.Trigger:
		s.streak++
		s.delay = s.memoryDelay(s.streak)
		if s.last != PauseMemory {
			s.logger.Info("intake_paused_memory",
				slog.Float64("utilization", sample.Utilization()),
				slog.Float64("trigger", s.cfg.Trigger),
			)
		}
		s.last = PauseMemory

	case s.buffered.Load() >= int64(s.cfg.Hint):
		s.streak = 0
		s.delay = s.cfg.BaseDelay
		s.last = PauseBuffered

	default:
		if s.last == PauseMemory {
			s.logger.Info("intake_resumed", slog.Float64("utilization", sample.Utilization()))
		}
		s.streak = 0
		s.delay = 0
		s.last = Proceed
	}
	return s.last
}

// memoryDelay returns BaseDelay doubled per consecutive pause, capped at
// MaxDelay.
func (s *HeapStrategy) memoryDelay(streak int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 1; i < streak; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay || d <= 0 {
			return s.cfg.MaxDelay
		}
	}
	return min(d, s.cfg.MaxDelay)
}

// ShouldPause is Decide reduced to a boolean.
func (s *HeapStrategy) ShouldPause() bool {
	return s.Decide() != Proceed
}

// DelayHint returns how long to wait after the last pausing decision.
func (s *HeapStrategy) DelayHint() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// OnClaimed records a task claimed but not yet started.
func (s *HeapStrategy) OnClaimed() {
	s.buffered.Add(1)
}

// OnDispatched records that a claimed task reached a pool worker.
func (s *HeapStrategy) OnDispatched() {
	if s.buffered.Add(-1) < 0 {
		s.buffered.Store(0)
	}
	select {
	case s.released <- struct{}{}:
	default:
	}
}

// Released is signalled after OnDispatched, so a caller paused on
// PauseBuffered can resume before DelayHint elapses.
func (s *HeapStrategy) Released() <-chan struct{} {
	return s.released
}

// Buffered returns the number of claimed tasks not yet started.
func (s *HeapStrategy) Buffered() int {
	return int(s.buffered.Load())
}
