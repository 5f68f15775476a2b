// Package heartbeat periodically reports that a worker process is alive.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/petrijr/taskworker/pkg/api"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 30 * time.Second

// Config configures a Heartbeater.
type Config struct {
	Interval time.Duration
	// Hostname overrides os.Hostname.
	Hostname string
	Logger   *slog.Logger
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// Heartbeater emits a WorkerHeartbeat on start and then once per interval.
type Heartbeater struct {
	logs     api.LogService
	ids      api.WorkerIDService
	interval time.Duration
	hostname string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Heartbeater reporting through logs under the id from ids.
func New(logs api.LogService, ids api.WorkerIDService, cfg Config) *Heartbeater {
	h := &Heartbeater{
		logs:     logs,
		ids:      ids,
		interval: cfg.Interval,
		hostname: cfg.Hostname,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if h.interval <= 0 {
		h.interval = DefaultInterval
	}
	if h.hostname == "" {
		h.hostname, _ = os.Hostname()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Interval returns the effective beat interval.
func (h *Heartbeater) Interval() time.Duration { return h.interval }

// Run beats until ctx is done. Failed or panicking beats are logged and
// skipped.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	hb := api.WorkerHeartbeat{
		WorkerID:  h.ids.WorkerID(),
		Hostname:  h.hostname,
		Timestamp: h.now(),
	}
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = h.logs.WorkerHeartbeat(ctx, hb) })
	if r := pc.Recovered(); r != nil {
		h.logger.ErrorContext(ctx, "heartbeat_panicked",
			slog.String("worker_id", hb.WorkerID),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)),
		)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.WarnContext(ctx, "heartbeat_failed",
			slog.String("worker_id", hb.WorkerID),
			slog.Any("error", err),
		)
	}
}
