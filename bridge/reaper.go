package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultIdleTimeout is how long a session may go without traffic.
	DefaultIdleTimeout = 900 * time.Second
	// ClientReapInterval is the client daemon's reaper period.
	ClientReapInterval = 30 * time.Second
	// ServerReapInterval is the server daemon's reaper period.
	ServerReapInterval = 60 * time.Second

	minReapInterval = 100 * time.Millisecond
)

// IdleReaper periodically evicts sessions idle longer than a timeout.
type IdleReaper struct {
	core     *sessionCore
	interval time.Duration
	timeout  time.Duration
}

func newIdleReaper(core *sessionCore, interval, timeout time.Duration) *IdleReaper {
	if interval <= 0 {
		interval = ClientReapInterval
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	// Short timeouts need finer ticks or eviction lags by a whole period.
	if limit := timeout / 5; interval > limit {
		interval = max(limit, minReapInterval)
	}
	return &IdleReaper{core: core, interval: interval, timeout: timeout}
}

// Run sweeps every interval until ctx is done.
func (r *IdleReaper) Run(ctx context.Context) {
	ticker := r.core.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.core.clock.Now())
		}
	}
}

// Sweep evicts every session idle longer than the timeout at now. The
// table lock is only held while collecting keys; teardown happens outside
// it.
func (r *IdleReaper) Sweep(now time.Time) int {
	idle := r.core.table.idleKeys(now, r.timeout)

	evicted := 0
	for _, key := range idle {
		if r.core.closeSession(key, "idle timeout") {
			r.core.stats.sessionsReaped.Add(1)
			evicted++
		}
	}

	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"role":     r.core.role,
			"evicted":  evicted,
			"timeout":  r.timeout.String(),
		}).Info("Reaped idle sessions")
	}
	return evicted
}
