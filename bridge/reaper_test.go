package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperEvictsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	core := newSessionCore("test", clock)
	reaper := newIdleReaper(core, ClientReapInterval, DefaultIdleTimeout)

	idleCircuit := newFakeCircuit(CircuitActive)
	idleLocal := &closeCounter{}
	require.True(t, core.register("idle", idleLocal, idleCircuit))

	clock.Advance(DefaultIdleTimeout - time.Minute)
	busyCircuit := newFakeCircuit(CircuitActive)
	require.True(t, core.register("busy", &closeCounter{}, busyCircuit))

	assert.Equal(t, 0, reaper.Sweep(clock.Now()), "nothing idle yet")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, reaper.Sweep(clock.Now()))

	assert.Equal(t, CircuitClosed, idleCircuit.Status())
	assert.Equal(t, int32(1), idleLocal.n.Load())
	assert.Equal(t, CircuitActive, busyCircuit.Status())
	_, ok := core.table.get("idle")
	assert.False(t, ok, "evicted record is gone")

	assert.Equal(t, 0, reaper.Sweep(clock.Now()), "evicted record never revisited")
	assert.Equal(t, uint64(1), core.stats.Snapshot().SessionsReaped)
}

func TestReaperActivityPostponesEviction(t *testing.T) {
	clock := newFakeClock()
	core := newSessionCore("test", clock)
	reaper := newIdleReaper(core, ServerReapInterval, 10*time.Minute)

	require.True(t, core.register("s", &closeCounter{}, newFakeCircuit(CircuitActive)))
	clock.Advance(9 * time.Minute)
	core.activity("s")
	clock.Advance(9 * time.Minute)

	assert.Equal(t, 0, reaper.Sweep(clock.Now()))
}

func TestReaperIntervalFollowsShortTimeouts(t *testing.T) {
	core := newSessionCore("test", nil)

	assert.Equal(t, ServerReapInterval, newIdleReaper(core, ServerReapInterval, DefaultIdleTimeout).interval)
	assert.Equal(t, time.Second, newIdleReaper(core, ServerReapInterval, 5*time.Second).interval)
	assert.Equal(t, minReapInterval, newIdleReaper(core, ServerReapInterval, 100*time.Millisecond).interval)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	core := newSessionCore("test", nil)
	reaper := newIdleReaper(core, 10*time.Millisecond, 20*time.Millisecond)

	circuit := newFakeCircuit(CircuitActive)
	require.True(t, core.register("s", &closeCounter{}, circuit))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return circuit.Status() == CircuitClosed }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
