package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/phab-native/internal/check"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func TestWatchdogFirstTickOnlySleeps(t *testing.T) {
	p := quietPool(2)
	defer teardown(p)
	clk := &manualClock{now: time.Unix(1000, 0)}
	wd := newWatchdog(p, 10*time.Millisecond)
	wd.now = clk.Now

	wait, n, err := wd.tick()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, wait)
	assert.Zero(t, n)

	// not due yet
	wait, n, err = wd.tick()
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.Zero(t, n)

	clk.now = clk.now.Add(time.Minute)
	wait, _, err = wd.tick()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, wait, 10*time.Millisecond)
	assert.Less(t, wait, maxWatchdogDelay)
}

func TestWatchdogBaseIsClamped(t *testing.T) {
	p := quietPool(4)
	defer teardown(p)
	wd := newWatchdog(p, time.Hour)
	assert.Less(t, wd.base*time.Duration(2*p.Concurrency()), maxWatchdogDelay)
}

func TestWatchdogForceOnce(t *testing.T) {
	p := quietPool(1)
	defer teardown(p)

	_, err := p.Watchdog().Force()
	require.NoError(t, err)
	_, err = p.Watchdog().Force()
	assert.ErrorIs(t, err, ErrAlreadyForced)
}

func TestWatchdogCollectsHungWorker(t *testing.T) {
	p := quietPool(2, WithHangThreshold(20*time.Millisecond), WithIdleThreshold(0))
	gate := make(chan struct{})
	require.NoError(t, p.PostJob(func() { <-gate }))
	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	n, err := p.Watchdog().Collect()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Reclaimed)
	assert.Equal(t, 2, st.Workers, "hung worker is replaced")

	// the replacement keeps serving jobs
	done := make(chan struct{})
	require.NoError(t, p.PostJob(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job not run after hung worker was abandoned")
	}

	close(gate)
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
}

func TestWatchdogReclaimsIdleWorkersKeepingOne(t *testing.T) {
	p := quietPool(3, WithIdleThreshold(10*time.Millisecond))
	require.Eventually(t, func() bool { return p.Stats().Idle == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	n, err := p.Watchdog().Collect()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Eventually(t, func() bool { return len(p.Workers()) == 1 }, time.Second, time.Millisecond)

	ran := make(chan struct{})
	require.NoError(t, p.PostJob(func() { close(ran) }))
	<-ran
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
}

func TestWatchdogCollectAfterTeardown(t *testing.T) {
	p := quietPool(1)
	teardown(p)
	_, err := p.Watchdog().Collect()
	assert.ErrorIs(t, err, ErrCollectFailed)
}

func TestWatchdogScheduleNeverBlocks(t *testing.T) {
	p := quietPool(1)
	defer teardown(p)
	for i := 0; i < 100; i++ {
		p.Watchdog().Schedule()
	}
}

func TestWatchdogDelayIgnoresWorkersPastConcurrency(t *testing.T) {
	p := quietPool(1, WithIdleThreshold(0))
	defer teardown(p)
	wd := p.Watchdog()

	// detached worker plus a drainer spawned next to it
	p.Workers()[0].Detach(p.closing.Load)
	p.mu.Lock()
	p.pickDrainerLocked()
	p.mu.Unlock()
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Workers == 2 && st.Idle == 2
	}, time.Second, time.Millisecond)

	assert.Less(t, wd.delay(p.Stats()), maxWatchdogDelay)
	assert.Less(t, wd.delay(PoolStats{Workers: 50, Idle: 50}), maxWatchdogDelay)
	assert.Nil(t, check.Catch(func() {
		wd.tick()
		wd.tick()
	}))
}
