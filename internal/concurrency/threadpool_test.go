package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/internal/check"
)

// quietPool returns a pool whose watchdog never collects on its own during a test.
func quietPool(concurrency int, opts ...PoolOption) *ThreadPool {
	return NewThreadPool(concurrency, append([]PoolOption{WithWatchdogBase(time.Hour)}, opts...)...)
}

// teardown stops a pool without going through Shutdown.
func teardown(p *ThreadPool) {
	p.watchdog.stop()
	p.close()
}

func TestThreadPoolDefaults(t *testing.T) {
	p := quietPool(0)
	defer teardown(p)
	assert.Greater(t, p.Concurrency(), 0)
	assert.Equal(t, p.Concurrency(), p.Stats().Workers)
}

func TestPostJobExactlyOnce(t *testing.T) {
	const producers, perProducer = 8, 500
	p := NewThreadPool(4)
	counts := make([]atomic.Int32, producers*perProducer)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				idx := base + j
				require.NoError(t, p.PostJob(func() { counts[idx].Inc() }))
			}
		}(i * perProducer)
	}
	wg.Wait()

	require.NoError(t, p.Shutdown(nil, 5*time.Second))
	for i := range counts {
		require.Equal(t, int32(1), counts[i].Load(), "job %d", i)
	}
	assert.False(t, p.HasTasks())
}

func TestFourWorkersHundredJobs(t *testing.T) {
	p := NewThreadPool(4)
	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		require.NoError(t, p.PostJob(func() {
			time.Sleep(time.Millisecond)
			ran.Inc()
		}))
	}
	err := p.Shutdown(func() bool { return !p.HasTasks() }, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ran.Load())
	assert.False(t, p.HasTasks())
	assert.Equal(t, int64(100), p.Stats().Completed)
}

func TestSequencedJobsRunInOrder(t *testing.T) {
	p := NewThreadPool(4)
	s := p.NewSequence()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	seqJob := func(n int) func() {
		return func() {
			if !running.CompareAndSwap(0, 1) {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			running.Store(0)
		}
	}
	for n := 1; n <= 3; n++ {
		require.NoError(t, s.Post(seqJob(n), 0))
		for i := 0; i < 10; i++ {
			require.NoError(t, p.PostJob(func() { time.Sleep(time.Millisecond) }))
		}
	}

	require.NoError(t, p.Shutdown(nil, 5*time.Second))
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.False(t, overlap.Load(), "sequenced jobs overlapped")
}

func TestIndependentSequences(t *testing.T) {
	p := NewThreadPool(2)
	var a, b []int
	sa, sb := p.NewSequence(), p.NewSequence()
	for i := 0; i < 20; i++ {
		n := i
		require.NoError(t, sa.Post(func() { a = append(a, n) }, 0))
		require.NoError(t, sb.Post(func() { b = append(b, n) }, 0))
	}
	require.NoError(t, p.PostSequencedJob(func() {}, time.Second))
	require.NoError(t, p.Shutdown(nil, 5*time.Second))

	require.Len(t, a, 20)
	require.Len(t, b, 20)
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, a[i])
		assert.Equal(t, i, b[i])
	}
}

func TestSequenceHeadsGoToFirstFreeWorker(t *testing.T) {
	p := quietPool(2, WithIdleThreshold(0))
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	for _, g := range gates {
		g := g
		require.NoError(t, p.PostJob(func() { <-g }))
	}
	require.Eventually(t, func() bool { return p.Stats().InFlight == 2 }, time.Second, time.Millisecond)

	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.NewSequence().Post(func() { ran.Inc() }, 0))
	}
	assert.Equal(t, 2, p.Stats().Ready)

	// one worker frees up; it runs both streams while the other stays busy
	close(gates[0])
	require.Eventually(t, func() bool { return ran.Load() == 2 }, 500*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	close(gates[1])
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
}

func TestSequencedJobSurvivesHungWorker(t *testing.T) {
	p := quietPool(1, WithHangThreshold(20*time.Millisecond), WithIdleThreshold(0))
	gate := make(chan struct{})
	require.NoError(t, p.PostJob(func() { <-gate }))
	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	var ran atomic.Bool
	require.NoError(t, p.PostSequencedJob(func() { ran.Store(true) }, 0))
	time.Sleep(40 * time.Millisecond)

	n, err := p.Watchdog().Collect()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, ran.Load, 500*time.Millisecond, time.Millisecond,
		"sequenced job stuck behind the abandoned worker: %+v", p.Stats())

	close(gate)
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
}

func TestSequenceContinuesAfterHungWorkerFinishes(t *testing.T) {
	p := quietPool(1, WithHangThreshold(20*time.Millisecond), WithIdleThreshold(0))
	s := p.NewSequence()
	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	require.NoError(t, s.Post(func() { <-gate; record(1)() }, 0))
	require.NoError(t, s.Post(record(2), 0))
	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	n, err := p.Watchdog().Collect()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len(), "next job waits for the running one")

	// the stream's next job moves to the replacement once the hung job returns
	close(gate)
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
	assert.Equal(t, []int{1, 2}, order)
}

func TestLateSequencedJobStillRuns(t *testing.T) {
	mr := control.NewMetricsRegistry()
	p := quietPool(1, WithPoolMetrics(mr))
	gate := make(chan struct{})
	require.NoError(t, p.PostJob(func() { <-gate }))
	require.Eventually(t, func() bool { return p.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	var ran atomic.Bool
	require.NoError(t, p.PostSequencedJob(func() { ran.Store(true) }, time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, p.Shutdown(nil, 5*time.Second))
	assert.True(t, ran.Load())
	assert.Equal(t, 1.0, mr.Values()[metricSequencedLate])
}

func TestShutdownReturnsByDeadline(t *testing.T) {
	p := NewThreadPool(2)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, p.PostJob(func() { <-block }))

	start := time.Now()
	err := p.Shutdown(func() bool { return false }, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrShutdownDeadline)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, err.Error(), "1 jobs abandoned")

	assert.ErrorIs(t, p.Shutdown(nil, time.Second), ErrPoolClosed)
	assert.ErrorIs(t, p.PostJob(func() {}), ErrPoolClosed)
	assert.ErrorIs(t, p.PostSequencedJob(func() {}, 0), ErrPoolClosed)
}

func TestPostDuringShutdownRunsOnDrainer(t *testing.T) {
	p := NewThreadPool(2)
	gate := make(chan struct{})
	require.NoError(t, p.PostJob(func() { <-gate }))

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(nil, 5*time.Second) }()

	var ran atomic.Bool
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.shuttingDown
	}, time.Second, time.Millisecond)
	require.NoError(t, p.PostJob(func() { ran.Store(true) }))
	close(gate)

	require.NoError(t, <-done)
	assert.True(t, ran.Load())
}

func TestPostJobRejectsNil(t *testing.T) {
	p := quietPool(1)
	defer teardown(p)
	assert.ErrorIs(t, p.PostJob(nil), api.ErrInvalidArgument)
	assert.ErrorIs(t, p.PostSequencedJob(nil, 0), api.ErrInvalidArgument)
	assert.ErrorIs(t, p.PostShutdownJob(nil), api.ErrInvalidArgument)
}

func TestJobPanicIsRecovered(t *testing.T) {
	mr := control.NewMetricsRegistry()
	p := NewThreadPool(1, WithPoolMetrics(mr))
	var after atomic.Bool
	require.NoError(t, p.PostJob(func() { panic("boom") }))
	require.NoError(t, p.PostJob(func() { after.Store(true) }))
	require.NoError(t, p.Shutdown(nil, 5*time.Second))

	assert.True(t, after.Load())
	assert.Equal(t, 1.0, mr.Values()[metricJobPanics])
}

func TestViolationHandler(t *testing.T) {
	got := make(chan *check.Violation, 1)
	p := NewThreadPool(1, WithViolationHandler(func(v *check.Violation) { got <- v }))
	require.NoError(t, p.PostJob(func() { check.Failf("socket fd %d < 0", -1) }))

	select {
	case v := <-got:
		assert.Equal(t, "socket fd -1 < 0", v.Msg)
	case <-time.After(time.Second):
		t.Fatal("violation not delivered")
	}
	require.NoError(t, p.Shutdown(nil, time.Second))
}

func TestSplitTasks(t *testing.T) {
	p := quietPool(2)
	gate := make(chan struct{})
	var ran atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.PostJob(func() { <-gate; ran.Inc() }))
	}
	require.Eventually(t, func() bool { return p.Stats().InFlight == 2 }, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.PostJob(func() { ran.Inc() }))
	}
	assert.Equal(t, 4, p.Stats().Queued)
	assert.Equal(t, 4, p.SplitTasks())
	assert.Equal(t, 0, p.Stats().Queued)

	close(gate)
	require.NoError(t, p.Shutdown(nil, 5*time.Second))
	assert.Equal(t, int32(6), ran.Load())
}

func TestWorkerDetachChecks(t *testing.T) {
	p := quietPool(1)
	defer teardown(p)
	w := p.Workers()[0]

	assert.NotNil(t, check.Catch(func() { w.Detach(nil) }))
	assert.False(t, w.Detached())

	w.Detach(func() bool { return false })
	assert.True(t, w.Detached())
	assert.NotNil(t, check.Catch(func() { w.Detach(func() bool { return true }) }))
}

func TestWorkerRecordsSleep(t *testing.T) {
	mr := control.NewMetricsRegistry()
	p := quietPool(1, WithPoolMetrics(mr), WithSleepBounds(time.Millisecond, 5*time.Millisecond))
	defer teardown(p)
	require.Eventually(t, func() bool {
		return mr.Values()[metricWorkerSleep] > 2
	}, time.Second, time.Millisecond)
	assert.Greater(t, p.Workers()[0].LastSleep(), time.Duration(0))
}
