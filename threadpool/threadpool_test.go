package threadpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
	"nucleus/scheduler"
	"nucleus/stats"
)

type fakeCtx struct {
	tid defs.Tid_t
}

func (f *fakeCtx) SetTid(tid defs.Tid_t) { f.tid = tid }

func TestAddRunStopCycle(t *testing.T) {
	st := stats.NewRegistry()
	p := New(scheduler.NewRoundRobin(3), 4, st)

	tid, err := p.Add(&fakeCtx{})
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Tid_t(1), tid)
	require.Equal(t, StatusReady, p.Status(tid).Kind)

	runTid, ctx, ok := p.Run(0)
	require.True(t, ok)
	require.Equal(t, tid, runTid)
	require.Equal(t, StatusRunning, p.Status(tid).Kind)
	require.NotNil(t, ctx)

	p.Stop(tid, ctx)
	require.Equal(t, StatusReady, p.Status(tid).Kind)
}

func TestRunRemovesFromScheduler(t *testing.T) {
	p := New(scheduler.NewRoundRobin(3), 4, nil)
	a, _ := p.Add(&fakeCtx{})
	b, _ := p.Add(&fakeCtx{})

	first, _, ok := p.Run(0)
	require.True(t, ok)
	require.Equal(t, a, first)

	second, _, ok := p.Run(1)
	require.True(t, ok)
	require.Equal(t, b, second, "a already-running thread must not be selected twice")
}

func TestPoolFullReturnsEagain(t *testing.T) {
	p := New(scheduler.NewRoundRobin(1), 1, nil)
	_, err := p.Add(&fakeCtx{})
	require.Equal(t, defs.Err_t(0), err)

	_, err = p.Add(&fakeCtx{})
	require.Equal(t, -defs.EAGAIN, err)
}

func TestExitWakesWaiter(t *testing.T) {
	p := New(scheduler.NewRoundRobin(3), 4, nil)
	parent, _ := p.Add(&fakeCtx{})
	child, _ := p.Add(&fakeCtx{})

	_, parentCtx, ok := p.Run(0)
	require.True(t, ok)
	_, childCtx, ok := p.Run(1)
	require.True(t, ok)

	p.Wait(parent, child)
	p.Stop(parent, parentCtx)
	require.Equal(t, StatusSleeping, p.Status(parent).Kind)

	p.Exit(child, 7)
	p.Stop(child, childCtx)

	require.Equal(t, StatusReady, p.Status(parent).Kind)

	code, ok := p.TryRemove(child)
	require.True(t, ok)
	require.Equal(t, 7, code)
}

func TestSleepWakesAfterTimerTicks(t *testing.T) {
	p := New(scheduler.NewRoundRobin(3), 2, nil)
	tid, _ := p.Add(&fakeCtx{})
	_, ctx, _ := p.Run(0)

	p.Sleep(tid, 3)
	p.Stop(tid, ctx)
	require.Equal(t, StatusSleeping, p.Status(tid).Kind)

	for i := 0; i < 2; i++ {
		p.Tick(0, 0, false)
		require.Equal(t, StatusSleeping, p.Status(tid).Kind)
	}
	p.Tick(0, 0, false)
	require.Equal(t, StatusReady, p.Status(tid).Kind)
}

func TestTickForwardsToSchedulerForPreemption(t *testing.T) {
	p := New(scheduler.NewRoundRobin(2), 2, nil)
	tid, _ := p.Add(&fakeCtx{})
	_, _, _ = p.Run(0)

	require.False(t, p.Tick(0, tid, true))
	require.True(t, p.Tick(0, tid, true))
}

// TestRoundRobinSchedulesThreeThreadsFairlyOverNineTicks creates three
// equal-priority, CPU-bound threads with a one-tick time slice and drives
// nine full run/tick/preempt cycles, expecting the exact A B C A B C A B C
// rotation.
func TestRoundRobinSchedulesThreeThreadsFairlyOverNineTicks(t *testing.T) {
	p := New(scheduler.NewRoundRobin(1), 4, nil)
	a, _ := p.Add(&fakeCtx{})
	b, _ := p.Add(&fakeCtx{})
	c, _ := p.Add(&fakeCtx{})

	var seq []defs.Tid_t
	for i := 0; i < 9; i++ {
		tid, ctx, ok := p.Run(0)
		require.True(t, ok)
		seq = append(seq, tid)
		require.True(t, p.Tick(0, tid, true))
		p.Stop(tid, ctx)
	}

	require.Equal(t, []defs.Tid_t{a, b, c, a, b, c, a, b, c}, seq)
}
