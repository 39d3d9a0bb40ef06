package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

func TestSetMembership(t *testing.T) {
	s := SetOf(defs.SIGINT, defs.SIGTERM)
	require.True(t, s.Has(defs.SIGINT))
	require.False(t, s.Has(defs.SIGKILL))
	s = s.Without(defs.SIGINT)
	require.False(t, s.Has(defs.SIGINT))
}

func TestNextDeliverablePicksLowestNumbered(t *testing.T) {
	q := NewQueue()
	q.Send(Info{Signo: defs.SIGTERM}, 5)
	q.Send(Info{Signo: defs.SIGINT}, 5)

	info, ok := q.NextDeliverable(5, 0)
	require.True(t, ok)
	require.Equal(t, defs.SIGINT, info.Signo)

	info, ok = q.NextDeliverable(5, 0)
	require.True(t, ok)
	require.Equal(t, defs.SIGTERM, info.Signo)

	_, ok = q.NextDeliverable(5, 0)
	require.False(t, ok)
}

func TestNextDeliverableRespectsMaskAndTarget(t *testing.T) {
	q := NewQueue()
	q.Send(Info{Signo: defs.SIGUSR1}, 1)
	q.Send(Info{Signo: defs.SIGUSR2}, AnyThread)

	_, ok := q.NextDeliverable(2, 0)
	require.True(t, ok, "AnyThread-targeted signal deliverable to any tid")

	mask := SetOf(defs.SIGUSR1)
	_, ok = q.NextDeliverable(1, mask)
	require.False(t, ok, "masked signal not deliverable")
}

func TestDispositionsRejectKillAndStopOverride(t *testing.T) {
	d := NewDispositions()
	require.Equal(t, -defs.EINVAL, d.Set(defs.SIGKILL, Disposition{Kind: Ignore}))
	require.Equal(t, -defs.EINVAL, d.Set(defs.SIGSTOP, Disposition{Kind: Ignore}))
	require.Equal(t, defs.Err_t(0), d.Set(defs.SIGUSR1, Disposition{Kind: Handler, HandlerIP: 0x1000}))
	require.Equal(t, Handler, d.Get(defs.SIGUSR1).Kind)
}

func TestResetOnExecClearsHandlersOnly(t *testing.T) {
	d := NewDispositions()
	d.Set(defs.SIGUSR1, Disposition{Kind: Handler, HandlerIP: 0x1000})
	d.Set(defs.SIGUSR2, Disposition{Kind: Ignore})

	d.ResetOnExec()

	require.Equal(t, Default, d.Get(defs.SIGUSR1).Kind)
	require.Equal(t, Ignore, d.Get(defs.SIGUSR2).Kind, "Ignore survives exec")
}

func TestConsumeIgnoresMaskButRequiresSet(t *testing.T) {
	q := NewQueue()
	q.Send(Info{Signo: defs.SIGUSR1}, 3)

	_, ok := q.Consume(3, SetOf(defs.SIGUSR2))
	require.False(t, ok)

	info, ok := q.Consume(3, SetOf(defs.SIGUSR1))
	require.True(t, ok)
	require.Equal(t, defs.SIGUSR1, info.Signo)
}

func TestIsFatalByDefault(t *testing.T) {
	require.True(t, IsFatalByDefault(defs.SIGSEGV))
	require.False(t, IsFatalByDefault(defs.SIGCHLD))
}
