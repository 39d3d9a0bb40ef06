package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/defs"
)

func TestRoundRobinFairRotation(t *testing.T) {
	rr := NewRoundRobin(2)
	rr.Insert(1)
	rr.Insert(2)
	rr.Insert(3)

	head, ok := rr.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(1), head)

	require.False(t, rr.Tick(1))
	require.True(t, rr.Tick(1))

	rr.Remove(1)
	rr.Insert(1)
	head, ok = rr.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(2), head)
}

func TestRoundRobinMoveToHead(t *testing.T) {
	rr := NewRoundRobin(5)
	rr.Insert(1)
	rr.Insert(2)
	rr.Insert(3)

	rr.MoveToHead(3)
	head, ok := rr.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(3), head)
}

func TestRoundRobinEmptySelect(t *testing.T) {
	rr := NewRoundRobin(1)
	_, ok := rr.Select()
	require.False(t, ok)
}

func TestStrideLowerStrideRunsFirst(t *testing.T) {
	s := NewStride()
	s.Insert(1)
	s.Insert(2)
	s.SetPriority(1, 1)
	s.SetPriority(2, 4)

	first, ok := s.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(1), first)

	// tid 1's stride jumped by BigStride/1; tid 2 (stride 0 still) should
	// now be smallest and run next.
	second, ok := s.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(2), second)
}

func TestStrideRemoveRebuildsHeap(t *testing.T) {
	s := NewStride()
	s.Insert(1)
	s.Insert(2)
	s.Remove(1)

	tid, ok := s.Select()
	require.True(t, ok)
	require.Equal(t, defs.Tid_t(2), tid)

	s.Remove(2)
	_, ok = s.Select()
	require.False(t, ok)
}
