package memset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/mem"
	"nucleus/memhandler"
	"nucleus/swap"
)

func newTestSet(t *testing.T) (*MemorySet, *mem.Allocator) {
	t.Helper()
	alloc := mem.NewAllocator([]mem.Range{{Start: 0, End: mem.Pa_t(4096 * 256)}})
	backing := mem.NewFlatBacking()
	return New(alloc, backing), alloc
}

func TestPushRejectsOverlap(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x3000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	require.Panics(t, func() {
		ms.Push(0x2000, 0x4000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	})
}

func TestFindAreaAndPageFault(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x3000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	a, ok := ms.FindArea(0x1500)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), a.Start)

	_, ok = ms.FindArea(0x5000)
	require.False(t, ok)

	require.True(t, ms.PageFaultHandler(0x1500, true))
	e, ok := ms.Table().GetEntry(0x1000)
	require.True(t, ok)
	require.True(t, e.Present())
}

func TestPageFaultDeniesWriteToReadonlyArea(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x2000, &memhandler.Delay{}, memhandler.Attr{Writable: false})
	require.Equal(t, 0, int(err))
	require.False(t, ms.PageFaultHandler(0x1000, true))
}

func TestFindFreeArea(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x2000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))
	_, err = ms.Push(0x4000, 0x5000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	start, ok := ms.FindFreeArea(0x0, 0x10000, 0x1000)
	require.True(t, ok)
	require.Equal(t, uintptr(0), start)

	start, ok = ms.FindFreeArea(0x1000, 0x10000, 0x2000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x2000), start)
}

func TestPopUnmapsAndRemoves(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x2000, &memhandler.ByFrame{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	_, ok := ms.Table().GetEntry(0x1000)
	require.True(t, ok)

	require.True(t, ms.Pop(0x1000))
	_, ok = ms.FindArea(0x1000)
	require.False(t, ok)

	_, ok = ms.Table().GetEntry(0x1000)
	require.False(t, ok)

	require.False(t, ms.Pop(0x1000))
}

func TestPopWithSplitMiddleHole(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x5000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	require.True(t, ms.PopWithSplit(0x2000, 0x3000))

	areas := ms.Areas()
	require.Len(t, areas, 2)
	require.Equal(t, uintptr(0x1000), areas[0].Start)
	require.Equal(t, uintptr(0x2000), areas[0].End)
	require.Equal(t, uintptr(0x3000), areas[1].Start)
	require.Equal(t, uintptr(0x5000), areas[1].End)
}

func TestPopWithSplitShrinkFromFront(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x4000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	require.True(t, ms.PopWithSplit(0x1000, 0x2000))
	areas := ms.Areas()
	require.Len(t, areas, 1)
	require.Equal(t, uintptr(0x2000), areas[0].Start)
}

// TestCloneInstallsCOWSharedByFramePages mirrors cow_test.go's two-writer
// sequence through the fork path itself: Clone must not copy at fork time
// (the page is merely shared), the first of the two writers to fault must
// copy away, and the sole writer left afterward must promote in place.
func TestCloneInstallsCOWSharedByFramePages(t *testing.T) {
	ms, alloc := newTestSet(t)
	_, err := ms.Push(0x1000, 0x2000, &memhandler.ByFrame{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	orig, ok := ms.Table().GetEntry(0x1000)
	require.True(t, ok)
	origFrame := orig.Target()

	free := alloc.Free()
	clone := ms.Clone()
	require.Equal(t, free, alloc.Free(), "fork must not copy eagerly")

	srcE, ok := ms.Table().GetEntry(0x1000)
	require.True(t, ok)
	dstE, ok := clone.Table().GetEntry(0x1000)
	require.True(t, ok)
	require.Equal(t, origFrame, srcE.Target())
	require.Equal(t, origFrame, dstE.Target())
	require.True(t, srcE.WritableShared())
	require.True(t, dstE.WritableShared())

	require.True(t, clone.PageFaultHandler(0x1000, true))
	require.Less(t, alloc.Free(), free, "first write fault must copy")
	dstE2, ok := clone.Table().GetEntry(0x1000)
	require.True(t, ok)
	require.NotEqual(t, origFrame, dstE2.Target())

	afterCopy := alloc.Free()
	require.True(t, ms.PageFaultHandler(0x1000, true))
	require.Equal(t, afterCopy, alloc.Free(), "sole remaining writer must promote, not copy")
	srcE2, ok := ms.Table().GetEntry(0x1000)
	require.True(t, ok)
	require.Equal(t, origFrame, srcE2.Target())
	require.True(t, srcE2.Writable())
	require.False(t, srcE2.WritableShared())
}

// TestCloneDelayPreservesContentAcrossFork guards against the fork path
// silently handing the child a blank frame: the child must see the
// parent's pre-fork write, and a post-fork write in one must not leak into
// the other.
func TestCloneDelayPreservesContentAcrossFork(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x2000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))
	require.True(t, ms.PageFaultHandler(0x1000, true))
	require.True(t, ms.WriteUint64(0x1000, 0xdeadbeef))

	clone := ms.Clone()
	v, ok := clone.ReadUint64(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), v)

	require.True(t, clone.WriteUint64(0x1000, 0x1234))
	pv, ok := ms.ReadUint64(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), pv)
}

func TestTeardownFreesAllAreas(t *testing.T) {
	ms, _ := newTestSet(t)
	_, err := ms.Push(0x1000, 0x3000, &memhandler.ByFrame{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	ms.Teardown()
	require.Empty(t, ms.Areas())
}

// TestAnonymousMmapDemandFaultThenUnmap runs mmap's full lifecycle: an
// anonymous private area demand-faults to a zeroed page on first touch, a
// write to it succeeds, munmap removes the area, and a subsequent access
// at the same address no longer resolves (the caller's SIGSEGV case).
func TestAnonymousMmapDemandFaultThenUnmap(t *testing.T) {
	ms, _ := newTestSet(t)
	const page = uintptr(0x30000)

	_, err := ms.Push(page, page+0x1000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	v, ok := ms.ReadUint32(page)
	require.False(t, ok, "page is not yet mapped before the first fault")

	require.True(t, ms.PageFaultHandler(page, false))
	v, ok = ms.ReadUint32(page)
	require.True(t, ok)
	require.Equal(t, uint32(0), v, "demand-faulted anonymous memory reads zero")

	require.True(t, ms.WriteUint32(page, 42))
	v, ok = ms.ReadUint32(page)
	require.True(t, ok)
	require.Equal(t, uint32(42), v)

	require.True(t, ms.Pop(page))
	_, ok = ms.FindArea(page)
	require.False(t, ok, "unmapped area no longer resolves a fault")
	require.False(t, ms.PageFaultHandler(page, false), "access past munmap is the caller's SIGSEGV case")
}

// TestPageFaultHandlerSwapsInEvictedPage drives a page through a full
// evict/fault-back-in cycle entirely through the public fault-handling
// entry point: PageFaultHandler must recognize the swapped bit and restore
// the page's pre-eviction content instead of treating it as a fresh page.
func TestPageFaultHandlerSwapsInEvictedPage(t *testing.T) {
	ms, alloc := newTestSet(t)
	ms.EnableSwap(swap.NewMemStore(), nil)

	const page = uintptr(0x40000)
	_, err := ms.Push(page, page+0x1000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	require.True(t, ms.PageFaultHandler(page, true))
	require.True(t, ms.WriteUint32(page, 0xcafe))

	victim, ok := ms.swap.Pop(ms.swapper, ms.backing, alloc)
	require.True(t, ok)
	require.Equal(t, page, victim)

	e, ok := ms.Table().GetEntry(page)
	require.True(t, ok)
	require.True(t, e.Swapped())
	require.False(t, e.Present())

	require.True(t, ms.PageFaultHandler(page, false))
	v, ok := ms.ReadUint32(page)
	require.True(t, ok)
	require.Equal(t, uint32(0xcafe), v, "swapped-in page keeps its pre-eviction content")
}

// TestPageFaultHandlerReclaimsViaSwapOnAllocatorExhaustion runs two demand-
// paged areas through a one-frame arena: faulting in the second must evict
// the first through the swap manager rather than failing outright, and the
// first must swap back in correctly on its next touch.
func TestPageFaultHandlerReclaimsViaSwapOnAllocatorExhaustion(t *testing.T) {
	alloc := mem.NewAllocator([]mem.Range{{Start: 0, End: mem.Pa_t(4096)}})
	backing := mem.NewFlatBacking()
	ms := New(alloc, backing)
	ms.EnableSwap(swap.NewMemStore(), nil)

	const pageA, pageB = uintptr(0x10000), uintptr(0x20000)
	_, err := ms.Push(pageA, pageA+0x1000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))
	_, err = ms.Push(pageB, pageB+0x1000, &memhandler.Delay{}, memhandler.Attr{Writable: true})
	require.Equal(t, 0, int(err))

	require.True(t, ms.PageFaultHandler(pageA, true))
	require.True(t, ms.WriteUint32(pageA, 7))

	require.True(t, ms.PageFaultHandler(pageB, true), "the sole frame is reclaimed from pageA via swap eviction")

	eA, ok := ms.Table().GetEntry(pageA)
	require.True(t, ok)
	require.True(t, eA.Swapped(), "pageA was evicted to make room for pageB")

	require.True(t, ms.PageFaultHandler(pageA, false), "pageA swaps back in, evicting pageB in turn")
	v, ok := ms.ReadUint32(pageA)
	require.True(t, ok)
	require.Equal(t, uint32(7), v)
}
