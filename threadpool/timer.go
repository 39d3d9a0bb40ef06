package threadpool

import "nucleus/defs"

// timerEvent is one pending wakeup. rotation counts how many additional
// full trips around the wheel the event must wait before it fires, for
// delays longer than the wheel's bucket count.
type timerEvent struct {
	tid      defs.Tid_t
	rotation int
}

// timerWheel is a single-level timer wheel: delay d is placed in bucket
// (current+d)%len(buckets) with rotation = (d-1)/len(buckets).
type timerWheel struct {
	buckets [][]timerEvent
	current int
}

func newTimerWheel(size int) *timerWheel {
	if size <= 0 {
		panic("bad timer wheel size")
	}
	return &timerWheel{buckets: make([][]timerEvent, size)}
}

// start schedules tid to wake after delay ticks (delay <= 0 fires next
// tick).
func (w *timerWheel) start(delay int, tid defs.Tid_t) {
	if delay <= 0 {
		delay = 1
	}
	n := len(w.buckets)
	bucket := (w.current + delay) % n
	rotation := (delay - 1) / n
	w.buckets[bucket] = append(w.buckets[bucket], timerEvent{tid: tid, rotation: rotation})
}

// stop cancels any pending wakeup for tid (thread exited or was woken
// early by something other than the timer).
func (w *timerWheel) stop(tid defs.Tid_t) {
	for i, bucket := range w.buckets {
		for j, e := range bucket {
			if e.tid == tid {
				w.buckets[i] = append(bucket[:j], bucket[j+1:]...)
				return
			}
		}
	}
}

// tick advances the wheel by one position and processes the bucket it lands
// on, returning the tids whose wakeups fire this tick (rotation counted
// down to zero). Advancing before processing means a wakeup scheduled with
// delay d fires on exactly the d-th subsequent call to tick.
func (w *timerWheel) tick() []defs.Tid_t {
	w.current = (w.current + 1) % len(w.buckets)
	bucket := w.buckets[w.current]
	var fired []defs.Tid_t
	kept := bucket[:0]
	for _, e := range bucket {
		if e.rotation == 0 {
			fired = append(fired, e.tid)
		} else {
			e.rotation--
			kept = append(kept, e)
		}
	}
	w.buckets[w.current] = kept
	return fired
}
