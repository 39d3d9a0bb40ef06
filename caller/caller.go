// Package caller provides call-stack diagnostics for the "impossible state"
// panic path used by fatal kernel invariant checks.
package caller

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Dump returns a formatted call stack starting at the given skip depth.
func Dump(skip int) string {
	var b strings.Builder
	i := skip
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if b.Len() == 0 {
			fmt.Fprintf(&b, "%s:%d\n", f, l)
		} else {
			fmt.Fprintf(&b, "\t<-%s:%d\n", f, l)
		}
	}
	return b.String()
}

// Distinct tracks whether a given call chain has already been reported, so
// a noisy invariant check logs its first occurrence only.
type Distinct struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

func (d *Distinct) hash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// First reports whether the caller's chain (as of 3 frames up) has not
// been seen before, recording it if so. Returns "" when already seen or
// when the tracker is disabled.
func (d *Distinct) First() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Enabled {
		return false, ""
	}
	if d.seen == nil {
		d.seen = make(map[uintptr]bool)
	}
	pcs := make([]uintptr, 30)
	got := runtime.Callers(3, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]
	h := d.hash(pcs)
	if d.seen[h] {
		return false, ""
	}
	d.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	for {
		fr, more := frames.Next()
		fmt.Fprintf(&b, "%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, b.String()
}

// Len reports how many distinct call chains have been recorded.
func (d *Distinct) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
