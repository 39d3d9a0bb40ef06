// Package oommsg carries out-of-memory notifications from the frame
// allocator to whatever policy wants to react to exhaustion; in this core
// that is memset's swap reclaim path.
package oommsg

// OomCh is sent to when the frame allocator cannot satisfy a request.
// Buffered by one so a single pending notification never blocks the
// allocator; callers that want every signal should drain promptly.
var OomCh = make(chan Oommsg_t, 1)

// Oommsg_t describes an out-of-memory event.
type Oommsg_t struct {
	// Need is the number of frames the failed request wanted.
	Need int
	// Resume, if non-nil, is signaled by the reclaimer once it believes
	// memory is available again.
	Resume chan bool
}
