package eventbus

import "sync"

// Ring keeps the most recent events in memory for /status.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 50
	}
	return &Ring{buf: make([]Event, size)}
}

func (r *Ring) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns events oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
