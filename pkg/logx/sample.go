package logx

import (
	"time"

	"golang.org/x/time/rate"
)

// Sampler lets through the first event and then at most one per interval.
// Use it for per-line debug logs on hot paths.
type Sampler struct {
	st rate.Sometimes
}

func NewSampler(every time.Duration) *Sampler {
	if every <= 0 {
		every = time.Second
	}
	return &Sampler{st: rate.Sometimes{First: 1, Interval: every}}
}

// Do runs fn if the sampler allows it.
func (s *Sampler) Do(fn func()) {
	if s == nil {
		fn()
		return
	}
	s.st.Do(fn)
}
