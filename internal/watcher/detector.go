package watcher

import (
	"context"
	"regexp"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// CallEvent is emitted once per ringing call.
type CallEvent struct {
	DetectedAt time.Time `json:"detected_at"`
	Line       string    `json:"line"`
}

// Detector recognizes incoming-call lines and debounces them. It is owned by
// a single goroutine and is not safe for concurrent use.
type Detector struct {
	pattern  *regexp.Regexp
	debounce time.Duration

	log     logx.Logger
	metrics *metrics.Metrics
	sampler *logx.Sampler
	now     func() time.Time

	lastEventAt time.Time
}

func NewDetector(pattern *regexp.Regexp, debounce time.Duration, log logx.Logger, m *metrics.Metrics) *Detector {
	return &Detector{
		pattern:  pattern,
		debounce: debounce,
		log:      log,
		metrics:  m,
		sampler:  logx.NewSampler(10 * time.Second),
		now:      time.Now,
	}
}

// Accept tests one line. A match outside the debounce window yields an event
// and moves the window.
func (d *Detector) Accept(line LogLine) (CallEvent, bool) {
	if d.pattern == nil || !d.pattern.MatchString(line.Text) {
		return CallEvent{}, false
	}
	at := line.At
	if at.IsZero() {
		at = d.now()
	}
	if !d.lastEventAt.IsZero() && at.Sub(d.lastEventAt) <= d.debounce {
		d.metrics.LineDebounced()
		d.sampler.Do(func() {
			d.log.Debug("call line debounced", logx.Duration("since_last", at.Sub(d.lastEventAt)))
		})
		return CallEvent{}, false
	}
	d.lastEventAt = at
	d.metrics.CallEvent()
	return CallEvent{DetectedAt: at, Line: line.Text}, true
}

// Detect emits events in line order until lines is closed or ctx is done.
func (d *Detector) Detect(ctx context.Context, lines <-chan LogLine) <-chan CallEvent {
	out := make(chan CallEvent, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				ev, ok := d.Accept(line)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
