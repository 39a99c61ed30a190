package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type Outcome int

const (
	Skipped Outcome = iota
	Succeeded
	Failed
	PartialFailure
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case PartialFailure:
		return "partial_failure"
	default:
		return "unknown"
	}
}

// ActionResult is never propagated past the watcher; it is logged, counted
// and published on the bus.
type ActionResult struct {
	Outcome Outcome
	Reason  string
	Err     error
}

type ExecutorConfig struct {
	Recipient string
	Message   string
	Cooldown  time.Duration
	// Timeout bounds one restart+send sequence.
	Timeout time.Duration
}

// Actuator is the part of the transport the executor drives.
type Actuator interface {
	transport.Restarter
	transport.Sender
}

// Executor restarts the messaging client and sends the decline message.
// At most one action runs at a time; callers arriving while it is busy are
// skipped, not queued.
type Executor struct {
	cfg     ExecutorConfig
	tr      Actuator
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	now     func() time.Time

	busy atomic.Bool

	// mu guards lastActionAt, which only decline sequences touch.
	mu           sync.Mutex
	lastActionAt time.Time
}

type ExecutorOption func(*Executor)

func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithExecutorBus(b eventbus.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = b }
}

func NewExecutor(cfg ExecutorConfig, tr Actuator, log logx.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{cfg: cfg, tr: tr, log: log, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnEvent runs the decline sequence for one detected call.
func (e *Executor) OnEvent(ctx context.Context, ev CallEvent) ActionResult {
	res := e.run(ctx, true)
	e.metrics.DeclineAction(res.Outcome.String())
	e.report("call", res, logx.Time("detected_at", ev.DetectedAt))
	return res
}

// RestartOnly restarts the client without sending anything. It shares the
// busy flag with OnEvent but neither checks nor resets the decline cooldown.
func (e *Executor) RestartOnly(ctx context.Context, reason string) ActionResult {
	res := e.run(ctx, false)
	e.report(reason, res)
	return res
}

// LastActionAt reports when the last decline sequence finished.
func (e *Executor) LastActionAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActionAt
}

func (e *Executor) run(ctx context.Context, decline bool) ActionResult {
	if !e.busy.CompareAndSwap(false, true) {
		return ActionResult{Outcome: Skipped, Reason: "busy"}
	}
	defer e.busy.Store(false)

	if decline {
		e.mu.Lock()
		last := e.lastActionAt
		e.mu.Unlock()
		if !last.IsZero() && e.now().Sub(last) <= e.cfg.Cooldown {
			return ActionResult{Outcome: Skipped, Reason: "cooldown"}
		}
		// The cooldown runs from the end of the sequence, whatever its outcome.
		defer func() {
			e.mu.Lock()
			e.lastActionAt = e.now()
			e.mu.Unlock()
		}()
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	if err := e.tr.Restart(ctx); err != nil {
		return ActionResult{Outcome: Failed, Reason: "restart", Err: err}
	}
	if !decline {
		return ActionResult{Outcome: Succeeded}
	}
	if err := e.tr.Send(ctx, e.cfg.Recipient, e.cfg.Message); err != nil {
		return ActionResult{Outcome: PartialFailure, Reason: "send", Err: err}
	}
	return ActionResult{Outcome: Succeeded}
}

func (e *Executor) report(trigger string, res ActionResult, fields ...logx.Field) {
	fields = append(fields,
		logx.String("trigger", trigger),
		logx.String("result", res.Outcome.String()),
	)
	if res.Reason != "" {
		fields = append(fields, logx.String("reason", res.Reason))
	}
	switch res.Outcome {
	case Skipped:
		e.log.Debug("action skipped", fields...)
	case Succeeded:
		e.log.Info("action completed", fields...)
	default:
		e.log.Warn("action failed", append(fields, logx.Err(res.Err))...)
	}

	data := map[string]any{"trigger": trigger, "result": res.Outcome.String()}
	if res.Reason != "" {
		data["reason"] = res.Reason
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	eventbus.Publish(e.bus, eventbus.TypeDeclineResult, data)
}
