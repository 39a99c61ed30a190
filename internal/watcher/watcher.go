// Package watcher tails the system log for incoming FaceTime calls and
// declines them by restarting Messages and sending a canned reply.
//
// Pipeline: Tailer -> Detector -> Executor, owned by a Watcher that reopens
// the tail after a crash.
package watcher

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	rtsup "github.com/TalhaNadeem001/mac-imessage-gateway/internal/runtime/supervisor"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Crashed
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Handler receives detected calls. *Executor implements it.
type Handler interface {
	OnEvent(ctx context.Context, ev CallEvent) ActionResult
}

type Config struct {
	Predicate    string
	Pattern      *regexp.Regexp
	Debounce     time.Duration
	CrashBackoff time.Duration
}

// Snapshot is a point-in-time view for /status.
type Snapshot struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Restarts  int64     `json:"restarts"`
	Events    int64     `json:"events"`
	LastError string    `json:"last_error,omitempty"`
}

type Watcher struct {
	cfg     Config
	src     LineSource
	handler Handler

	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus

	state    atomic.Int32
	since    atomic.Int64 // unix nano of the last transition
	restarts atomic.Int64
	events   atomic.Int64
	lastErr  atomic.Value // string

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

type Option func(*Watcher)

func WithMetrics(m *metrics.Metrics) Option { return func(w *Watcher) { w.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(w *Watcher) { w.bus = b } }

func New(cfg Config, src LineSource, h Handler, log logx.Logger, opts ...Option) *Watcher {
	if cfg.CrashBackoff <= 0 {
		cfg.CrashBackoff = 2 * time.Second
	}
	w := &Watcher{cfg: cfg, src: src, handler: h, log: log}
	for _, o := range opts {
		o(w)
	}
	w.since.Store(time.Now().UnixNano())
	return w
}

var errAlreadyStarted = errors.New("watcher already started")

// Start launches the watch loop in the background and returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup != nil {
		return errAlreadyStarted
	}
	w.sup = rtsup.New(ctx, rtsup.WithLogger(w.log))
	w.setState(Starting)
	w.sup.Go("watcher.loop", w.loop)
	return nil
}

// Stop cancels the loop, terminates the log process and waits for any
// in-flight action to return, bounded by ctx.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	sup := w.sup
	w.sup = nil
	w.mu.Unlock()
	if sup == nil {
		return nil
	}

	if w.State() != Stopped {
		w.setState(Stopping)
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	w.setState(Stopped)
	return ctx.Err()
}

func (w *Watcher) State() State { return State(w.state.Load()) }

func (w *Watcher) Snapshot() Snapshot {
	snap := Snapshot{
		State:    w.State().String(),
		Since:    time.Unix(0, w.since.Load()),
		Restarts: w.restarts.Load(),
		Events:   w.events.Load(),
	}
	if s, ok := w.lastErr.Load().(string); ok {
		snap.LastError = s
	}
	return snap
}

// Tasks lists the goroutines owned by the watcher.
func (w *Watcher) Tasks() rtsup.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sup.Snapshot()
}

func (w *Watcher) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev == s {
		return
	}
	w.since.Store(time.Now().UnixNano())
	w.metrics.WatcherState(int(s))
	w.log.Info("watcher state", logx.String("from", prev.String()), logx.String("to", s.String()))
	eventbus.Publish(w.bus, eventbus.TypeWatcherState, map[string]string{"from": prev.String(), "to": s.String()})
}

func (w *Watcher) loop(ctx context.Context) error {
	det := NewDetector(w.cfg.Pattern, w.cfg.Debounce, w.log.With(logx.String("comp", "detector")), w.metrics)
	for {
		w.setState(Starting)
		stream, err := w.src.Open(ctx, w.cfg.Predicate)
		if err == nil {
			w.setState(Running)
			err = w.consume(ctx, det, stream)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.lastErr.Store(err.Error())

		if errors.Is(err, ErrInvalidPredicate) {
			w.log.Error("log predicate rejected; watcher stopped", logx.String("predicate", w.cfg.Predicate), logx.Err(err))
			w.setState(Stopped)
			return err
		}

		w.setState(Crashed)
		w.restarts.Add(1)
		w.metrics.WatcherRestart()
		w.log.Warn("log stream ended; reopening", logx.Duration("backoff", w.cfg.CrashBackoff), logx.Err(err))

		t := time.NewTimer(w.cfg.CrashBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consume runs the detector over one stream and hands each event to the
// handler without waiting, so a busy executor drops events instead of
// backing up the detector.
func (w *Watcher) consume(ctx context.Context, det *Detector, stream *Stream) error {
	for ev := range det.Detect(ctx, stream.Lines()) {
		w.events.Add(1)
		w.log.Info("incoming call detected", logx.Time("at", ev.DetectedAt))
		eventbus.Publish(w.bus, eventbus.TypeCallDetected, ev)

		w.mu.Lock()
		sup := w.sup
		w.mu.Unlock()
		if sup == nil {
			break
		}
		sup.Go0("watcher.decline", func(ctx context.Context) {
			w.handler.OnEvent(ctx, ev)
		})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stream.Err()
}
