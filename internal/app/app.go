// Package app wires the gateway together: transport, call watcher, inbound
// forwarder, maintenance schedule and the HTTP control plane.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/api"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/config"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/forwarder"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/maintenance"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	rtsup "github.com/TalhaNadeem001/mac-imessage-gateway/internal/runtime/supervisor"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport/imessage"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	sup       *rtsup.Supervisor
	startedAt time.Time
	shutdown  time.Duration

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	recent  *eventbus.Ring
	metrics *metrics.Metrics

	tr       transport.Transport
	executor *watcher.Executor
	watch    *watcher.Watcher
	fwd      *forwarder.Forwarder
	maint    *maintenance.Service
	server   *api.Server
	reloader *config.Reloader

	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	tr    transport.Transport
	lines watcher.LineSource
	log   logx.Logger
}

// WithTransport replaces the Messages.app transport.
func WithTransport(tr transport.Transport) Option { return func(o *options) { o.tr = tr } }

// WithLineSource replaces the `log stream` tailer.
func WithLineSource(src watcher.LineSource) Option { return func(o *options) { o.lines = src } }

// WithLogger bypasses the logging service; the config's logging section is
// then ignored.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// NewApp loads and validates the config at cfgPath (empty means environment
// only) and builds the gateway.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return New(cfg, cfgPath, opts...)
}

// New builds the gateway from an already validated config.
func New(cfg *config.Config, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log.IsZero() {
		logSvc, log = logx.New(mapLogConfig(cfg))
	} else {
		log = o.log
	}

	srvCfg, shutdown, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()

	tr := o.tr
	if tr == nil {
		tc, err := mapTransportConfig(cfg)
		if err != nil {
			return nil, err
		}
		tr = imessage.New(tc, log.With(logx.String("comp", "imessage")))
	}

	a := &App{
		cfgPath:  cfgPath,
		cfg:      cfg,
		shutdown: shutdown,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		recent:   eventbus.NewRing(50),
		metrics:  m,
		tr:       tr,
	}

	ws, err := mapWatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The maintenance schedule shares the executor, so it exists even when
	// the watcher is disabled.
	a.executor = watcher.NewExecutor(ws.executor, tr, log.With(logx.String("comp", "executor")),
		watcher.WithExecutorMetrics(m),
		watcher.WithExecutorBus(bus),
	)

	if cfg.Watcher.Enabled {
		src := o.lines
		if src == nil {
			src = watcher.NewTailer(ws.killGrace, log.With(logx.String("comp", "tailer")))
		}
		a.watch = watcher.New(ws.watcher, src, a.executor, log.With(logx.String("comp", "watcher")),
			watcher.WithMetrics(m),
			watcher.WithBus(bus),
		)
	}

	if cfg.Forward.Enabled {
		fc, err := mapForwardConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.fwd = forwarder.New(fc, log.With(logx.String("comp", "forwarder")),
			forwarder.WithMetrics(m),
			forwarder.WithBus(bus),
		)
	}

	if mc, enabled := mapMaintenanceConfig(cfg); enabled {
		svc, err := maintenance.New(mc, a.executor, log.With(logx.String("comp", "maintenance")), m, bus)
		if err != nil {
			return nil, err
		}
		a.maint = svc
	}

	a.server = api.NewServer(srvCfg, api.Deps{
		Sender:  tr,
		Status:  func() any { return a.Status() },
		Metrics: m,
		Log:     log.With(logx.String("comp", "api")),
	}, log.With(logx.String("comp", "http")))

	if strings.TrimSpace(cfgPath) != "" {
		a.reloader = config.NewReloader(cfgPath, cfg, log.With(logx.String("comp", "config")), a.onConfigReload)
	}
	return a, nil
}

// Done is closed when the app context ends, either by Stop or by a fatal
// task error.
// Before Start it returns a nil channel, which never fires.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr returns the HTTP listen address once bound.
func (a *App) Addr(ctx context.Context) (string, error) { return a.server.Addr(ctx) }

// Metrics returns the registry-backed collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// Subscribe before anything publishes so the first state changes land in
	// the ring.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.recent.Add(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.server.Start(a.sup.Context())

	if a.watch != nil {
		if err := a.watch.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("call watcher disabled")
	}

	if a.fwd != nil {
		a.sup.GoRestart("forward.inbound", func(c context.Context) error {
			in, err := a.tr.Inbound(c)
			if err != nil {
				return err
			}
			return a.fwd.Run(c, in)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	} else {
		a.log.Info("inbound forwarding disabled")
	}

	if a.maint != nil {
		a.maint.Start(a.sup.Context())
	}

	if a.reloader != nil {
		a.sup.GoRestart("config.watch", a.reloader.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))
	}

	a.log.Info("app started",
		logx.Bool("watcher", a.watch != nil),
		logx.Bool("forward", a.fwd != nil),
		logx.Bool("maintenance", a.maint != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop accepting requests first; in-flight sends get the shutdown budget.
	a.step(ctx, "http", a.shutdown, func(c context.Context) error { a.server.Stop(c); return nil })

	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop(c)
		}
		return nil
	})
	a.step(ctx, "watcher", 3*time.Second, func(c context.Context) error {
		if a.watch != nil {
			return a.watch.Stop(c)
		}
		return nil
	})

	// Finally, wait for supervised goroutines (forwarder, config watch, event log).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; a late return is logged as a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

// onConfigReload applies the logging section live. Every other section is
// read once at startup.
func (a *App) onConfigReload(prev, next *config.Config, changed []string) {
	if len(changed) == 0 {
		return
	}
	var pending []string
	for _, s := range changed {
		if s == "logging" {
			if a.logs != nil {
				a.logs.Apply(mapLogConfig(next))
			}
			continue
		}
		pending = append(pending, s)
	}
	if len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
	eventbus.Publish(a.bus, eventbus.TypeConfigReload, map[string]any{
		"changed": changed,
		"pending": pending,
	})
}
