// Package maintenance restarts the messaging client on a schedule, through
// the same single-flight executor the call watcher uses.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type Config struct {
	Schedule string
	Timezone string
}

// Restarter is satisfied by *watcher.Executor.
type Restarter interface {
	RestartOnly(ctx context.Context, reason string) watcher.ActionResult
}

type Service struct {
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	target  Restarter

	spec  ParsedSpec
	sched cron.Schedule
	loc   *time.Location

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and timezone. Invalid values fail startup.
func New(cfg Config, target Restarter, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) (*Service, error) {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance.schedule: %w", err)
	}

	var sched cron.Schedule
	switch spec.Kind {
	case SpecInterval:
		sched = cron.Every(spec.Every)
	default:
		sched, err = parser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("maintenance.schedule: %w", err)
		}
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("maintenance.timezone: %w", err)
		}
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		metrics: m,
		bus:     bus,
		target:  target,
		spec:    spec,
		sched:   sched,
		loc:     loc,
	}, nil
}

// Start begins triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.c.Schedule(s.sched, cron.FuncJob(s.run))
	s.c.Start()
	s.log.Info("maintenance restarts scheduled",
		logx.String("source", s.spec.Source),
		logx.String("tz", s.loc.String()),
		logx.Time("next", s.nextLocked()),
	)
}

// Stop cancels a running restart and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next reports the next scheduled run, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Service) nextLocked() time.Time {
	if s.c == nil {
		return time.Time{}
	}
	return s.sched.Next(time.Now().In(s.loc))
}

func (s *Service) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	res := s.target.RestartOnly(ctx, "maintenance")
	s.metrics.Maintenance(res.Outcome.String())
	eventbus.Publish(s.bus, eventbus.TypeMaintenance, map[string]string{
		"result": res.Outcome.String(),
		"reason": res.Reason,
	})
	if res.Outcome == watcher.Skipped {
		s.log.Info("maintenance restart skipped", logx.String("reason", res.Reason))
	}
}
