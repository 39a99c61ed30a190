package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 4 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:30 3 * * 1", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "6h", kind: SpecInterval, source: "duration", duration: 6 * time.Hour},
		{name: "prefixed interval", raw: "interval:45m", kind: SpecInterval, source: "duration", duration: 45 * time.Minute},
		{name: "prefixed every hhmm", raw: "every:00:45", kind: SpecInterval, source: "hhmm", duration: 45 * time.Minute},
		{name: "hhmm", raw: "06:30", kind: SpecInterval, source: "hhmm", duration: 6*time.Hour + 30*time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "01:75", "interval:", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestNewRejectsBadCronAndTimezone(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Schedule: "61 * * * *"}, nil, logx.Nop(), nil, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := New(Config{Schedule: "@daily", Timezone: "Mars/Olympus"}, nil, logx.Nop(), nil, nil); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	s, err := New(Config{Schedule: "@daily", Timezone: "UTC"}, nil, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Next().IsZero() {
		t.Fatal("Next should be zero before Start")
	}
}

type countingRestarter struct {
	calls  atomic.Int32
	reason atomic.Value
}

func (c *countingRestarter) RestartOnly(_ context.Context, reason string) watcher.ActionResult {
	c.calls.Add(1)
	c.reason.Store(reason)
	return watcher.ActionResult{Outcome: watcher.Succeeded}
}

func TestServiceTriggersRestart(t *testing.T) {
	t.Parallel()
	target := &countingRestarter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s, err := New(Config{Schedule: "every:1s"}, target, logx.Nop(), nil, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	s.Start(context.Background()) // idempotent

	if next := s.Next(); next.IsZero() || next.After(time.Now().Add(2*time.Second)) {
		t.Fatalf("unexpected next run %v", next)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeMaintenance {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("maintenance restart never fired")
	}
	if got := target.reason.Load(); got != "maintenance" {
		t.Fatalf("reason = %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	n := target.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	if target.calls.Load() != n {
		t.Fatal("restart fired after Stop")
	}
}
