package app

import (
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	rtsup "github.com/TalhaNadeem001/mac-imessage-gateway/internal/runtime/supervisor"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
)

// Status is the body of GET /status.
type Status struct {
	StartedAt    time.Time                 `json:"started_at"`
	Uptime       string                    `json:"uptime"`
	Watcher      *watcher.Snapshot         `json:"watcher,omitempty"`
	LastActionAt *time.Time                `json:"last_action_at,omitempty"`
	Forwarding   bool                      `json:"forwarding"`
	Maintenance  *MaintenanceStatus        `json:"maintenance,omitempty"`
	Tasks        map[string]rtsup.Snapshot `json:"tasks"`
	Events       []eventbus.Event          `json:"recent_events"`
}

type MaintenanceStatus struct {
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:  a.startedAt,
		Forwarding: a.fwd != nil,
		Tasks: map[string]rtsup.Snapshot{
			"app":  a.sup.Snapshot(),
			"http": a.server.Supervisor().Snapshot(),
		},
		Events: a.recent.Recent(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.watch != nil {
		snap := a.watch.Snapshot()
		st.Watcher = &snap
		st.Tasks["watcher"] = a.watch.Tasks()
	}
	if at := a.executor.LastActionAt(); !at.IsZero() {
		st.LastActionAt = &at
	}
	if a.maint != nil {
		st.Maintenance = &MaintenanceStatus{Schedule: a.cfg.Maintenance.Schedule, Next: a.maint.Next()}
	}
	return st
}
