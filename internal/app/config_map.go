package app

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/api"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/config"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/forwarder"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/maintenance"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport/imessage"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/watcher"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type watcherSettings struct {
	watcher   watcher.Config
	executor  watcher.ExecutorConfig
	killGrace time.Duration
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	file := strings.TrimSpace(cfg.Logging.File)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: file != "",
			Path:    file,
		},
	}
}

func mapServerConfig(cfg *config.Config) (api.Config, time.Duration, error) {
	s := cfg.Server
	send, err := parseDurationOrDefault("server.send_timeout", s.SendTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, 0, err
	}
	read, err := parseDurationOrDefault("server.read_timeout", s.ReadTimeout, 15*time.Second)
	if err != nil {
		return api.Config{}, 0, err
	}
	shutdown, err := parseDurationOrDefault("server.shutdown_timeout", s.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return api.Config{}, 0, err
	}
	host := strings.TrimSpace(s.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	return api.Config{
		Addr:        net.JoinHostPort(host, strconv.Itoa(s.Port)),
		APIKey:      s.APIKey,
		ReadTimeout: read,
		// A send may legitimately take the whole send timeout.
		WriteTimeout:   send + 5*time.Second,
		IdleTimeout:    60 * time.Second,
		SendTimeout:    send,
		MetricsEnabled: s.MetricsEnabled,
		Pprof:          s.Pprof,
	}, shutdown, nil
}

func mapTransportConfig(cfg *config.Config) (imessage.Config, error) {
	t := cfg.Transport
	poll, err := parseDurationOrDefault("transport.poll_interval", t.PollInterval, 2*time.Second)
	if err != nil {
		return imessage.Config{}, err
	}
	settle, err := config.ParseDurationField("transport.restart_settle", t.RestartSettle)
	if err != nil {
		return imessage.Config{}, err
	}
	db, err := config.ExpandHome(strings.TrimSpace(t.ChatDB))
	if err != nil {
		return imessage.Config{}, fmt.Errorf("transport.chat_db: %w", err)
	}
	return imessage.Config{
		ChatDB:        db,
		PollInterval:  poll,
		Service:       t.Service,
		Osascript:     t.Osascript,
		RestartSettle: settle,
		KillProcesses: t.KillProcesses,
	}, nil
}

func mapWatcherConfig(cfg *config.Config) (watcherSettings, error) {
	w := cfg.Watcher
	pattern, err := regexp.Compile(w.Pattern)
	if err != nil {
		return watcherSettings{}, fmt.Errorf("watcher.pattern: %w", err)
	}
	debounce, err := parseDurationOrDefault("watcher.debounce", w.Debounce, 5*time.Second)
	if err != nil {
		return watcherSettings{}, err
	}
	cooldown, err := parseDurationOrDefault("watcher.cooldown", w.Cooldown, 30*time.Second)
	if err != nil {
		return watcherSettings{}, err
	}
	backoff, err := parseDurationOrDefault("watcher.crash_backoff", w.CrashBackoff, 2*time.Second)
	if err != nil {
		return watcherSettings{}, err
	}
	grace, err := parseDurationOrDefault("watcher.kill_grace", w.KillGrace, 2*time.Second)
	if err != nil {
		return watcherSettings{}, err
	}
	timeout, err := parseDurationOrDefault("watcher.action_timeout", w.ActionTimeout, time.Minute)
	if err != nil {
		return watcherSettings{}, err
	}
	return watcherSettings{
		watcher: watcher.Config{
			Predicate:    w.Predicate,
			Pattern:      pattern,
			Debounce:     debounce,
			CrashBackoff: backoff,
		},
		executor: watcher.ExecutorConfig{
			Recipient: strings.TrimSpace(w.DeclineRecipient),
			Message:   w.DeclineMessage,
			Cooldown:  cooldown,
			Timeout:   timeout,
		},
		killGrace: grace,
	}, nil
}

func mapForwardConfig(cfg *config.Config) (forwarder.Config, error) {
	timeout, err := parseDurationOrDefault("forward.timeout", cfg.Forward.Timeout, 10*time.Second)
	if err != nil {
		return forwarder.Config{}, err
	}
	return forwarder.Config{URL: strings.TrimSpace(cfg.Forward.WebhookURL), Timeout: timeout}, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, bool) {
	m := cfg.Maintenance
	if strings.TrimSpace(m.Schedule) == "" {
		return maintenance.Config{}, false
	}
	return maintenance.Config{Schedule: m.Schedule, Timezone: m.Timezone}, true
}
