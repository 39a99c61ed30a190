package config

// Config is the raw configuration as read from the optional config file and
// the environment. All durations are Go duration strings ("500ms", "10s").
// It is read once at startup and never mutated afterwards.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Watcher     WatcherConfig     `json:"watcher"`
	Forward     ForwardConfig     `json:"forward"`
	Transport   TransportConfig   `json:"transport"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig controls the HTTP control plane.
//
// Security note: prefer binding to loopback. The API key is required and is
// never logged.
type ServerConfig struct {
	APIKey string `json:"api_key" envconfig:"IMESSAGE_API_KEY"`
	Host   string `json:"host" envconfig:"IMESSAGE_HOST"`
	Port   int    `json:"port" envconfig:"IMESSAGE_PORT"`

	// SendTimeout bounds one /send call into the transport.
	SendTimeout     string `json:"send_timeout,omitempty" envconfig:"IMESSAGE_SEND_TIMEOUT"`
	ReadTimeout     string `json:"read_timeout,omitempty" envconfig:"IMESSAGE_READ_TIMEOUT"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" envconfig:"IMESSAGE_SHUTDOWN_TIMEOUT"`
	MetricsEnabled  bool   `json:"metrics_enabled" envconfig:"IMESSAGE_METRICS_ENABLED"`

	// Pprof mounts /debug/pprof behind the API key.
	Pprof bool `json:"pprof" envconfig:"IMESSAGE_PPROF_ENABLED"`
}

// WatcherConfig controls the incoming-call watcher.
//
// Defaults:
//   - predicate: eventMessage contains "FaceTime"
//   - pattern: (?i)incoming
//   - debounce: 5s, cooldown: 30s, crash_backoff: 2s, kill_grace: 2s
type WatcherConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"IMESSAGE_WATCHER_ENABLED"`
	Predicate string `json:"predicate" envconfig:"IMESSAGE_LOG_PREDICATE"`
	Pattern   string `json:"pattern" envconfig:"IMESSAGE_CALL_PATTERN"`

	Debounce      string `json:"debounce" envconfig:"IMESSAGE_DEBOUNCE"`
	Cooldown      string `json:"cooldown" envconfig:"IMESSAGE_COOLDOWN"`
	CrashBackoff  string `json:"crash_backoff" envconfig:"IMESSAGE_CRASH_BACKOFF"`
	KillGrace     string `json:"kill_grace" envconfig:"IMESSAGE_KILL_GRACE"`
	ActionTimeout string `json:"action_timeout" envconfig:"IMESSAGE_ACTION_TIMEOUT"`

	DeclineRecipient string `json:"decline_recipient" envconfig:"IMESSAGE_DECLINE_RECIPIENT"`
	DeclineMessage   string `json:"decline_message" envconfig:"IMESSAGE_DECLINE_MESSAGE"`
}

// ForwardConfig controls inbound message forwarding to the webhook.
type ForwardConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"IMESSAGE_FORWARD_ENABLED"`
	WebhookURL string `json:"webhook_url" envconfig:"IMESSAGE_WEBHOOK_URL"`
	Timeout    string `json:"timeout" envconfig:"IMESSAGE_WEBHOOK_TIMEOUT"`
}

// TransportConfig controls the Messages.app transport.
type TransportConfig struct {
	ChatDB        string   `json:"chat_db" envconfig:"IMESSAGE_CHAT_DB"`
	PollInterval  string   `json:"poll_interval" envconfig:"IMESSAGE_POLL_INTERVAL"`
	Service       string   `json:"service" envconfig:"IMESSAGE_SERVICE"`
	Osascript     string   `json:"osascript" envconfig:"IMESSAGE_OSASCRIPT"`
	RestartSettle string   `json:"restart_settle" envconfig:"IMESSAGE_RESTART_SETTLE"`
	KillProcesses []string `json:"kill_processes" envconfig:"IMESSAGE_KILL_PROCESSES"`
}

// MaintenanceConfig schedules preventive transport restarts.
//
// Schedule accepts a cron expression ("0 4 * * *", "@daily"), a Go duration
// ("6h") or HH:MM interval ("06:00"). Empty disables it.
type MaintenanceConfig struct {
	Schedule string `json:"schedule,omitempty" envconfig:"IMESSAGE_MAINTENANCE_SCHEDULE"`
	Timezone string `json:"timezone,omitempty" envconfig:"IMESSAGE_MAINTENANCE_TZ"`
}

type LoggingConfig struct {
	Level   string `json:"level" envconfig:"IMESSAGE_LOG_LEVEL"`
	Console bool   `json:"console" envconfig:"IMESSAGE_LOG_CONSOLE"`
	File    string `json:"file,omitempty" envconfig:"IMESSAGE_LOG_FILE"`
}

// Defaults returns the configuration used when neither file nor environment
// sets a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			SendTimeout:     "30s",
			ReadTimeout:     "15s",
			ShutdownTimeout: "5s",
			MetricsEnabled:  true,
		},
		Watcher: WatcherConfig{
			Enabled:       true,
			Predicate:     `eventMessage contains "FaceTime"`,
			Pattern:       `(?i)incoming`,
			Debounce:      "5s",
			Cooldown:      "30s",
			CrashBackoff:  "2s",
			KillGrace:     "2s",
			ActionTimeout: "60s",
		},
		Forward: ForwardConfig{
			Enabled: true,
			Timeout: "10s",
		},
		Transport: TransportConfig{
			ChatDB:        "~/Library/Messages/chat.db",
			PollInterval:  "2s",
			Service:       "iMessage",
			Osascript:     "osascript",
			RestartSettle: "1s",
			KillProcesses: []string{"FaceTime", "avconferenced", "CallHistoryPluginHelper"},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}
