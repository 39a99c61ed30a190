package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// Load builds the startup configuration: defaults, then the optional file at
// path (JSON or YAML), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		if err := parseFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	return cfg, nil
}

func parseFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jb := b
	if isYAML(path) {
		if jb, err = yamlToJSON(b); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// applyEnv overlays IMESSAGE_* variables. Unset variables keep the current value.
func applyEnv(cfg *Config) error {
	sections := []any{
		&cfg.Server,
		&cfg.Watcher,
		&cfg.Forward,
		&cfg.Transport,
		&cfg.Maintenance,
		&cfg.Logging,
	}
	for _, s := range sections {
		if err := envconfig.Process("", s); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations that must fail startup rather than
// individual requests.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.APIKey) == "" {
		errs = append(errs, errors.New("server.api_key (IMESSAGE_API_KEY) is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}

	if c.Watcher.Enabled {
		if strings.TrimSpace(c.Watcher.Predicate) == "" {
			errs = append(errs, errors.New("watcher.predicate is required when the watcher is enabled"))
		}
		if _, err := regexp.Compile(c.Watcher.Pattern); err != nil || strings.TrimSpace(c.Watcher.Pattern) == "" {
			errs = append(errs, fmt.Errorf("watcher.pattern: invalid %q", c.Watcher.Pattern))
		}
		if strings.TrimSpace(c.Watcher.DeclineRecipient) == "" {
			errs = append(errs, errors.New("watcher.decline_recipient (IMESSAGE_DECLINE_RECIPIENT) is required when the watcher is enabled"))
		}
		if strings.TrimSpace(c.Watcher.DeclineMessage) == "" {
			errs = append(errs, errors.New("watcher.decline_message (IMESSAGE_DECLINE_MESSAGE) is required when the watcher is enabled"))
		}
	}

	if c.Forward.Enabled {
		if err := validateWebhookURL(c.Forward.WebhookURL); err != nil {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"server.send_timeout":      c.Server.SendTimeout,
		"server.read_timeout":      c.Server.ReadTimeout,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"watcher.debounce":         c.Watcher.Debounce,
		"watcher.cooldown":         c.Watcher.Cooldown,
		"watcher.crash_backoff":    c.Watcher.CrashBackoff,
		"watcher.kill_grace":       c.Watcher.KillGrace,
		"watcher.action_timeout":   c.Watcher.ActionTimeout,
		"forward.timeout":          c.Forward.Timeout,
		"transport.poll_interval":  c.Transport.PollInterval,
		"transport.restart_settle": c.Transport.RestartSettle,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

func validateWebhookURL(raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return errors.New("forward.webhook_url (IMESSAGE_WEBHOOK_URL) is required when forwarding is enabled")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("forward.webhook_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("forward.webhook_url: %q must be an absolute http(s) URL", s)
	}
	return nil
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
