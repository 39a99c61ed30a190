package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

const baseYAML = `
server:
  api_key: secret
watcher:
  decline_recipient: "+15551234567"
  decline_message: "Please text us instead."
forward:
  webhook_url: https://example.com/sms/reply
logging:
  level: info
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestChangedSections(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.Empty(t, ChangedSections(a, b))

	b.Logging.Level = "debug"
	b.Server.Port = 9000
	assert.Equal(t, []string{"server", "logging"}, ChangedSections(a, b))
}

func TestReloaderSkipsUnchangedAndInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeFile(t, path, baseYAML)
	cur, err := Load(path)
	require.NoError(t, err)

	var calls int
	r := NewReloader(path, cur, logx.Nop(), func(prev, next *Config, changed []string) { calls++ })

	assert.False(t, r.Reload(), "same content must not publish")

	writeFile(t, path, baseYAML+"  console: maybe\n")
	assert.False(t, r.Reload(), "unparseable content must be rejected")

	writeFile(t, path, "server:\n  api_key: \"\"\n")
	assert.False(t, r.Reload(), "invalid content must be rejected")
	assert.Same(t, cur, r.Current())
	assert.Zero(t, calls)
}

func TestReloaderWatchPublishesChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeFile(t, path, baseYAML)
	cur, err := Load(path)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		changes [][]string
		level   string
	)
	r := NewReloader(path, cur, logx.Nop(), func(prev, next *Config, changed []string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, changed)
		level = next.Logging.Level
	})
	r.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, baseYAML[:len(baseYAML)-len("  level: info\n")]+"  level: debug\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"logging"}, changes[0])
	assert.Equal(t, "debug", level)
	mu.Unlock()
	assert.Equal(t, "debug", r.Current().Logging.Level)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestReloaderWithoutPathBlocksUntilCancel(t *testing.T) {
	r := NewReloader("", validConfig(), logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Watch(ctx))
}
