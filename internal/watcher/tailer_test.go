package watcher

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func drain(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	timeout := time.After(3 * time.Second)
	for {
		select {
		case l, ok := <-s.Lines():
			if !ok {
				return out
			}
			out = append(out, l.Text)
		case <-timeout:
			t.Fatalf("stream did not end, got %v", out)
		}
	}
}

func TestTailerReadsLinesUntilExit(t *testing.T) {
	requireShell(t)
	tl := NewTailer(time.Second, logx.Nop(), WithCommand("sh", "-c", "printf 'one\\ntwo\\n'"))

	s, err := tl.Open(context.Background(), `eventMessage contains "FaceTime"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, drain(t, s))
	assert.ErrorIs(t, s.Err(), ErrStreamClosed)
}

func TestTailerDropsStreamPreamble(t *testing.T) {
	requireShell(t)
	script := `echo 'Filtering the log data using "eventMessage CONTAINS \"IncomingCall\""'
echo 'Timestamp               Ty Process[PID:TID]'
echo '2026-05-01 12:00:00.000 Df callservicesd[88:1f2] CallKit IncomingCall from +15551112222'
echo 'Timestamp trailing entry'`
	tl := NewTailer(time.Second, logx.Nop(), WithCommand("sh", "-c", script))

	s, err := tl.Open(context.Background(), `eventMessage CONTAINS "IncomingCall"`)
	require.NoError(t, err)
	d := NewDetector(regexp.MustCompile(`IncomingCall`), time.Minute, logx.Nop(), nil)

	var lines []string
	var events []CallEvent
	for l := range s.Lines() {
		lines = append(lines, l.Text)
		if ev, ok := d.Accept(l); ok {
			events = append(events, ev)
		}
	}
	assert.Equal(t, []string{
		"2026-05-01 12:00:00.000 Df callservicesd[88:1f2] CallKit IncomingCall from +15551112222",
		"Timestamp trailing entry",
	}, lines)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Line, "callservicesd")
}

func TestTailerReportsExitStatus(t *testing.T) {
	requireShell(t)
	tl := NewTailer(time.Second, logx.Nop(), WithCommand("sh", "-c", "echo boom >&2; exit 3"))

	s, err := tl.Open(context.Background(), "p")
	require.NoError(t, err)
	drain(t, s)
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "boom")
	assert.False(t, errors.Is(s.Err(), ErrInvalidPredicate))
}

func TestTailerDetectsInvalidPredicate(t *testing.T) {
	requireShell(t)
	tl := NewTailer(time.Second, logx.Nop(), WithCommand("sh", "-c", "echo 'log: Invalid predicate: foo ===' >&2; exit 64"))

	s, err := tl.Open(context.Background(), "foo ===")
	require.NoError(t, err)
	drain(t, s)
	assert.ErrorIs(t, s.Err(), ErrInvalidPredicate)
}

func TestTailerEmptyPredicate(t *testing.T) {
	tl := NewTailer(time.Second, logx.Nop())
	_, err := tl.Open(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestTailerCancelTerminatesProcess(t *testing.T) {
	requireShell(t)
	tl := NewTailer(200*time.Millisecond, logx.Nop(),
		WithCommand("sh", "-c", "trap '' TERM; while true; do echo tick; sleep 0.05; done"))

	ctx, cancel := context.WithCancel(context.Background())
	s, err := tl.Open(ctx, "p")
	require.NoError(t, err)

	select {
	case <-s.Lines():
	case <-time.After(2 * time.Second):
		t.Fatal("no output from tail process")
	}

	start := time.Now()
	cancel()
	drain(t, s)
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIsInvalidPredicate(t *testing.T) {
	assert.True(t, isInvalidPredicate("log: Invalid predicate: Unable to parse"))
	assert.True(t, isInvalidPredicate("Couldn't parse predicate"))
	assert.False(t, isInvalidPredicate("log: Permission denied"))
}
