package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type fakeActuator struct {
	mu         sync.Mutex
	calls      []string
	restartErr error
	sendErr    error
	block      chan struct{}
	onRestart  func()
}

func (f *fakeActuator) Restart(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.onRestart != nil {
		f.onRestart()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart")
	return f.restartErr
}

func (f *fakeActuator) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send "+to+" "+text)
	return f.sendErr
}

func (f *fakeActuator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestExecutor(tr Actuator, cooldown time.Duration, opts ...ExecutorOption) (*Executor, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	e := NewExecutor(ExecutorConfig{
		Recipient: "+15550009999",
		Message:   "busy",
		Cooldown:  cooldown,
		Timeout:   time.Second,
	}, tr, logx.Nop(), opts...)
	e.now = clk.Now
	return e, clk
}

func TestExecutorRestartsThenSends(t *testing.T) {
	tr := &fakeActuator{}
	e, clk := newTestExecutor(tr, 30*time.Second)

	res := e.OnEvent(context.Background(), CallEvent{DetectedAt: clk.Now()})
	assert.Equal(t, Succeeded, res.Outcome)

	clk.Advance(31 * time.Second)
	res = e.OnEvent(context.Background(), CallEvent{DetectedAt: clk.Now()})
	assert.Equal(t, Succeeded, res.Outcome)

	assert.Equal(t, []string{
		"restart", "send +15550009999 busy",
		"restart", "send +15550009999 busy",
	}, tr.Calls())
}

func TestExecutorCooldownSkips(t *testing.T) {
	tr := &fakeActuator{}
	e, clk := newTestExecutor(tr, 30*time.Second)

	require.Equal(t, Succeeded, e.OnEvent(context.Background(), CallEvent{}).Outcome)
	clk.Advance(10 * time.Second)

	res := e.OnEvent(context.Background(), CallEvent{})
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "cooldown", res.Reason)
	assert.Len(t, tr.Calls(), 2)
}

func TestExecutorRestartFailureSkipsSendButStartsCooldown(t *testing.T) {
	tr := &fakeActuator{restartErr: errors.New("osascript: not authorized")}
	e, clk := newTestExecutor(tr, 30*time.Second)

	res := e.OnEvent(context.Background(), CallEvent{})
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, "restart", res.Reason)
	assert.Equal(t, []string{"restart"}, tr.Calls())
	assert.Equal(t, clk.Now(), e.LastActionAt())

	clk.Advance(time.Second)
	assert.Equal(t, Skipped, e.OnEvent(context.Background(), CallEvent{}).Outcome)
}

func TestExecutorSendFailureIsPartial(t *testing.T) {
	tr := &fakeActuator{sendErr: errors.New("buddy not found")}
	e, _ := newTestExecutor(tr, time.Minute)

	res := e.OnEvent(context.Background(), CallEvent{})
	assert.Equal(t, PartialFailure, res.Outcome)
	assert.Error(t, res.Err)
	assert.False(t, e.LastActionAt().IsZero())
}

func TestExecutorSingleFlight(t *testing.T) {
	tr := &fakeActuator{block: make(chan struct{})}
	e, _ := newTestExecutor(tr, 0)

	first := make(chan ActionResult, 1)
	go func() { first <- e.OnEvent(context.Background(), CallEvent{}) }()
	require.Eventually(t, e.busy.Load, time.Second, time.Millisecond)

	res := e.OnEvent(context.Background(), CallEvent{})
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "busy", res.Reason)

	res = e.RestartOnly(context.Background(), "maintenance")
	assert.Equal(t, Skipped, res.Outcome)

	close(tr.block)
	assert.Equal(t, Succeeded, (<-first).Outcome)
	assert.Equal(t, []string{"restart", "send +15550009999 busy"}, tr.Calls())
}

func TestExecutorRestartOnlyDoesNotSend(t *testing.T) {
	tr := &fakeActuator{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	e, _ := newTestExecutor(tr, time.Minute, WithExecutorBus(bus))

	res := e.RestartOnly(context.Background(), "maintenance")
	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, []string{"restart"}, tr.Calls())

	ev := <-ch
	assert.Equal(t, eventbus.TypeDeclineResult, ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "maintenance", data["trigger"])
	assert.Equal(t, "succeeded", data["result"])
}

func TestExecutorCooldownStartsWhenSequenceEnds(t *testing.T) {
	tr := &fakeActuator{}
	e, clk := newTestExecutor(tr, 30*time.Second)
	tr.onRestart = func() { clk.Advance(20 * time.Second) }

	require.Equal(t, Succeeded, e.OnEvent(context.Background(), CallEvent{}).Outcome)
	assert.Equal(t, clk.Now(), e.LastActionAt())

	clk.Advance(15 * time.Second)
	res := e.OnEvent(context.Background(), CallEvent{})
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, "cooldown", res.Reason)
	assert.Len(t, tr.Calls(), 2)
}

func TestExecutorMaintenanceRestartLeavesCooldownAlone(t *testing.T) {
	tr := &fakeActuator{}
	e, clk := newTestExecutor(tr, 30*time.Second)

	require.Equal(t, Succeeded, e.RestartOnly(context.Background(), "maintenance").Outcome)
	assert.True(t, e.LastActionAt().IsZero())

	clk.Advance(5 * time.Second)
	assert.Equal(t, Succeeded, e.OnEvent(context.Background(), CallEvent{}).Outcome)
	assert.Equal(t, []string{"restart", "restart", "send +15550009999 busy"}, tr.Calls())
}
