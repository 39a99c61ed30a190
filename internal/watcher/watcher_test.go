package watcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// fakeSource hands out one scripted stream per Open call.
type fakeSource struct {
	opens atomic.Int32
	open  func(ctx context.Context, n int) (*Stream, error)
}

func (f *fakeSource) Open(ctx context.Context, _ string) (*Stream, error) {
	n := int(f.opens.Add(1))
	return f.open(ctx, n)
}

// scripted emits lines then ends with err.
func scripted(lines []string, err error) *Stream {
	s := newStream(len(lines) + 1)
	for _, l := range lines {
		s.lines <- LogLine{Text: l, At: time.Now()}
	}
	s.finish(err)
	return s
}

// endless stays open until ctx is cancelled.
func endless(ctx context.Context) *Stream {
	s := newStream(1)
	go func() {
		<-ctx.Done()
		s.finish(ctx.Err())
	}()
	return s
}

type countingHandler struct {
	mu     sync.Mutex
	events []CallEvent
}

func (h *countingHandler) OnEvent(_ context.Context, ev CallEvent) ActionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return ActionResult{Outcome: Succeeded}
}

func (h *countingHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func collectStates(t *testing.T, ch <-chan eventbus.Event, want int) []string {
	t.Helper()
	var got []string
	deadline := time.After(3 * time.Second)
	for len(got) < want {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.TypeWatcherState {
				continue
			}
			got = append(got, ev.Data.(map[string]string)["to"])
		case <-deadline:
			t.Fatalf("timed out waiting for states, got %v", got)
		}
	}
	return got
}

func TestWatcherReopensAfterStreamCloses(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, n int) (*Stream, error) {
		if n == 1 {
			return scripted(nil, nil), nil
		}
		return endless(ctx), nil
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	w := New(Config{Predicate: "p", Pattern: callPattern, CrashBackoff: 20 * time.Millisecond},
		src, &countingHandler{}, logx.Nop(), WithBus(bus))
	require.NoError(t, w.Start(context.Background()))

	states := collectStates(t, ch, 5)
	assert.Equal(t, []string{"starting", "running", "crashed", "starting", "running"}, states)
	assert.Equal(t, Running, w.State())
	assert.EqualValues(t, 1, w.Snapshot().Restarts)
	assert.Contains(t, w.Snapshot().LastError, "log stream closed")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, []string{"stopping", "stopped"}, collectStates(t, ch, 2))
	assert.EqualValues(t, 2, src.opens.Load())
}

func TestWatcherStopsOnInvalidPredicate(t *testing.T) {
	src := &fakeSource{open: func(context.Context, int) (*Stream, error) {
		return scripted(nil, fmt.Errorf("%w: bad token", ErrInvalidPredicate)), nil
	}}
	w := New(Config{Predicate: "eventMessage ===", Pattern: callPattern, CrashBackoff: time.Millisecond},
		src, &countingHandler{}, logx.Nop())
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return w.State() == Stopped && src.opens.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, src.opens.Load())
	assert.Contains(t, w.Snapshot().LastError, "invalid log predicate")

	require.NoError(t, w.Stop(context.Background()))
}

func TestWatcherDispatchesDebouncedCalls(t *testing.T) {
	ring := []string{
		"...CallKit... IncomingCall...",
		"...CallKit... IncomingCall...",
		"unrelated",
		"...CallKit... IncomingCall...",
	}
	src := &fakeSource{open: func(ctx context.Context, n int) (*Stream, error) {
		if n == 1 {
			s := newStream(len(ring))
			for _, l := range ring {
				s.lines <- LogLine{Text: l, At: time.Now()}
			}
			go func() {
				<-ctx.Done()
				s.finish(ctx.Err())
			}()
			return s, nil
		}
		return endless(ctx), nil
	}}
	h := &countingHandler{}
	w := New(Config{Predicate: "p", Pattern: callPattern, Debounce: 5 * time.Second}, src, h, logx.Nop())
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.Len())
	assert.EqualValues(t, 1, w.Snapshot().Events)
}

func TestWatcherStartTwice(t *testing.T) {
	src := &fakeSource{open: func(ctx context.Context, _ int) (*Stream, error) { return endless(ctx), nil }}
	w := New(Config{Predicate: "p", Pattern: callPattern}, src, &countingHandler{}, logx.Nop())
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), errAlreadyStarted)
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, Stopped, w.State())

	// Stop is idempotent.
	require.NoError(t, w.Stop(context.Background()))
}
