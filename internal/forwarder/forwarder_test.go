package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type recorder struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newWebhook(t *testing.T, failFrom string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, p)
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.mu.Unlock()
		if p.From == failFrom {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestForwardIsolatesFailures(t *testing.T) {
	srv, rec := newWebhook(t, "+3")
	f := New(Config{URL: srv.URL, Timeout: time.Second}, logx.Nop())

	in := make(chan transport.InboundMessage, 5)
	for _, s := range []string{"+1", "+2", "+3", "+4", "+5"} {
		in <- transport.InboundMessage{ID: "id" + s, Sender: s, Chat: "chat", Text: "hello " + s}
	}
	close(in)

	err := f.Run(context.Background(), in)
	require.Error(t, err)

	require.Equal(t, 5, rec.Len())
	var from []string
	for _, p := range rec.payloads {
		from = append(from, p.From)
	}
	assert.Equal(t, []string{"+1", "+2", "+3", "+4", "+5"}, from)
}

func TestForwardPayloadAndHeaders(t *testing.T) {
	srv, rec := newWebhook(t, "")
	f := New(Config{URL: srv.URL}, logx.Nop())

	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	ok := f.Forward(context.Background(), transport.InboundMessage{
		ID: "guid-1", Sender: " +15550001111 ", Text: "yo", ReceivedAt: at,
	})
	require.True(t, ok)

	require.Equal(t, 1, rec.Len())
	p := rec.payloads[0]
	assert.Equal(t, "+15550001111", p.From)
	assert.Equal(t, "unknown", p.To)
	assert.Equal(t, "yo", p.Body)
	assert.True(t, at.Equal(p.Timestamp))
	assert.Equal(t, "guid-1", p.ID)

	_, err := uuid.Parse(rec.headers[0].Get("X-Delivery-ID"))
	assert.NoError(t, err)
	assert.Equal(t, "application/json", rec.headers[0].Get("Content-Type"))
}

func TestForwardSkipsOwnAndAnonymousMessages(t *testing.T) {
	srv, rec := newWebhook(t, "")
	f := New(Config{URL: srv.URL}, logx.Nop())

	assert.False(t, f.Forward(context.Background(), transport.InboundMessage{Sender: "+1", FromMe: true}))
	assert.False(t, f.Forward(context.Background(), transport.InboundMessage{Sender: "  "}))
	assert.Equal(t, 0, rec.Len())
}

func TestForwardTimeoutDoesNotStopLoop(t *testing.T) {
	release := make(chan struct{})
	var hits sync.WaitGroup
	hits.Add(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer hits.Done()
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.From == "slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, logx.Nop())
	assert.False(t, f.Forward(context.Background(), transport.InboundMessage{Sender: "slow"}))
	assert.True(t, f.Forward(context.Background(), transport.InboundMessage{Sender: "fast"}))
	hits.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	f := New(Config{URL: "http://127.0.0.1:1"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Run(ctx, make(chan transport.InboundMessage))
	assert.ErrorIs(t, err, context.Canceled)
}
