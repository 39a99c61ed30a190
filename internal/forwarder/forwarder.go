// Package forwarder relays inbound messages to a webhook. Delivery is
// at-most-once: a failed POST is logged and the next message is processed.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/eventbus"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/metrics"
	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// Payload is the webhook body. Field names match what existing receivers
// of the gateway expect.
type Payload struct {
	From      string    `json:"From"`
	To        string    `json:"To"`
	Body      string    `json:"Body"`
	Timestamp time.Time `json:"Timestamp"`
	ID        string    `json:"ID,omitempty"`
}

type Config struct {
	URL     string
	Timeout time.Duration
}

type Forwarder struct {
	cfg     Config
	client  *http.Client
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
}

type Option func(*Forwarder)

func WithClient(c *http.Client) Option      { return func(f *Forwarder) { f.client = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(f *Forwarder) { f.metrics = m } }
func WithBus(b eventbus.Bus) Option         { return func(f *Forwarder) { f.bus = b } }

func New(cfg Config, log logx.Logger, opts ...Option) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	f := &Forwarder{cfg: cfg, log: log}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: cfg.Timeout}
	}
	return f
}

// Run forwards messages until ctx is cancelled or in is closed. A closed
// channel is returned as an error so a restarting supervisor reopens the
// source.
func (f *Forwarder) Run(ctx context.Context, in <-chan transport.InboundMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return fmt.Errorf("inbound source closed")
			}
			f.Forward(ctx, msg)
		}
	}
}

// Forward delivers one message. It reports whether the webhook accepted it.
func (f *Forwarder) Forward(ctx context.Context, msg transport.InboundMessage) bool {
	if msg.FromMe {
		return false
	}
	sender := strings.TrimSpace(msg.Sender)
	if sender == "" {
		f.log.Debug("inbound message without sender skipped", logx.String("id", msg.ID))
		f.metrics.Forward("skipped", 0)
		return false
	}
	to := msg.Chat
	if to == "" {
		to = "unknown"
	}
	p := Payload{From: sender, To: to, Body: msg.Text, Timestamp: msg.ReceivedAt, ID: msg.ID}

	deliveryID := uuid.NewString()
	start := time.Now()
	err := f.post(ctx, deliveryID, p)
	took := time.Since(start)

	result := "ok"
	if err != nil {
		result = "failed"
		f.log.Warn("webhook delivery failed",
			logx.String("delivery_id", deliveryID),
			logx.String("from", sender),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		f.log.Info("inbound message forwarded", logx.String("delivery_id", deliveryID), logx.String("from", sender))
	}
	f.metrics.Forward(result, took)
	eventbus.Publish(f.bus, eventbus.TypeInboundForward, map[string]string{
		"delivery_id": deliveryID,
		"from":        sender,
		"result":      result,
	})
	return err == nil
}

func (f *Forwarder) post(ctx context.Context, deliveryID string, p Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook responded http=%d", resp.StatusCode)
	}
	return nil
}
