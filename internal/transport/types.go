package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSend wraps failures of the underlying send operation.
	ErrSend = errors.New("transport send failed")
	// ErrRestart wraps failures of the restart sequence.
	ErrRestart = errors.New("transport restart failed")
)

// InboundMessage is one message received by the messaging client.
type InboundMessage struct {
	ID         string
	Sender     string
	Chat       string
	Text       string
	ReceivedAt time.Time
	FromMe     bool
}

// Sender delivers one text message to a recipient (phone number, email or chat id).
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Restarter restarts the messaging client. Restarting interrupts in-flight sends.
type Restarter interface {
	Restart(ctx context.Context) error
}

// InboundSource yields received messages until ctx is cancelled or the
// source fails, at which point the channel is closed.
type InboundSource interface {
	Inbound(ctx context.Context) (<-chan InboundMessage, error)
}

// Transport is the full messaging capability used by the gateway.
type Transport interface {
	Sender
	Restarter
	InboundSource
}
