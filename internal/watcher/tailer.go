package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// ErrInvalidPredicate means the log subsystem rejected the predicate.
// Reopening the stream cannot fix it.
var ErrInvalidPredicate = errors.New("invalid log predicate")

// ErrStreamClosed ends a stream whose process exited cleanly.
var ErrStreamClosed = errors.New("log stream closed")

// LogLine is one raw line of the system log with its arrival time.
type LogLine struct {
	Text string
	At   time.Time
}

// LineSource opens a fresh log stream filtered by predicate.
type LineSource interface {
	Open(ctx context.Context, predicate string) (*Stream, error)
}

// Stream is a single, non-restartable sequence of log lines. Lines is closed
// when the underlying reader ends; Err then reports why.
type Stream struct {
	lines chan LogLine
	done  chan struct{}
	err   error
}

func newStream(buffer int) *Stream {
	return &Stream{lines: make(chan LogLine, buffer), done: make(chan struct{})}
}

func (s *Stream) Lines() <-chan LogLine { return s.lines }

// Err blocks until the stream has ended and returns the cause. A clean end
// of input is reported as a closed-stream error since the log never ends on
// its own.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) finish(err error) {
	if err == nil {
		err = ErrStreamClosed
	}
	s.err = err
	close(s.done)
	close(s.lines)
}

// Tailer runs `log stream` and turns its stdout into a Stream.
type Tailer struct {
	name      string
	args      func(predicate string) []string
	killGrace time.Duration
	log       logx.Logger
}

type TailerOption func(*Tailer)

// WithCommand replaces the log binary and its arguments. The predicate is
// not passed to the replacement.
func WithCommand(name string, args ...string) TailerOption {
	return func(t *Tailer) {
		t.name = name
		t.args = func(string) []string { return args }
	}
}

func NewTailer(killGrace time.Duration, log logx.Logger, opts ...TailerOption) *Tailer {
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	t := &Tailer{
		name: "log",
		args: func(p string) []string {
			return []string{"stream", "--predicate", p, "--style", "compact", "--info"}
		},
		killGrace: killGrace,
		log:       log,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open starts the log process. Cancelling ctx sends SIGTERM and, after the
// kill grace period, SIGKILL.
func (t *Tailer) Open(ctx context.Context, predicate string) (*Stream, error) {
	if strings.TrimSpace(predicate) == "" {
		return nil, ErrInvalidPredicate
	}

	cmd := exec.CommandContext(ctx, t.name, t.args(predicate)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = t.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", t.name, err)
	}
	t.log.Debug("log stream started", logx.Int("pid", cmd.Process.Pid), logx.String("predicate", predicate))

	s := newStream(256)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		entries := false
		for sc.Scan() {
			if ctx.Err() != nil {
				// Keep draining until the process exits so Wait can reap it.
				continue
			}
			if !entries {
				if isPreamble(sc.Text()) {
					continue
				}
				entries = true
			}
			select {
			case s.lines <- LogLine{Text: sc.Text(), At: time.Now()}:
			case <-ctx.Done():
			}
		}
		scanErr := sc.Err()
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			s.finish(ctx.Err())
		case isInvalidPredicate(stderr.String()):
			s.finish(fmt.Errorf("%w: %s", ErrInvalidPredicate, strings.TrimSpace(stderr.String())))
		case scanErr != nil:
			s.finish(fmt.Errorf("read log stream: %w", scanErr))
		case waitErr != nil:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				s.finish(fmt.Errorf("%s exited: %w: %s", t.name, waitErr, msg))
			} else {
				s.finish(fmt.Errorf("%s exited: %w", t.name, waitErr))
			}
		default:
			s.finish(nil)
		}
	}()
	return s, nil
}

// isPreamble matches what `log stream` prints before its first entry: the
// banner echoing the predicate and the column header. The banner contains the
// predicate text and would otherwise match the call pattern on every open.
func isPreamble(line string) bool {
	return strings.HasPrefix(line, "Filtering the log data") ||
		strings.HasPrefix(line, "Timestamp ")
}

func isInvalidPredicate(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "predicate") && (strings.Contains(s, "invalid") || strings.Contains(s, "parse"))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = t.b[len(t.b)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
