// Package imessage drives the macOS Messages client: AppleScript for sending
// and restarting, the local chat.db for inbound messages.
package imessage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

type Config struct {
	// ChatDB is the absolute path of ~/Library/Messages/chat.db.
	ChatDB string
	// PollInterval is the fallback scan period when no file event arrives.
	PollInterval time.Duration
	// Service is "iMessage" or "SMS".
	Service string
	// Osascript is the osascript binary.
	Osascript string
	// RestartSettle is how long to wait between killing and relaunching.
	RestartSettle time.Duration
	// KillProcesses are killed (best-effort) during a restart.
	KillProcesses []string
}

type Transport struct {
	cfg Config
	log logx.Logger
	run Runner

	// Messages.app handles one scripted send at a time.
	sendMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// relaunchTimeout bounds `open -a Messages` after the caller's context ended.
const relaunchTimeout = 10 * time.Second

type Option func(*Transport)

// WithRunner replaces the os/exec runner.
func WithRunner(r Runner) Option {
	return func(t *Transport) { t.run = r }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Osascript) == "" {
		cfg.Osascript = "osascript"
	}
	t := &Transport{cfg: cfg, log: log, run: execRunner{}}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send delivers text to the recipient through Messages.app. Calls are serialized.
func (t *Transport) Send(ctx context.Context, to, text string) error {
	script, err := sendScript(t.cfg.Service)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSend, err)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	start := time.Now()
	if _, err := t.run.Run(ctx, t.cfg.Osascript, "-e", script, to, text); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSend, err)
	}
	t.log.Debug("message sent", logx.String("to", to), logx.Duration("took", time.Since(start)))
	return nil
}

// Restart quits FaceTime and Messages, kills the call helper processes,
// waits RestartSettle and relaunches Messages in the background. Once Messages
// has quit it is always relaunched, even when ctx ends during the settle delay.
//
// It does not take the send lock: a send in flight may fail.
func (t *Transport) Restart(ctx context.Context) error {
	if _, err := t.run.Run(ctx, t.cfg.Osascript, "-e", quitScript); err != nil {
		return fmt.Errorf("%w: quit: %v", transport.ErrRestart, err)
	}
	for _, name := range t.cfg.KillProcesses {
		name = strings.TrimSpace(name)
		if name == "" || ctx.Err() != nil {
			continue
		}
		// killall exits 1 when nothing matched; that is the common case.
		if _, err := t.run.Run(ctx, "killall", name); err != nil {
			t.log.Debug("killall skipped", logx.String("process", name), logx.Err(err))
		}
	}

	var interrupted error
	if t.cfg.RestartSettle > 0 {
		timer := time.NewTimer(t.cfg.RestartSettle)
		select {
		case <-ctx.Done():
			timer.Stop()
			interrupted = ctx.Err()
		case <-timer.C:
		}
	} else {
		interrupted = ctx.Err()
	}

	relaunchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relaunchTimeout)
	defer cancel()
	if _, err := t.run.Run(relaunchCtx, "open", "-g", "-a", "Messages"); err != nil {
		return fmt.Errorf("%w: relaunch: %v", transport.ErrRestart, err)
	}
	if interrupted != nil {
		t.log.Warn("messages relaunched early", logx.Err(interrupted))
		return fmt.Errorf("%w: %v", transport.ErrRestart, interrupted)
	}
	t.log.Info("messages restarted")
	return nil
}

// Inbound streams messages written to chat.db after the call. The directory
// is watched with fsnotify (the database and its WAL) and rescanned every
// PollInterval as a fallback.
func (t *Transport) Inbound(ctx context.Context) (<-chan transport.InboundMessage, error) {
	db, err := openChatDB(t.cfg.ChatDB)
	if err != nil {
		return nil, err
	}
	cursor, err := db.latestRowID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chat.db cursor: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(t.cfg.ChatDB)); err != nil {
		_ = w.Close()
		_ = db.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(t.cfg.ChatDB), err)
	}

	out := make(chan transport.InboundMessage, 64)
	go func() {
		defer close(out)
		defer db.Close()
		defer w.Close()
		t.pump(ctx, db, w, cursor, out)
	}()
	t.log.Info("inbound watch started", logx.String("chat_db", t.cfg.ChatDB), logx.Int64("cursor", cursor))
	return out, nil
}

func (t *Transport) pump(ctx context.Context, db *chatDB, w *fsnotify.Watcher, cursor int64, out chan<- transport.InboundMessage) {
	base := filepath.Base(t.cfg.ChatDB)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				t.log.Warn("chat.db watcher closed")
				return
			}
			// chat.db, chat.db-wal and chat.db-shm all signal new rows.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				t.log.Warn("chat.db watcher closed")
				return
			}
			t.log.Warn("chat.db watch error", logx.Err(err))
			continue
		case <-ticker.C:
		}

		next, ok := t.scan(ctx, db, cursor, out)
		if !ok {
			return
		}
		cursor = next
	}
}

// scan emits every row after cursor and returns the new cursor. ok is false
// when ctx ended while delivering.
func (t *Transport) scan(ctx context.Context, db *chatDB, cursor int64, out chan<- transport.InboundMessage) (int64, bool) {
	for {
		rows, err := db.since(ctx, cursor, 100)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("chat.db scan failed", logx.Err(err), logx.Int64("cursor", cursor))
			}
			return cursor, ctx.Err() == nil
		}
		for _, r := range rows {
			select {
			case out <- r.msg:
			case <-ctx.Done():
				return cursor, false
			}
			cursor = r.rowID
		}
		if len(rows) < 100 {
			return cursor, true
		}
	}
}
