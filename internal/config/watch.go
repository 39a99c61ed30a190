package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TalhaNadeem001/mac-imessage-gateway/pkg/logx"
)

// ReloadFunc receives a validated config that differs from the previous one,
// along with the names of the sections that changed.
type ReloadFunc func(prev, next *Config, changed []string)

// Reloader watches the config file and re-runs Load on change.
//
// Only configs that pass Validate and whose content actually changed reach
// the callback. The callback runs on the debounce timer goroutine, one at a
// time.
type Reloader struct {
	path     string
	log      logx.Logger
	debounce time.Duration
	onReload ReloadFunc

	mu       sync.Mutex
	cur      *Config
	lastHash uint64
}

func NewReloader(path string, current *Config, log logx.Logger, fn ReloadFunc) *Reloader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reloader{
		path:     path,
		log:      log,
		debounce: 250 * time.Millisecond,
		onReload: fn,
		cur:      current,
		lastHash: hashConfig(current),
	}
}

// Current returns the last accepted config.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Watch blocks until ctx is done. It returns an error when the underlying
// fsnotify watcher breaks so a restart loop can recreate it.
func (r *Reloader) Watch(ctx context.Context) error {
	if strings.TrimSpace(r.path) == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(r.path)
	file := filepath.Base(r.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	r.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			if ctx.Err() == nil {
				r.Reload()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			if err == nil {
				continue
			}
			// Overflow means events were lost.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				r.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				schedule()
				continue
			}
			r.log.Warn("config watch error", logx.Err(err))
		}
	}
}

// Reload re-reads the file now. It reports whether a new config was accepted.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.log.Warn("config reload failed", logx.String("path", r.path), logx.Err(err))
		return false
	}
	if err := next.Validate(); err != nil {
		r.log.Warn("config rejected", logx.String("path", r.path), logx.Err(err))
		return false
	}

	h := hashConfig(next)
	r.mu.Lock()
	if h != 0 && h == r.lastHash {
		r.mu.Unlock()
		r.log.Debug("config unchanged", logx.String("path", r.path))
		return false
	}
	prev := r.cur
	r.cur = next
	r.lastHash = h
	r.mu.Unlock()

	if r.onReload != nil {
		r.onReload(prev, next, ChangedSections(prev, next))
	}
	return true
}

// ChangedSections lists the top-level sections that differ, in file order.
func ChangedSections(prev, next *Config) []string {
	if prev == nil {
		prev = &Config{}
	}
	if next == nil {
		next = &Config{}
	}
	var out []string
	pv := reflect.ValueOf(prev).Elem()
	nv := reflect.ValueOf(next).Elem()
	t := pv.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		out = append(out, name)
	}
	return out
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
