package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pushworker/internal/bootcfg"
	logx "pushworker/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Update is published after a reload was validated and committed.
type Update struct {
	Config *Config
	// Boot is the worker Configuration derived from Config.Worker.
	Boot bootcfg.Config
	// Change is relative to the previously committed config.
	Change Change
	// BootChanged reports that the derived worker Configuration differs from
	// the one the running worker was built with.
	BootChanged bool
}

// snapshot is one committed config with everything derived from it.
type snapshot struct {
	cfg  *Config
	boot bootcfg.Config
	hash uint64
}

// Manager owns the host config file: it loads it, derives the worker
// Configuration, and republishes validated changes.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur snapshot

	// subsMu also guards sends so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan Update

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs a hook that runs on every reload before commit.
// Load does not call it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file, then validates it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) derive(cfg *Config) (snapshot, error) {
	boot, err := cfg.Worker.BootConfig()
	if err != nil {
		return snapshot{}, fmt.Errorf("worker: %w", err)
	}
	return snapshot{cfg: cfg, boot: boot, hash: hashConfig(cfg)}, nil
}

// Load parses the file and commits it without publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	snap, err := m.derive(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur = snap
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.cfg
}

// Boot returns the worker Configuration derived from the committed config.
func (m *Manager) Boot() bootcfg.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.boot
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Reload re-reads the file and, when it parses, validates and actually
// differs, commits and publishes it. Unchanged content is not an error.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	next, err := m.derive(cfg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	prev := m.cur
	m.mu.RUnlock()
	if next.hash != 0 && next.hash == prev.hash {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cur = next
	m.mu.Unlock()

	up := Update{
		Config:      cfg,
		Boot:        next.boot,
		Change:      SummarizeChange(prev.cfg, cfg),
		BootChanged: !reflect.DeepEqual(prev.boot, next.boot),
	}
	if up.Change.Empty() {
		m.log.Debug("config rewritten without effective changes", logx.String("path", m.path))
		return nil
	}
	m.publish(up)
	m.log.Debug("config published",
		logx.String("path", m.path),
		logx.String("hash", fmt.Sprintf("%x", next.hash)),
		logx.Bool("boot_changed", up.BootChanged),
	)
	return nil
}

func (m *Manager) Subscribe(buffer int) <-chan Update {
	ch := make(chan Update, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch <-chan Update) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(s)
			return
		}
	}
}

// publish never blocks: a full subscriber loses its oldest update.
func (m *Manager) publish(up Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- up:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- up:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the file whenever it changes until ctx ends. A broken
// watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	trigger, stop := m.debouncedReload(ctx)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffMin
	for {
		healthy, err := m.watchDir(ctx, dir, file, trigger)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = watchBackoffMin
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		backoff = min(backoff*2, watchBackoffMax)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// debouncedReload coalesces bursts of file events (editors write in several
// steps) into one Reload.
func (m *Manager) debouncedReload(ctx context.Context) (trigger, stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := m.Reload(ctx); err != nil {
				m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			}
		})
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	return trigger, stop
}

// watchDir runs one fsnotify watcher on dir. It returns when ctx ends or the
// watcher breaks; healthy reports whether the watch was established at all.
func (m *Manager) watchDir(ctx context.Context, dir, file string, trigger func()) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("add %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			// Editors often replace the file, so match the basename on any op.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				trigger()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				trigger()
				continue
			}
			if errors.Is(werr, fsnotify.ErrClosed) {
				return true, werr
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
		}
	}
}
