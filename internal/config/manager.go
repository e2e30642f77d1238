package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "castbot/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	watchBackoffBase   = 250 * time.Millisecond
	watchBackoffMax    = 5 * time.Second
	validateTimeout    = 5 * time.Second
	subscriberOverflow = "config update dropped (subscriber slow)"
)

// ConfigManager owns the live config: it parses the file, overlays the
// environment, validates, and republishes on change.
type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// lastHash skips republishing when an editor fires several events
	// for one save.
	lastHash uint64

	// subsMu also serializes publish against Unsubscribe so a closed
	// channel is never sent on.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs an extra check run by Watch before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file (JSON or YAML), rejects unknown keys and trailing
// data, and overlays CASTBOT_* environment variables.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := sourceJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load parses, validates and commits the config without publishing.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish delivers cfg to every subscriber. A full subscriber loses its
// oldest pending config so the newest always wins.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug(subscriberOverflow, logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload re-reads the file and publishes it when the content changed and
// both validation passes succeed.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// schedule debounces bursts of file events into one reload.
func (m *ConfigManager) schedule(ctx context.Context) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
	m.timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
}

// Watch reloads the config on file changes until ctx ends. A broken
// watcher is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	defer func() {
		m.timerMu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timerMu.Unlock()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase
	for {
		healthy, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = watchBackoffBase
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		backoff = min(backoff*2, watchBackoffMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher on the config directory. healthy
// reports whether the watcher started before it failed.
func (m *ConfigManager) watchOnce(ctx context.Context) (healthy bool, err error) {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, fmt.Errorf("watch events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				m.schedule(ctx)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, fmt.Errorf("watch errors closed")
			}
			if werr == nil {
				continue
			}
			msg := strings.ToLower(werr.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// Events may have been missed; reload once and keep going.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				m.schedule(ctx)
			case strings.Contains(msg, "closed"):
				return true, werr
			default:
				m.log.Warn("config watch error", logx.Err(werr))
			}
		}
	}
}
