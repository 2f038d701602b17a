package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager registers and fires hooks for session lifecycle events.
type Manager struct {
	hooks     map[EventType][]Hook
	stdioHook *StdioHook
	mu        sync.RWMutex
	pool      *executionPool
	log       *slog.Logger
	cfg       Config
}

// NewManager constructs a Manager. A nil logger falls back to slog.Default.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	m := &Manager{
		hooks: make(map[EventType][]Hook),
		log:   log,
		cfg:   cfg,
		pool:  newExecutionPool(cfg.Concurrency, log),
	}
	if cfg.StdioFormat != "" {
		_ = m.EnableStdioOutput(cfg.StdioFormat)
	}
	return m
}

// Register adds hook for eventType.
func (m *Manager) Register(eventType EventType, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("hooks: cannot register nil hook")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[eventType] = append(m.hooks[eventType], hook)
	m.log.Info("hook registered", "event_type", eventType, "hook_type", hook.Type(), "hook_id", hook.ID())
	return nil
}

// Unregister removes the hook with hookID from eventType, reporting whether
// it was present.
func (m *Manager) Unregister(eventType EventType, hookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.hooks[eventType]
	for i, h := range hs {
		if h.ID() == hookID {
			m.hooks[eventType] = append(hs[:i], hs[i+1:]...)
			return true
		}
	}
	return false
}

// Fire executes every hook registered for event.Type asynchronously, each
// bounded by cfg.Timeout, and fires the stdio hook (if enabled) regardless
// of registration.
func (m *Manager) Fire(ctx context.Context, event Event) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hs := make([]Hook, len(m.hooks[event.Type]))
	copy(hs, m.hooks[event.Type])
	if m.stdioHook != nil {
		hs = append(hs, m.stdioHook)
	}
	m.mu.RUnlock()

	if len(hs) == 0 {
		return
	}
	for _, h := range hs {
		m.pool.execute(ctx, h, event, m.cfg.Timeout)
	}
}

// EnableStdioOutput turns on a hook that writes every fired event to
// stderr in the given format ("json" or "env").
func (m *Manager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("hooks: unsupported stdio format %q", format)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = NewStdioHook("stdio", format)
	return nil
}

// Close waits for any in-flight hook executions to finish.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.close()
	}
}

type executionPool struct {
	workers chan struct{}
	log     *slog.Logger
}

func newExecutionPool(size int, log *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{workers: make(chan struct{}, size), log: log}
}

func (p *executionPool) execute(ctx context.Context, h Hook, event Event, timeout time.Duration) {
	go func() {
		p.workers <- struct{}{}
		defer func() { <-p.workers }()

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		err := h.Execute(execCtx, event)
		dur := time.Since(start)
		if err != nil {
			p.log.Error("hook execution failed", "hook_type", h.Type(), "hook_id", h.ID(), "event_type", event.Type, "duration_ms", dur.Milliseconds(), "error", err)
			return
		}
		p.log.Debug("hook executed", "hook_type", h.Type(), "hook_id", h.ID(), "event_type", event.Type, "duration_ms", dur.Milliseconds())
	}()
}

func (p *executionPool) close() {
	for i := 0; i < cap(p.workers); i++ {
		p.workers <- struct{}{}
	}
}
