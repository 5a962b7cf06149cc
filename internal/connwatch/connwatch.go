// Package connwatch tracks the health of model backends. Each watched
// backend is pinged in the background: while it is down the probe
// interval backs off exponentially (2s, 4s, 8s, ... capped at 60s), and
// once it answers the watcher settles into a steady poll. Transitions
// are logged and published on the operational event bus.
//
// Capability servers are not watched here. Their sessions recover
// lazily on next use.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/conduit/internal/events"
)

// Pinger is anything whose reachability can be checked. llm.Client
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	InitialDelay time.Duration // First retry after a failed probe (default 2s)
	MaxDelay     time.Duration // Ceiling for retry growth (default 60s)
	Multiplier   float64       // Growth per failed probe (default 2)
	PollInterval time.Duration // Interval while the backend is up (default 60s)
	ProbeTimeout time.Duration // Bound on a single probe (default 10s)
}

// DefaultBackoffConfig returns the production schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next returns the delay that follows cur after another failure.
func (b BackoffConfig) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * b.Multiplier)
	if n > b.MaxDelay {
		n = b.MaxDelay
	}
	return n
}

// Status is a backend's health, as reported by GET /health.
type Status struct {
	Backend   string    `json:"backend"`
	Ready     bool      `json:"ready"`
	Probes    int       `json:"probes"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one backend until stopped.
type Watcher struct {
	name    string
	pinger  Pinger
	backoff BackoffConfig
	logger  *slog.Logger
	bus     *events.Bus

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	checked bool
	ready   bool
	probes  int
	lastErr error
	lastAt  time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Backend:   w.name,
		Ready:     w.ready,
		Probes:    w.probes,
		LastCheck: w.lastAt,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for {
		if w.probe(ctx) {
			delay = w.backoff.InitialDelay
			if !sleepCtx(ctx, w.backoff.PollInterval) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = w.backoff.next(delay)
	}
}

// probe pings once, records the outcome, and reports whether the
// backend is up.
func (w *Watcher) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.pinger.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; the failure says nothing about the backend.
		return false
	}

	w.mu.Lock()
	first := !w.checked
	was := w.ready
	w.checked = true
	w.ready = err == nil
	w.probes++
	w.lastErr = err
	w.lastAt = time.Now()
	w.mu.Unlock()

	up := err == nil
	switch {
	case first && up:
		w.logger.Info("model backend ready")
	case first:
		w.logger.Warn("model backend unreachable, retrying with backoff", "error", err)
	case was && !up:
		w.logger.Warn("model backend went down", "error", err)
	case !was && up:
		w.logger.Info("model backend recovered")
	default:
		if !up {
			w.logger.Debug("model backend still unreachable", "error", err)
		}
		return up
	}

	data := map[string]any{"backend": w.name, "ready": up}
	if err != nil {
		data["error"] = err.Error()
	}
	w.bus.Emit(events.SourceModel, events.KindBackendState, data)
	return up
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for every configured backend.
type Manager struct {
	logger  *slog.Logger
	bus     *events.Bus
	backoff BackoffConfig

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. Transitions are published on bus, which
// may be nil. A zero backoff uses DefaultBackoffConfig.
func NewManager(logger *slog.Logger, bus *events.Bus, backoff BackoffConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		bus:      bus,
		backoff:  backoff.withDefaults(),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing p under name until ctx ends or Stop is called.
// Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, p Pinger) *Watcher {
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		pinger:  p,
		backoff: m.backoff,
		logger:  m.logger.With("backend", name),
		bus:     m.bus,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Ready reports whether the named backend is up. Unknown names are not.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	w := m.watchers[name]
	m.mu.RUnlock()
	return w != nil && w.Ready()
}

// Status returns every backend's status, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Stop shuts down every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
