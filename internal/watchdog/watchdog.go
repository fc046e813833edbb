// Package watchdog runs the periodic liveness sweep over session
// bindings and triggers recovery for the silent ones.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sessionbrain/sessionbrain/internal/allocator"
	"github.com/sessionbrain/sessionbrain/internal/events"
	"github.com/sessionbrain/sessionbrain/internal/inventory"
)

// Config holds sweep timing. A session is stale only when the gap since
// its last ping exceeds PingTimeout; a single missed ping inside the
// window never counts.
type Config struct {
	Interval    time.Duration `json:"interval" envconfig:"INTERVAL"`
	PingTimeout time.Duration `json:"pingTimeout" envconfig:"PING_TIMEOUT"`
}

// DefaultConfig returns watchdog defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		PingTimeout: 3 * time.Minute,
	}
}

// Notifier delivers recovery alerts. Delivery is external; nil disables it.
type Notifier interface {
	Notify(ctx context.Context, subject, text string) error
}

// Watchdog observes bindings and recovers stale sessions through the
// allocator, never by mutating them directly.
type Watchdog struct {
	cfg      Config
	alloc    *allocator.Allocator
	proxies  *inventory.ProxyPool
	launcher allocator.Launcher
	bus      *events.Bus
	notifier Notifier
	now      func() time.Time
}

// New creates a Watchdog. launcher, bus, and notifier may be nil.
func New(cfg Config, alloc *allocator.Allocator, proxies *inventory.ProxyPool, launcher allocator.Launcher, bus *events.Bus, notifier Notifier) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConfig().PingTimeout
	}
	return &Watchdog{
		cfg:      cfg,
		alloc:    alloc,
		proxies:  proxies,
		launcher: launcher,
		bus:      bus,
		notifier: notifier,
		now:      time.Now,
	}
}

// Run drives the sweep loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	slog.Info("Watchdog started", "interval", w.cfg.Interval, "pingTimeout", w.cfg.PingTimeout)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Watchdog stopped")
			return ctx.Err()
		case t := <-ticker.C:
			w.Sweep(ctx, t)
		}
	}
}

// Sweep checks every non-terminal binding once. One session's failing
// recovery never aborts the sweep for the rest. Returns the number of
// stale sessions found.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) int {
	stale := 0
	for _, b := range w.alloc.Bindings() {
		if b.Status.Terminal() {
			continue
		}
		gap := now.Sub(b.LastPingAt)
		if gap <= w.cfg.PingTimeout {
			continue
		}
		stale++
		slog.Warn("Watchdog found stale session", "session", b.SessionID, "gap", gap, "proxy", b.ProxyID)
		if w.bus != nil {
			w.bus.Publish(&events.Event{Kind: events.KindSessionStale, SessionID: b.SessionID, Phone: b.Phone, ProxyID: b.ProxyID,
				Detail: map[string]any{"gap_ms": gap.Milliseconds()}})
		}
		w.recover(ctx, b)
	}
	return stale
}

// recover picks the recovery action for one stale binding: a burn when
// the proxy is suspect, otherwise a worker restart via the launcher.
func (w *Watchdog) recover(ctx context.Context, b allocator.SessionBinding) {
	if err := w.alloc.MarkStale(b.SessionID); err != nil {
		slog.Error("Watchdog mark stale failed", "session", b.SessionID, "error", err)
		return
	}

	if w.proxies.IsBad(b.ProxyID) {
		migs := w.alloc.HandleProxyBurn(b.ProxyID, "stale session on blocked proxy")
		w.notify(ctx, "proxy burn", b.SessionID, len(migs))
		return
	}

	if w.launcher != nil {
		spec := allocator.LaunchSpec{Phone: b.Phone, ProxyID: b.ProxyID, ProfileID: b.ProfileID}
		if err := w.launcher.Launch(b.SessionID, spec); err != nil {
			slog.Error("Watchdog restart failed", "session", b.SessionID, "error", err)
			return
		}
	}
	w.notify(ctx, "worker restart", b.SessionID, 1)
}

func (w *Watchdog) notify(ctx context.Context, action, sessionID string, affected int) {
	if w.notifier == nil {
		return
	}
	text := fmt.Sprintf("watchdog recovery: %s for session %s (%d affected)", action, sessionID, affected)
	if err := w.notifier.Notify(ctx, "session recovery", text); err != nil {
		slog.Warn("Watchdog notify failed", "error", err)
	}
}
