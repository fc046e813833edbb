// Package allocator binds phone identities to workers, proxies, and
// profiles, enforcing capacity limits, sticky proxy reuse, and the
// session status state machine.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionbrain/sessionbrain/internal/events"
	"github.com/sessionbrain/sessionbrain/internal/inventory"
)

// Capacity and lookup errors. Capacity failures are surfaced to the
// caller as-is; retry policy is theirs, never ours.
var (
	ErrAlreadyAllocated  = errors.New("session already allocated")
	ErrPhoneLimitReached = errors.New("phone session limit reached")
	ErrNotFound          = errors.New("session not found")
)

// LaunchSpec carries the parameters a worker process needs.
type LaunchSpec struct {
	Phone     string `json:"phone"`
	ProxyID   string `json:"proxy_id"`
	ProfileID string `json:"profile_id"`
}

// Launcher starts and stops worker processes. Process management itself
// lives outside the control plane.
type Launcher interface {
	Launch(sessionID string, spec LaunchSpec) error
	Terminate(sessionID string) error
}

// Recorder is the audit surface the allocator writes through.
type Recorder interface {
	RecordTransition(sessionID, from, to, detail string) error
	RecordAllocation(sessionID, phone, proxyID, profileID string) error
	RecordRelease(sessionID, phone, proxyID string) error
}

// Config holds allocator limits.
type Config struct {
	MaxSessionsPerPhone  int           `json:"maxSessionsPerPhone" envconfig:"MAX_SESSIONS_PER_PHONE"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts" envconfig:"MAX_RECONNECT_ATTEMPTS"`
	StickyTTL            time.Duration `json:"stickyTTL" envconfig:"STICKY_TTL"`
}

// DefaultConfig returns allocator defaults. StickyTTL zero means sticky
// mappings never expire.
func DefaultConfig() Config {
	return Config{
		MaxSessionsPerPhone:  1,
		MaxReconnectAttempts: 5,
		StickyTTL:            30 * 24 * time.Hour,
	}
}

// Allocation is the result of a successful Allocate.
type Allocation struct {
	SessionID string `json:"session_id"`
	ProxyID   string `json:"proxy_id"`
	ProfileID string `json:"profile_id"`
}

// Migration describes one session moved off a burned proxy.
type Migration struct {
	SessionID  string `json:"session_id"`
	Phone      string `json:"phone"`
	OldProxyID string `json:"old_proxy_id"`
	NewProxyID string `json:"new_proxy_id"`
}

type stickyEntry struct {
	proxyID   string
	updatedAt time.Time
}

// Allocator owns session bindings and the sticky phone→proxy map.
type Allocator struct {
	mu       sync.Mutex
	cfg      Config
	proxies  *inventory.ProxyPool
	profiles *inventory.ProfilePool
	bindings map[string]*SessionBinding
	sticky   map[string]stickyEntry
	launcher Launcher
	audit    Recorder
	bus      *events.Bus
	now      func() time.Time
}

// New creates an Allocator. launcher, audit, and bus may be nil.
func New(cfg Config, proxies *inventory.ProxyPool, profiles *inventory.ProfilePool, launcher Launcher, audit Recorder, bus *events.Bus) *Allocator {
	if cfg.MaxSessionsPerPhone <= 0 {
		cfg.MaxSessionsPerPhone = 1
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultConfig().MaxReconnectAttempts
	}
	return &Allocator{
		cfg:      cfg,
		proxies:  proxies,
		profiles: profiles,
		bindings: make(map[string]*SessionBinding),
		sticky:   make(map[string]stickyEntry),
		launcher: launcher,
		audit:    audit,
		bus:      bus,
		now:      time.Now,
	}
}

func (a *Allocator) publish(ev *events.Event) {
	if a.bus != nil {
		a.bus.Publish(ev)
	}
}

// stickyProxy returns the unexpired sticky proxy for a phone, if any.
// Called with the allocator lock held.
func (a *Allocator) stickyProxy(phone string) (string, bool) {
	e, ok := a.sticky[phone]
	if !ok {
		return "", false
	}
	if a.cfg.StickyTTL > 0 && a.now().Sub(e.updatedAt) > a.cfg.StickyTTL {
		delete(a.sticky, phone)
		return "", false
	}
	return e.proxyID, true
}

func (a *Allocator) setSticky(phone, proxyID string) {
	a.sticky[phone] = stickyEntry{proxyID: proxyID, updatedAt: a.now()}
}

// Allocate binds a phone to a worker, a proxy, and a profile. Proxy
// selection prefers the phone's sticky proxy, then the least-loaded
// available one. The binding record is the last, confirming write; on
// any failure after the profile was consumed it is returned first.
func (a *Allocator) Allocate(phone, requestedSessionID string) (Allocation, error) {
	a.mu.Lock()

	sessionID := requestedSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, exists := a.bindings[sessionID]; exists {
		a.mu.Unlock()
		return Allocation{}, fmt.Errorf("allocate %s: %w", sessionID, ErrAlreadyAllocated)
	}

	active := 0
	for _, b := range a.bindings {
		if b.Phone == phone {
			active++
		}
	}
	if active >= a.cfg.MaxSessionsPerPhone {
		a.mu.Unlock()
		return Allocation{}, fmt.Errorf("allocate %s: %w", phone, ErrPhoneLimitReached)
	}

	proxyID, sticky := a.stickyProxy(phone)
	reserved := sticky && a.proxies.ReserveSpecific(proxyID)
	if !reserved {
		var err error
		proxyID, err = a.proxies.Reserve(nil)
		if err != nil {
			a.mu.Unlock()
			return Allocation{}, fmt.Errorf("allocate %s: %w", phone, err)
		}
	}

	profileID, err := a.profiles.Acquire()
	if err != nil {
		a.proxies.Release(proxyID)
		a.mu.Unlock()
		return Allocation{}, fmt.Errorf("allocate %s: %w", phone, err)
	}

	now := a.now()
	a.setSticky(phone, proxyID)
	a.bindings[sessionID] = &SessionBinding{
		SessionID:  sessionID,
		Phone:      phone,
		ProxyID:    proxyID,
		ProfileID:  profileID,
		Status:     StatusPending,
		CreatedAt:  now,
		LastPingAt: now,
	}

	a.mu.Unlock()

	if a.audit != nil {
		_ = a.audit.RecordAllocation(sessionID, phone, proxyID, profileID)
	}
	a.publish(&events.Event{Kind: events.KindAllocated, SessionID: sessionID, Phone: phone, ProxyID: proxyID})
	slog.Info("Session allocated", "session", sessionID, "phone", phone, "proxy", proxyID, "sticky", reserved)

	if a.launcher != nil {
		spec := LaunchSpec{Phone: phone, ProxyID: proxyID, ProfileID: profileID}
		if err := a.launcher.Launch(sessionID, spec); err != nil {
			slog.Warn("Worker launch failed, watchdog will retry", "session", sessionID, "error", err)
		}
	}
	return Allocation{SessionID: sessionID, ProxyID: proxyID, ProfileID: profileID}, nil
}

// Release tears a binding down: proxy slot freed, profile returned,
// binding removed. The sticky mapping stays for future reuse.
func (a *Allocator) Release(sessionID string) (phone, proxyID string, err error) {
	a.mu.Lock()
	b, ok := a.bindings[sessionID]
	if !ok {
		a.mu.Unlock()
		return "", "", fmt.Errorf("release %s: %w", sessionID, ErrNotFound)
	}
	delete(a.bindings, sessionID)
	a.proxies.Release(b.ProxyID)
	a.profiles.Release(b.ProfileID)
	a.mu.Unlock()

	if a.launcher != nil {
		if err := a.launcher.Terminate(sessionID); err != nil {
			slog.Warn("Worker terminate failed", "session", sessionID, "error", err)
		}
	}
	if a.audit != nil {
		_ = a.audit.RecordRelease(sessionID, b.Phone, b.ProxyID)
	}
	a.publish(&events.Event{Kind: events.KindReleased, SessionID: sessionID, Phone: b.Phone, ProxyID: b.ProxyID})
	slog.Info("Session released", "session", sessionID, "phone", b.Phone)
	return b.Phone, b.ProxyID, nil
}

// MarkProxyBad blocks a proxy for new bindings until cooldown elapses.
// Sessions currently on it keep running until HandleProxyBurn migrates
// them.
func (a *Allocator) MarkProxyBad(proxyID, reason string, cooldown time.Duration) bool {
	ok := a.proxies.MarkBad(proxyID, reason, cooldown)
	if ok {
		a.publish(&events.Event{Kind: events.KindProxyBlocked, ProxyID: proxyID, Detail: map[string]any{"reason": reason}})
		slog.Warn("Proxy marked bad", "proxy", proxyID, "reason", reason, "cooldown", cooldown)
	}
	return ok
}

// MarkProxyOk clears a proxy's bad state immediately (manual override).
func (a *Allocator) MarkProxyOk(proxyID string) bool {
	return a.proxies.MarkOk(proxyID)
}

// HandleProxyBurn migrates every active session off a burned proxy to a
// replacement chosen by the normal selection rule, rewrites the sticky
// mappings, and relaunches the workers through the external launcher.
// Idempotent: sessions already migrated are skipped.
func (a *Allocator) HandleProxyBurn(proxyID, reason string) []Migration {
	a.mu.Lock()
	var migrations []Migration
	type relaunch struct {
		sessionID string
		spec      LaunchSpec
	}
	var relaunches []relaunch

	for _, b := range a.bindings {
		if b.ProxyID != proxyID || b.Status.Terminal() {
			continue
		}
		newProxy, err := a.proxies.Reserve(map[string]bool{proxyID: true})
		if err != nil {
			slog.Error("Proxy burn: no replacement available", "session", b.SessionID, "proxy", proxyID, "error", err)
			continue
		}
		a.proxies.Release(proxyID)
		old := b.ProxyID
		b.ProxyID = newProxy
		a.setSticky(b.Phone, newProxy)
		migrations = append(migrations, Migration{SessionID: b.SessionID, Phone: b.Phone, OldProxyID: old, NewProxyID: newProxy})
		relaunches = append(relaunches, relaunch{b.SessionID, LaunchSpec{Phone: b.Phone, ProxyID: newProxy, ProfileID: b.ProfileID}})
	}
	a.mu.Unlock()

	for _, m := range migrations {
		a.publish(&events.Event{Kind: events.KindMigrated, SessionID: m.SessionID, Phone: m.Phone, ProxyID: m.NewProxyID,
			Detail: map[string]any{"old_proxy": m.OldProxyID, "reason": reason}})
	}
	if len(migrations) > 0 {
		a.publish(&events.Event{Kind: events.KindProxyBurned, ProxyID: proxyID, Detail: map[string]any{"reason": reason, "migrated": len(migrations)}})
		slog.Warn("Proxy burned, sessions migrated", "proxy", proxyID, "migrated", len(migrations), "reason", reason)
	}
	if a.launcher != nil {
		for _, r := range relaunches {
			if err := a.launcher.Launch(r.sessionID, r.spec); err != nil {
				slog.Error("Relaunch after proxy burn failed", "session", r.sessionID, "error", err)
			}
		}
	}
	return migrations
}

// Ping records a worker liveness signal.
func (a *Allocator) Ping(sessionID string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[sessionID]
	if !ok {
		return fmt.Errorf("ping %s: %w", sessionID, ErrNotFound)
	}
	if at.IsZero() {
		at = a.now()
	}
	b.LastPingAt = at
	return nil
}

// transition applies a status change, with audit and event fan-out.
// Called with the allocator lock held.
func (a *Allocator) transition(b *SessionBinding, to Status, detail string) {
	from := b.Status
	b.Status = to
	if a.audit != nil {
		_ = a.audit.RecordTransition(b.SessionID, string(from), string(to), detail)
	}
	a.publish(&events.Event{Kind: events.KindStatusChanged, SessionID: b.SessionID, Phone: b.Phone, ProxyID: b.ProxyID,
		Detail: map[string]any{"from": string(from), "to": string(to)}})
	slog.Info("Session status changed", "session", b.SessionID, "from", from, "to", to)
}

// ReportStatus consumes a worker status event and drives the binding
// state machine. Events on terminal sessions and transitions the machine
// does not define are errors.
func (a *Allocator) ReportStatus(sessionID string, ev StatusEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[sessionID]
	if !ok {
		return fmt.Errorf("report status %s: %w", sessionID, ErrNotFound)
	}
	if b.Status.Terminal() {
		return fmt.Errorf("report status %s: session is terminal (%s)", sessionID, b.Status)
	}

	switch e := ev.(type) {
	case QRIssued:
		if b.Status != StatusPending && b.Status != StatusWaitingQR {
			return fmt.Errorf("report status %s: qr_issued in %s", sessionID, b.Status)
		}
		a.transition(b, StatusWaitingQR, fmt.Sprintf(`{"code":%q}`, e.Code))
	case Scanned:
		if b.Status != StatusWaitingQR {
			return fmt.Errorf("report status %s: scanned in %s", sessionID, b.Status)
		}
		b.ReconnectAttempts = 0
		a.transition(b, StatusConnected, "")
	case Dropped:
		if b.Status != StatusConnected && b.Status != StatusReconnecting {
			return fmt.Errorf("report status %s: dropped in %s", sessionID, b.Status)
		}
		b.ReconnectAttempts++
		if b.ReconnectAttempts > a.cfg.MaxReconnectAttempts {
			a.transition(b, StatusError, fmt.Sprintf(`{"reason":"max reconnect attempts","drops":%d}`, b.ReconnectAttempts))
			return nil
		}
		a.transition(b, StatusReconnecting, e.Reason)
	case Reconnected:
		if b.Status != StatusReconnecting && b.Status != StatusDisconnected {
			return fmt.Errorf("report status %s: reconnected in %s", sessionID, b.Status)
		}
		b.ReconnectAttempts = 0
		a.transition(b, StatusConnected, "")
	case LoggedOut:
		a.transition(b, StatusLoggedOut, "")
	case Banned:
		a.transition(b, StatusBanned, e.Reason)
	case Errored:
		a.transition(b, StatusError, e.Reason)
	default:
		return fmt.Errorf("report status %s: unsupported event %T", sessionID, ev)
	}
	return nil
}

// MarkStale flags a silent session as disconnected. Only the watchdog
// calls this, and only through here, so allocation invariants stay in
// one place.
func (a *Allocator) MarkStale(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[sessionID]
	if !ok {
		return fmt.Errorf("mark stale %s: %w", sessionID, ErrNotFound)
	}
	if b.Status.Terminal() || b.Status == StatusDisconnected {
		return nil
	}
	a.transition(b, StatusDisconnected, `{"reason":"ping timeout"}`)
	return nil
}

// Get returns a snapshot of one binding.
func (a *Allocator) Get(sessionID string) (SessionBinding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[sessionID]
	if !ok {
		return SessionBinding{}, false
	}
	return *b, true
}

// Bindings returns snapshots of all bindings.
func (a *Allocator) Bindings() []SessionBinding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SessionBinding, 0, len(a.bindings))
	for _, b := range a.bindings {
		out = append(out, *b)
	}
	return out
}

// StickyFor returns the current sticky proxy for a phone, if set.
func (a *Allocator) StickyFor(phone string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stickyProxy(phone)
}
