// Package inventory tracks the scarce resources the allocator hands out:
// egress proxies and phone profiles.
package inventory

import (
	"errors"
	"sync"
	"time"
)

// ErrNoProxiesAvailable is returned when no proxy has a free session slot.
var ErrNoProxiesAvailable = errors.New("no proxies available")

// ProxyStatus describes the lifecycle state of a proxy.
type ProxyStatus string

const (
	ProxyAvailable ProxyStatus = "available"
	ProxyActive    ProxyStatus = "active"
	ProxyBad       ProxyStatus = "bad"
)

// Proxy is a single egress endpoint with a bounded number of sessions.
type Proxy struct {
	ID             string      `json:"id"`
	Status         ProxyStatus `json:"status"`
	ActiveSessions int         `json:"active_sessions"`
	CooldownUntil  time.Time   `json:"cooldown_until,omitempty"`
	BadReason      string      `json:"bad_reason,omitempty"`
}

// ProxyPool manages proxy selection and per-proxy session counting.
// All mutations happen under a single lock so a reserve is an atomic
// check-and-increment, never a read-then-write.
type ProxyPool struct {
	mu          sync.Mutex
	proxies     map[string]*Proxy
	maxSessions int
	now         func() time.Time
}

// NewProxyPool creates a pool enforcing maxSessionsPerProxy.
func NewProxyPool(maxSessionsPerProxy int) *ProxyPool {
	if maxSessionsPerProxy <= 0 {
		maxSessionsPerProxy = 1
	}
	return &ProxyPool{
		proxies:     make(map[string]*Proxy),
		maxSessions: maxSessionsPerProxy,
		now:         time.Now,
	}
}

// Add registers a proxy. Adding an existing ID is a no-op.
func (p *ProxyPool) Add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.proxies[id]; ok {
		return
	}
	p.proxies[id] = &Proxy{ID: id, Status: ProxyAvailable}
}

// eligible reports whether px can take another session. Called with the
// pool lock held. A bad proxy whose cooldown has elapsed becomes
// available again.
func (p *ProxyPool) eligible(px *Proxy) bool {
	if px.Status == ProxyBad {
		if p.now().Before(px.CooldownUntil) {
			return false
		}
		px.Status = ProxyAvailable
		px.BadReason = ""
		px.CooldownUntil = time.Time{}
	}
	return px.ActiveSessions < p.maxSessions
}

// Reserve picks the least-loaded eligible proxy not in exclude and
// increments its session count. Ties break on the lexically smaller ID so
// selection is deterministic.
func (p *ProxyPool) Reserve(exclude map[string]bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Proxy
	for _, px := range p.proxies {
		if exclude[px.ID] || !p.eligible(px) {
			continue
		}
		if best == nil || px.ActiveSessions < best.ActiveSessions ||
			(px.ActiveSessions == best.ActiveSessions && px.ID < best.ID) {
			best = px
		}
	}
	if best == nil {
		return "", ErrNoProxiesAvailable
	}
	p.reserve(best)
	return best.ID, nil
}

// ReserveSpecific reserves the named proxy if it is eligible.
// Returns false when the proxy is unknown, bad, or full.
func (p *ProxyPool) ReserveSpecific(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok || !p.eligible(px) {
		return false
	}
	p.reserve(px)
	return true
}

func (p *ProxyPool) reserve(px *Proxy) {
	px.ActiveSessions++
	if px.Status == ProxyAvailable {
		px.Status = ProxyActive
	}
}

// Release decrements a proxy's session count.
func (p *ProxyPool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok || px.ActiveSessions == 0 {
		return
	}
	px.ActiveSessions--
	if px.ActiveSessions == 0 && px.Status == ProxyActive {
		px.Status = ProxyAvailable
	}
}

// MarkBad takes a proxy out of rotation until cooldown elapses. Sessions
// already bound to it are untouched; migrating them is the burn path.
func (p *ProxyPool) MarkBad(id, reason string, cooldown time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return false
	}
	px.Status = ProxyBad
	px.BadReason = reason
	px.CooldownUntil = p.now().Add(cooldown)
	return true
}

// MarkOk clears bad status immediately, regardless of cooldown.
func (p *ProxyPool) MarkOk(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return false
	}
	px.BadReason = ""
	px.CooldownUntil = time.Time{}
	if px.ActiveSessions > 0 {
		px.Status = ProxyActive
	} else {
		px.Status = ProxyAvailable
	}
	return true
}

// IsBad reports whether the proxy is currently blocked.
func (p *ProxyPool) IsBad(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	return ok && px.Status == ProxyBad && p.now().Before(px.CooldownUntil)
}

// Get returns a copy of the proxy record.
func (p *ProxyPool) Get(id string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.proxies[id]
	if !ok {
		return Proxy{}, false
	}
	return *px, true
}

// Snapshot returns copies of all proxies.
func (p *ProxyPool) Snapshot() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		out = append(out, *px)
	}
	return out
}
