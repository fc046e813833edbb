// Package health watches per-proxy delivery reports through a rolling
// window and burns proxies that look rate-limited, broken, or saturated.
package health

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sessionbrain/sessionbrain/internal/allocator"
)

// Config holds the window thresholds.
type Config struct {
	WindowSec            int           `json:"windowSec" envconfig:"WINDOW_SEC"`
	Max429PerWindow      int           `json:"max429PerWindow" envconfig:"MAX_429_PER_WINDOW"`
	Max5xxPerWindow      int           `json:"max5xxPerWindow" envconfig:"MAX_5XX_PER_WINDOW"`
	MaxTimeoutsPerWindow int           `json:"maxTimeoutsPerWindow" envconfig:"MAX_TIMEOUTS_PER_WINDOW"`
	MaxLatencyP95Ms      int           `json:"maxLatencyP95Ms" envconfig:"MAX_LATENCY_P95_MS"`
	BlockTTL             time.Duration `json:"blockTTL" envconfig:"BLOCK_TTL"`
}

// DefaultConfig mirrors the field-tuned thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSec:            60,
		Max429PerWindow:      20,
		Max5xxPerWindow:      15,
		MaxTimeoutsPerWindow: 10,
		MaxLatencyP95Ms:      2500,
		BlockTTL:             15 * time.Minute,
	}
}

// disconnectLike are status codes that read as connection loss.
var disconnectLike = map[int]bool{499: true, 502: true, 503: true, 504: true}

// Report is one observed send outcome on a proxy.
type Report struct {
	ProxyID    string    `json:"proxy_id"`
	SessionID  string    `json:"session_id,omitempty"`
	StatusCode int       `json:"status"`
	LatencyMs  int       `json:"latency_ms"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Stats summarizes a proxy's current window.
type Stats struct {
	Count          int `json:"count"`
	Status429      int `json:"status_429"`
	Status5xx      int `json:"status_5xx"`
	DisconnectLike int `json:"disconnect_like"`
	LatencyP95Ms   int `json:"latency_p95_ms"`
	WindowSec      int `json:"window_sec"`
}

// Decision is a block verdict for a proxy.
type Decision struct {
	ProxyID string        `json:"proxy_id"`
	Reason  string        `json:"reason"`
	TTL     time.Duration `json:"ttl"`
	Stats   Stats         `json:"stats"`
}

// ProxyActions is the slice of the allocator the monitor acts through.
type ProxyActions interface {
	MarkProxyBad(proxyID, reason string, cooldown time.Duration) bool
	HandleProxyBurn(proxyID, reason string) []allocator.Migration
}

// Recorder persists block decisions for audit.
type Recorder interface {
	RecordDecision(kind, target string, ttl time.Duration, reason string, evidence any) error
}

// Monitor keeps the rolling windows and applies the thresholds on every
// ingested report.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string][]Report
	blocked map[string]time.Time
	actions ProxyActions
	audit   Recorder
	now     func() time.Time
}

// New creates a Monitor. actions and audit may be nil (observe-only).
func New(cfg Config, actions ProxyActions, audit Recorder) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSec <= 0 {
		cfg.WindowSec = def.WindowSec
	}
	if cfg.Max429PerWindow <= 0 {
		cfg.Max429PerWindow = def.Max429PerWindow
	}
	if cfg.Max5xxPerWindow <= 0 {
		cfg.Max5xxPerWindow = def.Max5xxPerWindow
	}
	if cfg.MaxTimeoutsPerWindow <= 0 {
		cfg.MaxTimeoutsPerWindow = def.MaxTimeoutsPerWindow
	}
	if cfg.MaxLatencyP95Ms <= 0 {
		cfg.MaxLatencyP95Ms = def.MaxLatencyP95Ms
	}
	if cfg.BlockTTL <= 0 {
		cfg.BlockTTL = def.BlockTTL
	}
	return &Monitor{
		cfg:     cfg,
		windows: make(map[string][]Report),
		blocked: make(map[string]time.Time),
		actions: actions,
		audit:   audit,
		now:     time.Now,
	}
}

// Ingest records a report, prunes the window, and returns a block
// decision when thresholds trip. Proxies already under a live block are
// skipped.
func (m *Monitor) Ingest(r Report) *Decision {
	if r.At.IsZero() {
		r.At = m.now()
	}

	m.mu.Lock()
	cutoff := r.At.Add(-time.Duration(m.cfg.WindowSec) * time.Second)
	w := append(m.windows[r.ProxyID], r)
	start := 0
	for start < len(w) && w[start].At.Before(cutoff) {
		start++
	}
	w = w[start:]
	m.windows[r.ProxyID] = w

	if exp, ok := m.blocked[r.ProxyID]; ok && m.now().Before(exp) {
		m.mu.Unlock()
		return nil
	}

	stats := computeStats(w, m.cfg.WindowSec)
	reasons := m.reasons(stats)
	if len(reasons) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.blocked[r.ProxyID] = m.now().Add(m.cfg.BlockTTL)
	m.mu.Unlock()

	d := &Decision{
		ProxyID: r.ProxyID,
		Reason:  strings.Join(reasons, "; "),
		TTL:     m.cfg.BlockTTL,
		Stats:   stats,
	}
	slog.Warn("Proxy health tripped", "proxy", d.ProxyID, "reason", d.Reason)

	if m.audit != nil {
		_ = m.audit.RecordDecision("block_proxy", d.ProxyID, d.TTL, d.Reason, d.Stats)
	}
	if m.actions != nil {
		m.actions.MarkProxyBad(d.ProxyID, d.Reason, d.TTL)
		m.actions.HandleProxyBurn(d.ProxyID, d.Reason)
	}
	return d
}

func (m *Monitor) reasons(st Stats) []string {
	var out []string
	if st.Status429 >= m.cfg.Max429PerWindow {
		out = append(out, fmt.Sprintf("too many 429 in %ds (%d)", m.cfg.WindowSec, st.Status429))
	}
	if st.Status5xx >= m.cfg.Max5xxPerWindow {
		out = append(out, fmt.Sprintf("too many 5xx in %ds (%d)", m.cfg.WindowSec, st.Status5xx))
	}
	if st.DisconnectLike >= m.cfg.MaxTimeoutsPerWindow {
		out = append(out, fmt.Sprintf("too many disconnect-like statuses in %ds (%d)", m.cfg.WindowSec, st.DisconnectLike))
	}
	if st.LatencyP95Ms > 0 && st.LatencyP95Ms >= m.cfg.MaxLatencyP95Ms {
		out = append(out, fmt.Sprintf("p95 latency too high (%dms)", st.LatencyP95Ms))
	}
	return out
}

// StatsFor returns the current window summary for a proxy.
func (m *Monitor) StatsFor(proxyID string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return computeStats(m.windows[proxyID], m.cfg.WindowSec)
}

func computeStats(w []Report, windowSec int) Stats {
	st := Stats{Count: len(w), WindowSec: windowSec}
	var latencies []int
	for _, r := range w {
		switch {
		case r.StatusCode == 429:
			st.Status429++
		case r.StatusCode >= 500 && r.StatusCode <= 599:
			st.Status5xx++
		}
		if disconnectLike[r.StatusCode] {
			st.DisconnectLike++
		}
		if r.LatencyMs > 0 {
			latencies = append(latencies, r.LatencyMs)
		}
	}
	st.LatencyP95Ms = percentile(latencies, 0.95)
	return st
}

// percentile returns the p-th percentile by nearest rank, 0 for no data.
func percentile(values []int, p float64) int {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	k := int(float64(len(sorted)-1)*p + 0.5)
	if k < 0 {
		k = 0
	}
	if k >= len(sorted) {
		k = len(sorted) - 1
	}
	return sorted[k]
}
