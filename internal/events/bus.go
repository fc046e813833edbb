// Package events provides the async event bus that decouples the control
// plane core from export sinks (Kafka, notifiers, the audit trail).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds emitted by the core.
const (
	KindAllocated     = "session.allocated"
	KindReleased      = "session.released"
	KindStatusChanged = "session.status_changed"
	KindProxyBurned   = "proxy.burned"
	KindProxyBlocked  = "proxy.blocked"
	KindSessionStale  = "session.stale"
	KindMigrated      = "session.migrated"
)

// Event is a single control-plane occurrence.
type Event struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	ProxyID   string         `json:"proxy_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus fans control-plane events out to subscribers. Publish never blocks
// the core: when the buffer is full the event is dropped with a warning.
type Bus struct {
	ch   chan *Event
	subs []func(*Event)
	mu   sync.RWMutex
}

// NewBus creates a Bus with a bounded buffer.
func NewBus() *Bus {
	return &Bus{ch: make(chan *Event, 256)}
}

// Publish queues an event for dispatch.
func (b *Bus) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		slog.Warn("Event bus full, dropping event", "kind", ev.Kind, "session", ev.SessionID)
	}
}

// Subscribe registers a callback for every published event.
func (b *Bus) Subscribe(fn func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Dispatch runs the fan-out loop. Blocks until ctx is cancelled.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.ch:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}

// Size returns the number of undelivered events.
func (b *Bus) Size() int {
	return len(b.ch)
}
