package allocator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessionbrain/sessionbrain/internal/inventory"
)

type fakeLauncher struct {
	mu         sync.Mutex
	launches   []LaunchSpec
	terminated []string
}

func (f *fakeLauncher) Launch(sessionID string, spec LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	return nil
}

func (f *fakeLauncher) Terminate(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func newTestAllocator(t *testing.T, maxPerProxy int, proxies, profiles []string) (*Allocator, *fakeLauncher) {
	t.Helper()
	pp := inventory.NewProxyPool(maxPerProxy)
	for _, p := range proxies {
		pp.Add(p)
	}
	prof := inventory.NewProfilePool()
	for _, p := range profiles {
		prof.Add(p)
	}
	l := &fakeLauncher{}
	a := New(Config{MaxSessionsPerPhone: 1, MaxReconnectAttempts: 2}, pp, prof, l, nil, nil)
	return a, l
}

func TestAllocateProxyCapacity(t *testing.T) {
	a, _ := newTestAllocator(t, 2, []string{"P"}, []string{"f1", "f2", "f3"})

	s1, err := a.Allocate("phoneA", "")
	if err != nil {
		t.Fatalf("allocate A: %v", err)
	}
	if _, err := a.Allocate("phoneB", ""); err != nil {
		t.Fatalf("allocate B: %v", err)
	}
	if _, err := a.Allocate("phoneC", ""); !errors.Is(err, inventory.ErrNoProxiesAvailable) {
		t.Fatalf("expected ErrNoProxiesAvailable, got %v", err)
	}

	if _, _, err := a.Release(s1.SessionID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := a.Allocate("phoneC", ""); err != nil {
		t.Fatalf("allocate C after release: %v", err)
	}
}

func TestStickyReuse(t *testing.T) {
	a, _ := newTestAllocator(t, 4, []string{"p1", "p2"}, []string{"f1", "f2", "f3"})

	first, err := a.Allocate("phoneA", "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Release(first.SessionID)

	// phoneB now loads the sticky proxy, so least-loaded selection would
	// prefer the other one; sticky must still win for phoneA.
	if _, err := a.Allocate("phoneB", ""); err != nil {
		t.Fatalf("allocate B: %v", err)
	}
	second, err := a.Allocate("phoneA", "")
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if second.ProxyID != first.ProxyID {
		t.Fatalf("sticky not honored: %s vs %s", second.ProxyID, first.ProxyID)
	}
}

func TestStickySkippedWhenBad(t *testing.T) {
	a, _ := newTestAllocator(t, 4, []string{"p1", "p2"}, []string{"f1", "f2"})

	first, _ := a.Allocate("phoneA", "")
	a.Release(first.SessionID)
	a.MarkProxyBad(first.ProxyID, "burned", time.Hour)

	second, err := a.Allocate("phoneA", "")
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if second.ProxyID == first.ProxyID {
		t.Fatal("bad proxy must not be reused via sticky binding")
	}
}

func TestStickyTTLExpiry(t *testing.T) {
	a, _ := newTestAllocator(t, 4, []string{"p1"}, []string{"f1"})
	a.cfg.StickyTTL = time.Hour
	now := time.Now()
	a.now = func() time.Time { return now }

	first, _ := a.Allocate("phoneA", "")
	a.Release(first.SessionID)
	if _, ok := a.StickyFor("phoneA"); !ok {
		t.Fatal("sticky must survive release")
	}

	now = now.Add(2 * time.Hour)
	if _, ok := a.StickyFor("phoneA"); ok {
		t.Fatal("sticky must expire after TTL")
	}
}

func TestPhoneLimitAndAlreadyAllocated(t *testing.T) {
	a, _ := newTestAllocator(t, 4, []string{"p1"}, []string{"f1", "f2"})

	if _, err := a.Allocate("phoneA", "sess-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Allocate("phoneA", ""); !errors.Is(err, ErrPhoneLimitReached) {
		t.Fatalf("expected ErrPhoneLimitReached, got %v", err)
	}
	if _, err := a.Allocate("phoneB", "sess-1"); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
}

func TestProfileExhaustionCompensatesProxy(t *testing.T) {
	a, _ := newTestAllocator(t, 1, []string{"p1"}, nil)

	if _, err := a.Allocate("phoneA", ""); !errors.Is(err, inventory.ErrNoProfilesAvailable) {
		t.Fatalf("expected ErrNoProfilesAvailable, got %v", err)
	}
	// The reserved proxy slot must have been returned.
	px, _ := a.proxies.Get("p1")
	if px.ActiveSessions != 0 {
		t.Fatalf("proxy slot leaked on failed allocation: %d", px.ActiveSessions)
	}
}

func TestReleaseNotFound(t *testing.T) {
	a, _ := newTestAllocator(t, 1, []string{"p1"}, []string{"f1"})
	if _, _, err := a.Release("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleProxyBurn(t *testing.T) {
	a, l := newTestAllocator(t, 4, []string{"p1", "p2"}, []string{"f1"})

	alloc, _ := a.Allocate("phoneA", "")
	burned := alloc.ProxyID

	migs := a.HandleProxyBurn(burned, "too many 429")
	if len(migs) != 1 {
		t.Fatalf("migrations = %d, want 1", len(migs))
	}
	m := migs[0]
	if m.OldProxyID != burned || m.NewProxyID == burned {
		t.Fatalf("bad migration %+v", m)
	}

	// Sticky follows the replacement proxy.
	if sticky, _ := a.StickyFor("phoneA"); sticky != m.NewProxyID {
		t.Fatalf("sticky = %s, want %s", sticky, m.NewProxyID)
	}
	// Old proxy slot freed, new one held.
	oldPx, _ := a.proxies.Get(burned)
	newPx, _ := a.proxies.Get(m.NewProxyID)
	if oldPx.ActiveSessions != 0 || newPx.ActiveSessions != 1 {
		t.Fatalf("session counts old=%d new=%d", oldPx.ActiveSessions, newPx.ActiveSessions)
	}
	// Worker relaunched with the new proxy.
	l.mu.Lock()
	last := l.launches[len(l.launches)-1]
	l.mu.Unlock()
	if last.ProxyID != m.NewProxyID {
		t.Fatalf("relaunch proxy = %s, want %s", last.ProxyID, m.NewProxyID)
	}

	// Second burn of the same proxy is a no-op.
	if again := a.HandleProxyBurn(burned, "repeat"); len(again) != 0 {
		t.Fatalf("burn not idempotent: %d migrations", len(again))
	}
}

func TestStatusStateMachine(t *testing.T) {
	a, _ := newTestAllocator(t, 1, []string{"p1"}, []string{"f1"})
	alloc, _ := a.Allocate("phoneA", "")
	id := alloc.SessionID

	report := func(ev StatusEvent) error { return a.ReportStatus(id, ev) }

	if err := report(Scanned{}); err == nil {
		t.Fatal("scanned before qr_issued must be rejected")
	}
	if err := report(QRIssued{Code: "qr-1"}); err != nil {
		t.Fatalf("qr_issued: %v", err)
	}
	if err := report(Scanned{}); err != nil {
		t.Fatalf("scanned: %v", err)
	}
	if b, _ := a.Get(id); b.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", b.Status)
	}

	// Drop/reconnect cycle.
	if err := report(Dropped{Reason: "net"}); err != nil {
		t.Fatalf("dropped: %v", err)
	}
	if err := report(Reconnected{}); err != nil {
		t.Fatalf("reconnected: %v", err)
	}
	if b, _ := a.Get(id); b.ReconnectAttempts != 0 {
		t.Fatal("reconnect must reset the attempt counter")
	}

	// Exceeding max reconnect attempts lands in terminal error.
	report(Dropped{Reason: "net"})
	report(Dropped{Reason: "net"})
	if err := report(Dropped{Reason: "net"}); err != nil {
		t.Fatalf("final drop: %v", err)
	}
	b, _ := a.Get(id)
	if b.Status != StatusError || !b.Status.Terminal() {
		t.Fatalf("status = %s, want terminal error", b.Status)
	}
	// Terminal sessions reject further events.
	if err := report(Reconnected{}); err == nil {
		t.Fatal("terminal session must reject events")
	}

	// Terminal still holds the slot until Release.
	if _, err := a.Allocate("phoneA", ""); !errors.Is(err, ErrPhoneLimitReached) {
		t.Fatalf("terminal binding must hold the phone slot, got %v", err)
	}
	a.Release(id)
	if _, err := a.Allocate("phoneA", ""); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}

func TestMarkStale(t *testing.T) {
	a, _ := newTestAllocator(t, 1, []string{"p1"}, []string{"f1"})
	alloc, _ := a.Allocate("phoneA", "")

	if err := a.MarkStale(alloc.SessionID); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if b, _ := a.Get(alloc.SessionID); b.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", b.Status)
	}
	// Idempotent.
	if err := a.MarkStale(alloc.SessionID); err != nil {
		t.Fatalf("second mark stale: %v", err)
	}
}

func TestParseStatusEvent(t *testing.T) {
	cases := []struct {
		kind    string
		meta    map[string]any
		wantErr bool
	}{
		{"qr_issued", map[string]any{"code": "abc"}, false},
		{"qr_issued", nil, true},
		{"scanned", nil, false},
		{"dropped", map[string]any{"reason": "net"}, false},
		{"banned", map[string]any{"reason": "abuse"}, false},
		{"mystery", nil, true},
	}
	for _, tc := range cases {
		_, err := ParseStatusEvent(tc.kind, tc.meta)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseStatusEvent(%q) err=%v, wantErr=%v", tc.kind, err, tc.wantErr)
		}
	}
}

func TestConcurrentAllocateLastSlot(t *testing.T) {
	a, _ := newTestAllocator(t, 1, []string{"p1"}, []string{"f1", "f2"})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, phone := range []string{"phoneA", "phoneB"} {
		wg.Add(1)
		go func(ph string) {
			defer wg.Done()
			_, err := a.Allocate(ph, "")
			errs <- err
		}(phone)
	}
	wg.Wait()
	close(errs)

	var ok, capacity int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, inventory.ErrNoProxiesAvailable):
			capacity++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || capacity != 1 {
		t.Fatalf("racing allocates: ok=%d capacity=%d, want 1/1", ok, capacity)
	}
}
