package inventory

import (
	"errors"
	"sync"
)

// ErrNoProfilesAvailable is returned when every profile is in use.
var ErrNoProfilesAvailable = errors.New("no profiles available")

// ProfilePool hands out phone profiles. A profile is consumed exactly once
// per allocation and returned on release.
type ProfilePool struct {
	mu        sync.Mutex
	available []string
	used      map[string]bool
}

// NewProfilePool creates an empty profile pool.
func NewProfilePool() *ProfilePool {
	return &ProfilePool{used: make(map[string]bool)}
}

// Add registers a profile as available. Known IDs are ignored.
func (p *ProfilePool) Add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[id] {
		return
	}
	for _, a := range p.available {
		if a == id {
			return
		}
	}
	p.available = append(p.available, id)
}

// Acquire pops one available profile and marks it used.
func (p *ProfilePool) Acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return "", ErrNoProfilesAvailable
	}
	id := p.available[0]
	p.available = p.available[1:]
	p.used[id] = true
	return id, nil
}

// Release returns a used profile to the available set. Used both on
// session release and to compensate a failed allocation.
func (p *ProfilePool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used[id] {
		return
	}
	delete(p.used, id)
	p.available = append(p.available, id)
}

// Counts returns (available, used) totals.
func (p *ProfilePool) Counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.used)
}
