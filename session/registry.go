package session

import (
	"sync"
	"time"

	"examprep-server/models"
)

// Factory builds the machine for an owner and mode on first use.
type Factory func(owner string, mode models.Mode) (*Machine, error)

type registryEntry struct {
	machine  *Machine
	owner    string
	lastUsed time.Time
}

// Registry shares one machine per owner and mode between requests.
type Registry struct {
	mu       sync.Mutex
	factory  Factory
	machines map[string]*registryEntry
	now      func() time.Time
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, machines: make(map[string]*registryEntry), now: time.Now}
}

// Get returns the machine for owner and mode, creating it when missing.
func (r *Registry) Get(owner string, mode models.Mode) (*Machine, error) {
	key := models.FormatOwnerKey(owner, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.machines[key]; ok {
		e.lastUsed = r.now()
		return e.machine, nil
	}
	m, err := r.factory(owner, mode)
	if err != nil {
		return nil, err
	}
	r.machines[key] = &registryEntry{machine: m, owner: owner, lastUsed: r.now()}
	return m, nil
}

// Forget stops and drops a machine. Its snapshot stays in the store.
func (r *Registry) Forget(owner string, mode models.Mode) {
	key := models.FormatOwnerKey(owner, mode)
	r.mu.Lock()
	e, ok := r.machines[key]
	delete(r.machines, key)
	r.mu.Unlock()
	if ok {
		e.machine.Close()
	}
}

// EvictIdle stops and drops machines not requested for idle. Attempts in progress
// are kept until activeIdle instead, and pending submissions are never dropped.
// Evicted attempts resume from their snapshot on the next request. It returns the
// owners left without any machine.
func (r *Registry) EvictIdle(now time.Time, idle, activeIdle time.Duration) []string {
	var evicted []*registryEntry
	r.mu.Lock()
	for key, e := range r.machines {
		limit := idle
		switch e.machine.Phase() {
		case models.PhaseSubmitting:
			continue
		case models.PhaseInProgress:
			limit = activeIdle
		}
		if now.Sub(e.lastUsed) < limit {
			continue
		}
		delete(r.machines, key)
		evicted = append(evicted, e)
	}
	var gone []string
	for _, e := range evicted {
		if !r.hasOwnerLocked(e.owner) && !containsOwner(gone, e.owner) {
			gone = append(gone, e.owner)
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		e.machine.Close()
	}
	return gone
}

// HasOwner reports whether owner has a live machine in any mode.
func (r *Registry) HasOwner(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasOwnerLocked(owner)
}

func (r *Registry) hasOwnerLocked(owner string) bool {
	for _, e := range r.machines {
		if e.owner == owner {
			return true
		}
	}
	return false
}

func containsOwner(owners []string, owner string) bool {
	for _, o := range owners {
		if o == owner {
			return true
		}
	}
	return false
}

// Len reports how many machines are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Close stops every machine's timer.
func (r *Registry) Close() {
	r.mu.Lock()
	machines := r.machines
	r.machines = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, e := range machines {
		e.machine.Close()
	}
}
