// Package store keeps the registrar's desired state in memory: which
// registrations are live, and which endpoint names they contain.
//
// All methods are safe for concurrent use and never do I/O. The name set is
// reference counted, so a name stays known while any live registration still
// declares it, even if another registration with the same name goes away.
package store

import (
	"sync"

	"svc-registrar/registration"
)

// Store maps handles to registrations and tracks the derived endpoint names.
type Store struct {
	mu            sync.RWMutex
	registrations map[registration.Handle]registration.Registration
	names         map[string]int // endpoint name → number of live declarations
}

// Entry is a handle with its registration, as returned by snapshots.
type Entry struct {
	Handle       registration.Handle
	Registration registration.Registration
}

// Snapshot is a consistent view of the store taken under a single lock.
type Snapshot struct {
	Entries []Entry
	Names   map[string]struct{}
}

// Contains reports whether name belongs to a live registration at snapshot time.
func (s Snapshot) Contains(name string) bool {
	_, ok := s.Names[name]
	return ok
}

func New() *Store {
	return &Store{
		registrations: make(map[registration.Handle]registration.Registration),
		names:         make(map[string]int),
	}
}

// Put stores reg under h and records its endpoint names in the same critical
// section. It returns the names that were already present before the call,
// i.e. the ones colliding with another live declaration.
//
// Putting an existing handle replaces its registration.
func (s *Store) Put(h registration.Handle, reg registration.Registration) (duplicates []string) {
	reg = reg.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.registrations[h]; ok {
		s.removeEndpointNames(old.Names())
	}
	s.registrations[h] = reg
	for _, name := range reg.Names() {
		if s.addEndpointName(name) {
			continue
		}
		duplicates = append(duplicates, name)
	}
	return duplicates
}

// Get returns the registration stored under h.
func (s *Store) Get(h registration.Handle) (registration.Registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[h]
	if !ok {
		return registration.Registration{}, false
	}
	return reg.Clone(), true
}

// Remove deletes h and its endpoint names, returning what was stored.
func (s *Store) Remove(h registration.Handle) (registration.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[h]
	if !ok {
		return registration.Registration{}, false
	}
	delete(s.registrations, h)
	s.removeEndpointNames(reg.Names())
	return reg, true
}

// AllRegistrations returns a copy of every live registration.
func (s *Store) AllRegistrations() []Entry {
	return s.Snapshot().Entries
}

// Snapshot copies registrations and names together, so a reader never sees
// a registration whose names are missing or the other way round.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Entries: make([]Entry, 0, len(s.registrations)),
		Names:   make(map[string]struct{}, len(s.names)),
	}
	for h, reg := range s.registrations {
		snap.Entries = append(snap.Entries, Entry{Handle: h, Registration: reg.Clone()})
	}
	for name := range s.names {
		snap.Names[name] = struct{}{}
	}
	return snap
}

// ContainsEndpointName reports whether any live registration declares name.
func (s *Store) ContainsEndpointName(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[name] > 0
}

// Len returns the number of live registrations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registrations)
}

// addEndpointName and removeEndpointNames expect mu held for writing. Only
// Put and Remove call them, so the name set always matches the registrations.
func (s *Store) addEndpointName(name string) bool {
	s.names[name]++
	return s.names[name] == 1
}

func (s *Store) removeEndpointNames(names []string) {
	for _, name := range names {
		switch n := s.names[name]; {
		case n <= 1:
			delete(s.names, name)
		default:
			s.names[name] = n - 1
		}
	}
}
