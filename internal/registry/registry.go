// Package registry is the thread-safe, dual-indexed table of connected
// users: by identity and by connection descriptor, reference-counted so a
// user record outlives any in-flight handler holding it, and destroyed only
// once every borrow has been returned and the connection is gone.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrRegistryFull means the registry already holds its configured maximum
// number of connections.
var ErrRegistryFull = errors.New("registry: at capacity")

// ListBatchSize bounds a single list_available page, per spec.
const ListBatchSize = 10

// Registry indexes every connected User twice. A single mutex serializes
// both indices and every reference-count update; per-user state mutations
// happen separately, under each User's own lock, acquired only after this
// mutex is released.
type Registry struct {
	mu         sync.Mutex
	byIdentity map[string]*User
	byConnID   map[ConnID]*User
	maxUsers   int
}

// New builds an empty registry bounded at maxUsers connections.
func New(maxUsers int) *Registry {
	return &Registry{
		byIdentity: make(map[string]*User),
		byConnID:   make(map[ConnID]*User),
		maxUsers:   maxUsers,
	}
}

// Add inserts u under its connection descriptor, and additionally under its
// identity if non-empty. It fails once the registry is at capacity.
func (r *Registry) Add(u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byConnID) >= r.maxUsers {
		return ErrRegistryFull
	}

	r.byConnID[u.ConnID] = u
	if u.Identity != "" {
		r.byIdentity[u.Identity] = u
	}
	return nil
}

// TryBindIdentity atomically claims identity for u: if it is already taken
// by a different user it fails, otherwise it records u.Identity and indexes
// u under it in the same critical section, closing the check-then-act race
// REGISTER would otherwise have between two connections racing for the same
// identity.
func (r *Registry) TryBindIdentity(u *User, identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byIdentity[identity]; ok && existing != u {
		return false
	}
	u.Identity = identity
	r.byIdentity[identity] = u
	return true
}

// GetByID returns the user registered under id, incrementing its reference
// count. Every successful GetByID must be paired with Yield.
func (r *Registry) GetByID(id string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byIdentity[id]
	if ok {
		u.refcount++
	}
	return u, ok
}

// GetByConnID returns the user registered under connID, incrementing its
// reference count. Every successful GetByConnID must be paired with Yield.
func (r *Registry) GetByConnID(connID ConnID) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byConnID[connID]
	if ok {
		u.refcount++
	}
	return u, ok
}

// Yield releases one reference to u. If the count reaches zero and u's
// state is DISCONNECTED, u is removed from both indices and becomes
// unreachable through the registry.
func (r *Registry) Yield(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.refcount--
	if u.refcount > 0 {
		return
	}

	u.stateMu.Lock()
	disconnected := u.State == StateDisconnected
	u.stateMu.Unlock()
	if !disconnected {
		return
	}

	delete(r.byConnID, u.ConnID)
	if u.Identity != "" {
		delete(r.byIdentity, u.Identity)
	}
}

// ExistsID reports whether id is currently registered.
func (r *Registry) ExistsID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byIdentity[id]
	return ok
}

// ExistsConnID reports whether connID is currently registered.
func (r *Registry) ExistsConnID(connID ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConnID[connID]
	return ok
}

// ListAvailable returns up to ListBatchSize identities in AVAILABLE state,
// in ascending identity order, starting at offset. The candidate set is
// snapshotted under r.mu, which is released before any per-user lock is
// taken. Callers must not hold their own per-user lock across this call: a
// caller that is itself AVAILABLE is one of the candidates, and stateMu is
// not reentrant.
func (r *Registry) ListAvailable(offset int) []string {
	r.mu.Lock()
	users := make(map[string]*User, len(r.byIdentity))
	for id, u := range r.byIdentity {
		users[id] = u
	}
	r.mu.Unlock()

	candidates := make([]string, 0, len(users))
	for id, u := range users {
		u.stateMu.Lock()
		available := u.State == StateAvailable
		u.stateMu.Unlock()
		if available {
			candidates = append(candidates, id)
		}
	}

	sort.Strings(candidates)
	if offset >= len(candidates) {
		return nil
	}
	end := offset + ListBatchSize
	if end > len(candidates) {
		end = len(candidates)
	}
	return candidates[offset:end]
}

// Stats is a point-in-time snapshot of registry occupancy, consumed by the
// admin metrics surface.
type Stats struct {
	ByState map[State]int
	Total   int
}

// Stats snapshots per-state counts under the registry mutex, mirroring how
// LeaseManager reports occupancy without exposing live references.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	users := make([]*User, 0, len(r.byConnID))
	for _, u := range r.byConnID {
		users = append(users, u)
	}
	r.mu.Unlock()

	stats := Stats{ByState: make(map[State]int, 6), Total: len(users)}
	for _, u := range users {
		u.stateMu.Lock()
		s := u.State
		u.stateMu.Unlock()
		stats.ByState[s]++
	}
	return stats
}
