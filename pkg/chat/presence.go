package chat

import "sync"

// PresenceEntry is one user the server has announced as online.
type PresenceEntry struct {
	UserID string
	Handle string
}

// Registry tracks announced users in discovery order, deduplicated by user
// id. It only grows: the protocol has no leave frame, so the roster means
// "has announced at some point", not "currently reachable".
type Registry struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []PresenceEntry
}

func NewRegistry() *Registry {
	return &Registry{seen: map[string]struct{}{}}
}

// Apply records the announcement and reports whether it was new. Repeats for
// a known user id leave the roster untouched.
func (r *Registry) Apply(entry PresenceEntry) bool {
	if entry.UserID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[entry.UserID]; ok {
		return false
	}
	r.seen[entry.UserID] = struct{}{}
	r.order = append(r.order, entry)
	return true
}

// Snapshot returns the roster in discovery order.
func (r *Registry) Snapshot() []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresenceEntry(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
