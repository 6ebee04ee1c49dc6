package sync

import (
	"sort"
	"sync"
	"time"
)

// NeededDetails tracks account ids whose profile details were requested,
// each with its own expiry. The refresher owns the consuming side.
type NeededDetails struct {
	mu      sync.Mutex
	entries map[string]time.Time
	changed bool
	ttl     time.Duration
	now     func() time.Time
}

// NewNeededDetails creates an empty set whose registrations live for ttl
func NewNeededDetails(ttl time.Duration) *NeededDetails {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &NeededDetails{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add registers ids, extending the expiry of those already present
func (n *NeededDetails) Add(ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	expires := n.now().Add(n.ttl)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := n.entries[id]; !ok {
			n.changed = true
		}
		n.entries[id] = expires
	}
}

// Remove drops ids once their details arrived. It does not count as a
// change: the running query already covers them.
func (n *NeededDetails) Remove(ids ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range ids {
		delete(n.entries, id)
	}
}

// TakeChanged reports whether the set changed since the last call and
// resets the flag
func (n *NeededDetails) TakeChanged() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	changed := n.changed
	n.changed = false
	return changed
}

// Prune removes expired entries and returns the remaining ids sorted
func (n *NeededDetails) Prune() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	ids := make([]string, 0, len(n.entries))
	for id, expires := range n.entries {
		if now.After(expires) {
			delete(n.entries, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered ids, expired or not
func (n *NeededDetails) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
