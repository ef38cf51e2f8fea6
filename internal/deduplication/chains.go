package deduplication

import (
	"fmt"
	"sync"
)

// Chains records duplicate links found during a batch run and resolves any
// issue to the canonical (oldest, non-duplicate) issue of its chain.
//
// Links always point from a newer issue to an older one, so the graph is a
// forest. Link rejects anything that would close a cycle.
type Chains struct {
	mu     sync.RWMutex
	parent map[string]string
}

// NewChains creates an empty chain set
func NewChains() *Chains {
	return &Chains{parent: make(map[string]string)}
}

// Link records that duplicate is a duplicate of original.
func (c *Chains) Link(duplicate, original string) error {
	if duplicate == "" || original == "" {
		return fmt.Errorf("duplicate and original ids are required")
	}
	if duplicate == original {
		return fmt.Errorf("issue %s cannot be a duplicate of itself", duplicate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.parent[duplicate]; ok && existing != original {
		return fmt.Errorf("issue %s is already linked to %s", duplicate, existing)
	}
	if c.rootLocked(original) == duplicate {
		return fmt.Errorf("linking %s to %s would form a cycle", duplicate, original)
	}
	c.parent[duplicate] = original
	return nil
}

// Canonical returns the root of id's chain, or id itself when it is not a
// known duplicate.
func (c *Chains) Canonical(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootLocked(id)
}

// Path returns id followed by every issue it links to, ending at the root.
func (c *Chains) Path(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path := []string{id}
	seen := map[string]bool{id: true}
	for {
		next, ok := c.parent[path[len(path)-1]]
		if !ok || seen[next] {
			return path
		}
		seen[next] = true
		path = append(path, next)
	}
}

// IsDuplicate reports whether id was linked to an older issue.
func (c *Chains) IsDuplicate(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.parent[id]
	return ok
}

// Len returns the number of recorded links
func (c *Chains) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parent)
}

func (c *Chains) rootLocked(id string) string {
	seen := map[string]bool{id: true}
	for {
		next, ok := c.parent[id]
		if !ok || seen[next] {
			return id
		}
		seen[next] = true
		id = next
	}
}
