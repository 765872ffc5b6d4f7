package registry

import (
	"sort"
	"sync"

	"bespoke/pkg/node"
)

// Registry maps node ids to live nodes. It owns no network resources; closing
// a displaced node is the caller's job.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		nodes: make(map[string]*node.Node),
	}
}

// Add registers n under its id and returns the node it displaced, if any.
func (r *Registry) Add(n *node.Node) *node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := r.nodes[n.ID]
	r.nodes[n.ID] = n
	if displaced == n {
		return nil
	}
	return displaced
}

// Get returns the live node for id.
func (r *Registry) Get(id string) (*node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	return n, ok
}

// Remove deletes n if it is still the entry for its id. A node that was
// already displaced by a newer registration leaves the registry untouched.
func (r *Registry) Remove(n *node.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.nodes[n.ID]; !ok || current != n {
		return false
	}
	delete(r.nodes, n.ID)
	return true
}

// Nodes returns a snapshot of every live node.
func (r *Registry) Nodes() []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// IDs returns the ids of every live node, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of live nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
