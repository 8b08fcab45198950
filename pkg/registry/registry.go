package registry

import (
	"sync"
	"time"

	"github.com/atlassian/nodetracker"
)

// Registry holds the nodes found by the most recent discovery.  The collection is only ever replaced as a whole,
// never merged, and readers get a copy of the slice.  Thread safe.
type Registry struct {
	mu           sync.RWMutex
	nodes        []*nodetracker.Node
	discoveredAt time.Time
}

// New returns a Registry seeded with nodes, typically from a cached snapshot.  A zero discoveredAt means the time
// of discovery is unknown.
func New(nodes []*nodetracker.Node, discoveredAt time.Time) *Registry {
	return &Registry{
		nodes:        append([]*nodetracker.Node(nil), nodes...),
		discoveredAt: discoveredAt,
	}
}

// Replace swaps the contents of the registry and records when they were discovered.
func (r *Registry) Replace(nodes []*nodetracker.Node, discoveredAt time.Time) {
	nodes = append([]*nodetracker.Node(nil), nodes...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	r.discoveredAt = discoveredAt
}

// Snapshot returns a copy of the current node list.  The nodes themselves are shared.
func (r *Registry) Snapshot() []*nodetracker.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*nodetracker.Node(nil), r.nodes...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// DiscoveredAt returns the time of the last discovery, and false if it is unknown.
func (r *Registry) DiscoveredAt() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.discoveredAt, !r.discoveredAt.IsZero()
}

// Find returns the first node on the given network whose REST gateway URL is url.
func (r *Registry) Find(url string, networkType nodetracker.NetworkType) *nodetracker.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.NetworkIdentifier() == networkType && n.URL() == url {
			return n
		}
	}
	return nil
}
