// Package selector ranks probed nodes by latency and picks among the fastest at random, spreading load over the
// top candidates instead of always returning the single fastest node.
package selector

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/atlassian/nodetracker"
)

// NoLatencyLimit admits every node which has not failed, including nodes which have never been probed.
const NoLatencyLimit = time.Duration(math.MaxInt64)

// Source is the randomness used to pick nodes.  *rand.Rand satisfies it.
type Source interface {
	// Intn returns a number in [0,n).
	Intn(n int) int
}

// lockedSource makes a *rand.Rand safe for concurrent use.
type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (ls *lockedSource) Intn(n int) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.rnd.Intn(n)
}

// NewSource returns a thread safe Source seeded with seed.
func NewSource(seed int64) Source {
	return &lockedSource{rnd: rand.New(rand.NewSource(seed))}
}

// Selector picks nodes from a ranked table.
type Selector struct {
	networkType nodetracker.NetworkType
	source      Source
}

// New returns a Selector for nodes on networkType.  If source is nil, a time seeded source is used.
func New(networkType nodetracker.NetworkType, source Source) *Selector {
	if source == nil {
		source = NewSource(time.Now().UnixNano())
	}
	return &Selector{
		networkType: networkType,
		source:      source,
	}
}

func effectiveLatency(n *nodetracker.Node) time.Duration {
	if latency, ok := n.Latency(); ok {
		return latency
	}
	return NoLatencyLimit
}

// RankedTable returns the nodes on the selector's network which have no recorded error and a latency no greater
// than maxLatency, fastest first.  A node without a latency counts as infinitely slow.  Ties keep input order.
func (s *Selector) RankedTable(nodes []*nodetracker.Node, maxLatency time.Duration) []*nodetracker.Node {
	table := make([]*nodetracker.Node, 0, len(nodes))
	latencies := make(map[*nodetracker.Node]time.Duration, len(nodes))
	for _, n := range nodes {
		if n.NetworkIdentifier() != s.networkType || n.LatestError() != "" {
			continue
		}
		latency := effectiveLatency(n)
		if latency > maxLatency {
			continue
		}
		latencies[n] = latency
		table = append(table, n)
	}
	sort.SliceStable(table, func(i, j int) bool {
		return latencies[table[i]] < latencies[table[j]]
	})
	return table
}

// PickMulti returns up to count distinct nodes chosen uniformly at random from the top fastest entries of the
// ranked table.  A top of zero or less considers the whole table.  Fewer than count nodes are returned when not
// enough qualify.
func (s *Selector) PickMulti(nodes []*nodetracker.Node, count, top int, maxLatency time.Duration) []*nodetracker.Node {
	table := s.RankedTable(nodes, maxLatency)
	if top > 0 && top < len(table) {
		table = table[:top]
	}

	var result []*nodetracker.Node
	for i := 0; i < count && len(table) > 0; i++ {
		idx := s.source.Intn(len(table))
		result = append(result, table[idx])
		table = append(table[:idx], table[idx+1:]...)
	}
	return result
}

// PickOne returns a single node as PickMulti would, or nil if none qualify.
func (s *Selector) PickOne(nodes []*nodetracker.Node, top int, maxLatency time.Duration) *nodetracker.Node {
	picked := s.PickMulti(nodes, 1, top, maxLatency)
	if len(picked) == 0 {
		return nil
	}
	return picked[0]
}
