package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlassian/nodetracker"
)

const testNetwork = nodetracker.NetworkType(152)

// firstSource always picks the first remaining entry.
type firstSource struct{}

func (firstSource) Intn(n int) int { return 0 }

// lastSource always picks the last remaining entry.
type lastSource struct{}

func (lastSource) Intn(n int) int { return n - 1 }

func newNode(url string, network nodetracker.NetworkType) *nodetracker.Node {
	return nodetracker.NewNode(nodetracker.NodeStatistics{
		NetworkIdentifier: network,
		APIStatus:         &nodetracker.APIStatus{RestGatewayURL: url},
	})
}

func probed(url string, latency time.Duration) *nodetracker.Node {
	n := newNode(url, testNetwork)
	n.SetLatency(latency)
	return n
}

func failed(url string) *nodetracker.Node {
	n := newNode(url, testNetwork)
	n.SetError("connection refused")
	return n
}

func urls(nodes []*nodetracker.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.URL())
	}
	return out
}

func fixtureNodes() []*nodetracker.Node {
	otherNetwork := newNode("https://other", 104)
	otherNetwork.SetLatency(time.Millisecond)
	return []*nodetracker.Node{
		probed("https://slow", 900*time.Millisecond),
		failed("https://broken"),
		probed("https://fast", 10*time.Millisecond),
		newNode("https://unprobed", testNetwork),
		otherNetwork,
		probed("https://medium", 100*time.Millisecond),
	}
}

func TestRankedTableFiltersAndSorts(t *testing.T) {
	t.Parallel()
	s := New(testNetwork, firstSource{})
	nodes := fixtureNodes()

	require.Equal(t,
		[]string{"https://fast", "https://medium", "https://slow", "https://unprobed"},
		urls(s.RankedTable(nodes, NoLatencyLimit)))
	require.Equal(t,
		[]string{"https://fast", "https://medium"},
		urls(s.RankedTable(nodes, 100*time.Millisecond)))
	require.Empty(t, s.RankedTable(nodes, time.Millisecond))
}

func TestRankedTableIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(testNetwork, nil)
	nodes := []*nodetracker.Node{
		probed("https://a", 5*time.Millisecond),
		probed("https://b", 5*time.Millisecond),
		probed("https://c", time.Millisecond),
		probed("https://d", 5*time.Millisecond),
	}
	first := s.RankedTable(nodes, NoLatencyLimit)
	second := s.RankedTable(nodes, NoLatencyLimit)
	require.Equal(t, urls(first), urls(second))
	require.Equal(t, []string{"https://c", "https://a", "https://b", "https://d"}, urls(first))
}

func TestPickMultiWithoutReplacement(t *testing.T) {
	t.Parallel()
	s := New(testNetwork, firstSource{})
	picked := s.PickMulti(fixtureNodes(), 10, 0, NoLatencyLimit)
	require.Equal(t, []string{"https://fast", "https://medium", "https://slow", "https://unprobed"}, urls(picked))

	s = New(testNetwork, lastSource{})
	picked = s.PickMulti(fixtureNodes(), 2, 3, NoLatencyLimit)
	require.Equal(t, []string{"https://slow", "https://medium"}, urls(picked))
}

func TestPickMultiBounds(t *testing.T) {
	t.Parallel()
	nodes := make([]*nodetracker.Node, 0, 20)
	for i := 0; i < 20; i++ {
		nodes = append(nodes, probed(fmt.Sprintf("https://n%02d", i), time.Duration(i+1)*time.Millisecond))
	}
	s := New(testNetwork, NewSource(42))

	for round := 0; round < 200; round++ {
		count := round%7 + 1
		top := round%5 + 1
		maxLatency := time.Duration(round%15+1) * time.Millisecond

		ranked := s.RankedTable(nodes, maxLatency)
		limit := top
		if len(ranked) < limit {
			limit = len(ranked)
		}
		allowed := map[string]bool{}
		for _, n := range ranked[:limit] {
			allowed[n.URL()] = true
		}
		if count < limit {
			limit = count
		}

		picked := s.PickMulti(nodes, count, top, maxLatency)
		require.Len(t, picked, limit)
		seen := map[string]bool{}
		for _, n := range picked {
			require.False(t, seen[n.URL()], "duplicate %s", n.URL())
			seen[n.URL()] = true
			require.True(t, allowed[n.URL()], "%s is not among the top %d", n.URL(), top)
			latency, ok := n.Latency()
			require.True(t, ok)
			require.LessOrEqual(t, int64(latency), int64(maxLatency))
		}
	}
}

func TestPickOneSpreadsOverTop(t *testing.T) {
	t.Parallel()
	nodes := []*nodetracker.Node{
		probed("https://a", 1*time.Millisecond),
		probed("https://b", 2*time.Millisecond),
		probed("https://c", 3*time.Millisecond),
	}
	s := New(testNetwork, NewSource(1))

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[s.PickOne(nodes, 2, NoLatencyLimit).URL()]++
	}
	require.Zero(t, counts["https://c"])
	require.Greater(t, counts["https://a"], 350)
	require.Greater(t, counts["https://b"], 350)
}

func TestPickOneNone(t *testing.T) {
	t.Parallel()
	s := New(testNetwork, nil)
	require.Nil(t, s.PickOne(nil, 10, NoLatencyLimit))
	require.Nil(t, s.PickOne([]*nodetracker.Node{failed("https://x")}, 10, NoLatencyLimit))
	require.Empty(t, s.PickMulti(fixtureNodes(), 0, 10, NoLatencyLimit))
}
