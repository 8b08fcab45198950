package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/internal/fixtures"
	"github.com/atlassian/nodetracker/pkg/cache"
	"github.com/atlassian/nodetracker/pkg/discovery"
	"github.com/atlassian/nodetracker/pkg/healthcheck"
	"github.com/atlassian/nodetracker/pkg/prober"
	"github.com/atlassian/nodetracker/pkg/ready"
	"github.com/atlassian/nodetracker/pkg/transport"
)

type statsService struct {
	*httptest.Server
	descriptors atomic.Value // []nodetracker.NodeStatistics
	fail        int32        // atomic
}

func newStatsService(t *testing.T, descriptors ...nodetracker.NodeStatistics) *statsService {
	ss := &statsService{}
	ss.descriptors.Store(descriptors)
	ss.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&ss.fail) != 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.NoError(t, jsoniter.NewEncoder(w).Encode(ss.descriptors.Load()))
	}))
	t.Cleanup(ss.Close)
	return ss
}

func newTracker(t *testing.T, opts Options) *Tracker {
	if opts.NetworkType == 0 {
		opts.NetworkType = fixtures.TestNetworkType
	}
	if opts.DiscoveryClient == nil {
		opts.DiscoveryClient = transport.NewClient(http.DefaultClient, nil)
	}
	tr, err := New(fixtures.NewTestLogger(t), opts)
	require.NoError(t, err)
	return tr
}

func gatewayDescriptor(g *fixtures.GatewayServer, opts ...fixtures.DescriptorOpt) nodetracker.NodeStatistics {
	return fixtures.MakeDescriptor(append([]fixtures.DescriptorOpt{fixtures.Gateway(g)}, opts...)...)
}

func drain(ch <-chan nodetracker.ProgressEvent) []nodetracker.ProgressEvent {
	var result []nodetracker.ProgressEvent
	for {
		select {
		case e := <-ch:
			result = append(result, e)
		default:
			return result
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	logger := fixtures.NewTestLogger(t)
	valid := Options{NetworkType: fixtures.TestNetworkType}

	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"missing network type", func(o *Options) { o.NetworkType = 0 }},
		{"negative max parallels", func(o *Options) { o.MaxParallels = -1 }},
		{"negative websocket timeout", func(o *Options) { o.WebSocketTimeout = -time.Second }},
		{"negative rate limit", func(o *Options) { o.ProbeRateLimit = -1 }},
		{"relative control path", func(o *Options) { o.ControlPath = "network/properties" }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			opts := valid
			tc.modify(&opts)
			tr, err := New(logger, opts)
			require.Error(t, err)
			require.Nil(t, tr)
		})
	}

	tr, err := New(logger, valid)
	require.NoError(t, err)
	assert.Equal(t, nodetracker.DefaultMaxParallels, tr.opts.MaxParallels)
	assert.Equal(t, nodetracker.DefaultWebSocketTimeout, tr.opts.WebSocketTimeout)
	assert.Equal(t, nodetracker.DefaultControlPath, tr.opts.ControlPath)
	assert.Nil(t, tr.limiter)
}

func TestWarmStart(t *testing.T) {
	t.Parallel()

	at := time.Unix(1600000000, 0)
	tr := newTracker(t, Options{
		CachedNodes: []nodetracker.NodeStatistics{
			fixtures.MakeDescriptor(fixtures.Host("a")),
			fixtures.MakeDescriptor(fixtures.Host("b"), fixtures.Network(104)),
		},
		CacheTimestamp: at,
	})

	nodes := tr.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].Host())
	discoveredAt, ok := tr.DiscoveredAt()
	require.True(t, ok)
	assert.Equal(t, at, discoveredAt)

	_, ok = newTracker(t, Options{}).DiscoveredAt()
	assert.False(t, ok)
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	ss := newStatsService(t,
		fixtures.MakeDescriptor(fixtures.Host("a"), fixtures.RestURL("https://a:3001")),
		fixtures.MakeDescriptor(fixtures.Host("b"), fixtures.RestURL("https://b:3001")),
		fixtures.MakeDescriptor(fixtures.Host("c"), fixtures.RestURL("https://c:3001"), fixtures.Unavailable()),
	)
	tr := newTracker(t, Options{StatsServiceURL: ss.URL})
	ctx := context.Background()

	nodes, err := tr.Discovery(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Len(t, tr.Nodes(), 2)
	_, ok := tr.DiscoveredAt()
	require.True(t, ok)

	nodes, err = tr.Discovery(ctx, "https://b:3001", "https://c:3001")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "b", nodes[0].Host())

	// A failed discovery leaves the previous registry in place.
	before := tr.Nodes()
	atomic.StoreInt32(&ss.fail, 1)
	nodes, err = tr.Discovery(ctx)
	require.Nil(t, nodes)
	var de *discovery.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, before, tr.Nodes())
}

func TestDiscoveryReplacesRecords(t *testing.T) {
	t.Parallel()

	ss := newStatsService(t, fixtures.MakeDescriptor())
	tr := newTracker(t, Options{StatsServiceURL: ss.URL})
	ctx := context.Background()

	first, err := tr.Discovery(ctx)
	require.NoError(t, err)
	first[0].SetLatency(time.Millisecond)

	second, err := tr.Discovery(ctx)
	require.NoError(t, err)
	require.NotSame(t, first[0], second[0])
	_, ok := second[0].Latency()
	require.False(t, ok)
}

func TestDiscoveryWithoutStatsService(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, Options{})
	_, err := tr.Discovery(context.Background())
	var de *discovery.Error
	require.ErrorAs(t, err, &de)
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	a := fixtures.NewGateway(t)
	b := fixtures.NewGateway(t)
	c := fixtures.NewGateway(t)
	ss := newStatsService(t,
		gatewayDescriptor(a),
		gatewayDescriptor(b),
		gatewayDescriptor(c, fixtures.Network(104)),
	)
	tr := newTracker(t, Options{
		StatsServiceURL:  ss.URL,
		MaxParallels:     2,
		WebSocketTimeout: 5 * time.Second,
	})
	events, unsubscribe := tr.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	_, err := tr.Discovery(ctx)
	require.NoError(t, err)
	swept := tr.PingAll(ctx)
	require.Len(t, swept, 2)

	for _, n := range swept {
		_, ok := n.Latency()
		assert.True(t, ok, n.URL())
		assert.Empty(t, n.LatestError())
	}
	assert.Zero(t, c.ControlCalls())
	assert.Zero(t, tr.NumActiveChannels())

	received := drain(events)
	require.Len(t, received, 2)
	var indexes []int
	for _, e := range received {
		indexes = append(indexes, e.Index)
		assert.Equal(t, 2, e.Total)
	}
	assert.ElementsMatch(t, []int{1, 2}, indexes)

	for i := 0; i < 20; i++ {
		picked := tr.PickOne(2, 2000*time.Millisecond)
		require.NotNil(t, picked)
		require.Contains(t, []string{a.URL(), b.URL()}, picked.URL())
	}
}

func TestSilentPushChannel(t *testing.T) {
	t.Parallel()

	healthy := fixtures.NewGateway(t)
	silent := fixtures.NewGateway(t, fixtures.SilentWebSocket())
	tr := newTracker(t, Options{
		CachedNodes:      []nodetracker.NodeStatistics{gatewayDescriptor(healthy), gatewayDescriptor(silent)},
		WebSocketTimeout: 200 * time.Millisecond,
	})

	tr.PingAll(context.Background())

	for _, n := range tr.Nodes() {
		latency, ok := n.Latency()
		if n.URL() == silent.URL() {
			assert.False(t, ok)
			assert.Contains(t, n.LatestError(), "no websocket greeting")
			assert.Equal(t, 1, silent.ControlCalls())
		} else {
			assert.True(t, ok)
			assert.Greater(t, int64(latency), int64(0))
		}
	}
	assert.Equal(t, []string{healthy.URL()}, urls(tr.RankedTable(time.Minute)))
}

func urls(nodes []*nodetracker.Node) []string {
	result := make([]string, 0, len(nodes))
	for _, n := range nodes {
		result = append(result, n.URL())
	}
	return result
}

func TestExactlyOneLivenessAfterSweep(t *testing.T) {
	t.Parallel()

	down := fixtures.NewGateway(t)
	down.Close()
	descriptors := []nodetracker.NodeStatistics{
		gatewayDescriptor(fixtures.NewGateway(t)),
		gatewayDescriptor(fixtures.NewGateway(t, fixtures.ControlStatus(http.StatusServiceUnavailable))),
		gatewayDescriptor(fixtures.NewGateway(t, fixtures.SilentWebSocket())),
		gatewayDescriptor(down),
		gatewayDescriptor(fixtures.NewGateway(t)),
	}
	tr := newTracker(t, Options{
		CachedNodes:      descriptors,
		MaxParallels:     3,
		WebSocketTimeout: 200 * time.Millisecond,
	})
	for _, n := range tr.Nodes() {
		n.SetError("stale")
	}

	tr.PingAll(context.Background())

	healthy := 0
	for _, n := range tr.Nodes() {
		_, hasLatency := n.Latency()
		hasError := n.LatestError() != ""
		require.True(t, hasLatency != hasError, n.URL())
		if hasLatency {
			healthy++
		}
	}
	require.Equal(t, 2, healthy)
}

func TestRankedTableIdempotent(t *testing.T) {
	t.Parallel()

	var descriptors []nodetracker.NodeStatistics
	for i := 0; i < 4; i++ {
		descriptors = append(descriptors, gatewayDescriptor(fixtures.NewGateway(t)))
	}
	tr := newTracker(t, Options{CachedNodes: descriptors, WebSocketTimeout: 5 * time.Second})
	tr.PingAll(context.Background())

	first := tr.RankedTable(time.Minute)
	second := tr.RankedTable(time.Minute)
	require.Len(t, first, 4)
	require.Equal(t, first, second)
}

func TestAbortPinging(t *testing.T) {
	t.Parallel()

	var descriptors []nodetracker.NodeStatistics
	for i := 0; i < 6; i++ {
		descriptors = append(descriptors, gatewayDescriptor(fixtures.NewGateway(t, fixtures.SilentWebSocket())))
	}
	tr := newTracker(t, Options{
		CachedNodes:      descriptors,
		MaxParallels:     2,
		WebSocketTimeout: time.Minute,
	})
	const previous = 42 * time.Millisecond
	for _, n := range tr.Nodes() {
		n.SetLatency(previous)
	}
	events, unsubscribe := tr.Subscribe()
	defer unsubscribe()

	done := make(chan []*nodetracker.Node)
	go func() {
		done <- tr.PingAll(context.Background())
	}()

	require.Eventually(t, func() bool {
		return tr.NumActiveChannels() == 2
	}, 10*time.Second, 10*time.Millisecond)
	tr.AbortPinging()
	require.True(t, tr.IsAborting())

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("PingAll did not return after abort")
	}

	untouched, failed := 0, 0
	for _, n := range tr.Nodes() {
		latency, ok := n.Latency()
		if ok && latency == previous && n.LatestError() == "" {
			untouched++
			continue
		}
		assert.Contains(t, n.LatestError(), prober.ErrAborted.Error())
		failed++
	}
	assert.Equal(t, 4, untouched)
	assert.Equal(t, 2, failed)
	assert.Len(t, drain(events), 2)
	assert.Eventually(t, func() bool {
		return tr.NumActiveChannels() == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestAbortPingingInterruptsHandshake(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	stalled := fixtures.NewStalledWebSocket(t)
	tr := newTracker(t, Options{
		CachedNodes:      []nodetracker.NodeStatistics{gatewayDescriptor(g, fixtures.WebSocketURL(stalled.URL()))},
		MaxParallels:     1,
		WebSocketTimeout: time.Minute,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.PingAll(context.Background())
	}()

	require.Eventually(t, func() bool {
		return stalled.Accepted() == 1 && tr.NumActiveChannels() == 1
	}, 10*time.Second, 10*time.Millisecond)
	tr.AbortPinging()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("PingAll did not return after abort")
	}
	node := tr.Nodes()[0]
	assert.Contains(t, node.LatestError(), prober.ErrAborted.Error())
	assert.Zero(t, tr.NumActiveChannels())
}

func TestCancelledSweepDoesNotAbortNextSweep(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	tr := newTracker(t, Options{
		CachedNodes:          []nodetracker.NodeStatistics{gatewayDescriptor(g)},
		NoWebSocketChallenge: true,
	})

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tr.PingAll(ctx)

		tr.PingAll(context.Background())
		require.False(t, tr.IsAborting())
		require.True(t, tr.Nodes()[0].Healthy(), "sweep %d", i)
	}
}

func TestSubscriberWithFullBufferMissesEvents(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	tr := newTracker(t, Options{
		CachedNodes:          []nodetracker.NodeStatistics{gatewayDescriptor(g), gatewayDescriptor(g), gatewayDescriptor(g)},
		NoWebSocketChallenge: true,
		EventBufferSize:      1,
	})
	events, unsubscribe := tr.Subscribe()
	defer unsubscribe()

	tr.PingAll(context.Background())

	received := drain(events)
	require.Len(t, received, 1)
	assert.Equal(t, 3, received[0].Total)
}

func TestCancelAbortsSweep(t *testing.T) {
	t.Parallel()

	var descriptors []nodetracker.NodeStatistics
	for i := 0; i < 3; i++ {
		descriptors = append(descriptors, gatewayDescriptor(fixtures.NewGateway(t, fixtures.SilentWebSocket())))
	}
	tr := newTracker(t, Options{
		CachedNodes:      descriptors,
		MaxParallels:     1,
		WebSocketTimeout: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.PingAll(ctx)
	}()
	require.Eventually(t, func() bool {
		return tr.NumActiveChannels() == 1
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("PingAll did not return after cancel")
	}
	probed := 0
	for _, n := range tr.Nodes() {
		if n.LatestError() != "" {
			probed++
		}
	}
	require.Equal(t, 1, probed)
}

func TestSweepResetsAbort(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, Options{
		CachedNodes:      []nodetracker.NodeStatistics{gatewayDescriptor(fixtures.NewGateway(t))},
		WebSocketTimeout: 5 * time.Second,
	})
	tr.AbortPinging()
	require.True(t, tr.IsAborting())

	tr.PingAll(context.Background())
	require.False(t, tr.IsAborting())
	require.True(t, tr.Nodes()[0].Healthy())
}

func TestProbeRateLimit(t *testing.T) {
	t.Parallel()

	var descriptors []nodetracker.NodeStatistics
	for i := 0; i < 3; i++ {
		descriptors = append(descriptors, gatewayDescriptor(fixtures.NewGateway(t)))
	}
	tr := newTracker(t, Options{
		CachedNodes:          descriptors,
		NoWebSocketChallenge: true,
		ProbeRateLimit:       10,
	})
	require.NotNil(t, tr.limiter)

	tr.PingAll(context.Background())
	for _, n := range tr.Nodes() {
		require.True(t, n.Healthy())
	}
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	tr := newTracker(t, Options{
		CachedNodes:      []nodetracker.NodeStatistics{gatewayDescriptor(g)},
		WebSocketTimeout: 5 * time.Second,
	})
	events, unsubscribe := tr.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	require.Nil(t, tr.CheckHealth(ctx, "https://unknown.example.com:3001", time.Minute))
	require.Empty(t, drain(events))
	require.Zero(t, g.ControlCalls())
	_, ok := tr.Nodes()[0].Latency()
	require.False(t, ok)
	require.Empty(t, tr.Nodes()[0].LatestError())

	tr.AbortPinging()
	node := tr.CheckHealth(ctx, g.URL(), time.Minute)
	require.NotNil(t, node)
	require.True(t, node.Healthy())
	received := drain(events)
	require.Len(t, received, 1)
	require.Equal(t, 1, received[0].Index)
	require.Equal(t, 1, received[0].Total)
	require.Same(t, node, received[0].Node)

	// Healthy but slower than the limit.
	require.Nil(t, tr.CheckHealth(ctx, g.URL(), 0))
	require.True(t, tr.Nodes()[0].Healthy())
	require.Len(t, drain(events), 1)
}

func TestCheckHealthFailure(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t, fixtures.ControlStatus(http.StatusBadGateway))
	tr := newTracker(t, Options{CachedNodes: []nodetracker.NodeStatistics{gatewayDescriptor(g)}})

	require.Nil(t, tr.CheckHealth(context.Background(), g.URL(), time.Minute))
	require.NotEmpty(t, tr.Nodes()[0].LatestError())
}

func TestServiceRunOnceSavesSnapshot(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	ss := newStatsService(t, gatewayDescriptor(g))
	store := cache.NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	tr := newTracker(t, Options{
		StatsServiceURL:  ss.URL,
		WebSocketTimeout: 5 * time.Second,
		Cache:            store,
	})

	NewService(tr, 0, nil).Run(context.Background())

	require.Len(t, tr.Nodes(), 1)
	require.True(t, tr.Nodes()[0].Healthy())
	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Nodes, 1)
	require.Equal(t, g.URL(), snapshot.Nodes[0].APIStatus.RestGatewayURL)
}

func TestServiceSignalsReadyAfterFirstRefresh(t *testing.T) {
	t.Parallel()

	g := fixtures.NewGateway(t)
	ss := newStatsService(t, gatewayDescriptor(g))
	tr := newTracker(t, Options{
		StatsServiceURL:  ss.URL,
		WebSocketTimeout: 5 * time.Second,
	})

	var wgReady sync.WaitGroup
	wgReady.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = ready.WithWaitGroup(ctx, &wgReady)

	var wg wait.Group
	wg.StartWithContext(ctx, NewService(tr, time.Hour, nil).Run)
	wgReady.Wait()

	require.Len(t, tr.Nodes(), 1)
	require.True(t, tr.Nodes()[0].Healthy())
	cancel()
	wg.Wait()
}

func TestHealthChecks(t *testing.T) {
	t.Parallel()

	tr := newTracker(t, Options{
		CachedNodes:      []nodetracker.NodeStatistics{gatewayDescriptor(fixtures.NewGateway(t))},
		WebSocketTimeout: 5 * time.Second,
	})

	check := func(funcs []healthcheck.HealthcheckFunc) healthcheck.HealthyStatus {
		status := healthcheck.Healthy
		for _, f := range funcs {
			if _, s := f(); s == healthcheck.Unhealthy {
				status = healthcheck.Unhealthy
			}
		}
		return status
	}
	require.Equal(t, healthcheck.Unhealthy, check(tr.HealthChecks()))
	require.Equal(t, healthcheck.Unhealthy, check(tr.DeepChecks()))

	tr.PingAll(context.Background())
	require.Equal(t, healthcheck.Healthy, check(tr.HealthChecks()))
}

func TestNewFromViper(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, cache.NewFileStore(path).Save(context.Background(), cache.Snapshot{
		Nodes:     []nodetracker.NodeStatistics{fixtures.MakeDescriptor()},
		Timestamp: time.Unix(1600000000, 0),
	}))

	v := viper.New()
	v.Set(nodetracker.ParamNetworkType, int(fixtures.TestNetworkType))
	v.Set(nodetracker.ParamCacheType, cache.TypeFile)
	v.Set("cache.path", path)
	logger := fixtures.NewTestLogger(t)

	tr, err := NewFromViper(context.Background(), logger, v, transport.NewTransportPool(logger, v))
	require.NoError(t, err)
	require.Len(t, tr.Nodes(), 1)
	require.Equal(t, nodetracker.DefaultMaxParallels, tr.opts.MaxParallels)

	v.Set(nodetracker.ParamMaxParallels, 0)
	_, err = NewFromViper(context.Background(), logger, v, transport.NewTransportPool(logger, v))
	require.Error(t, err)
}

func TestServiceSerializesSweeps(t *testing.T) {
	t.Parallel()

	var descriptors []nodetracker.NodeStatistics
	for i := 0; i < 3; i++ {
		descriptors = append(descriptors, gatewayDescriptor(fixtures.NewGateway(t, fixtures.ControlDelay(50*time.Millisecond))))
	}
	svc := NewService(newTracker(t, Options{
		CachedNodes:          descriptors,
		MaxParallels:         1,
		NoWebSocketChallenge: true,
	}), 0, nil)
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			svc.PingAll(context.Background())
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	// Both sweeps ran to completion one after the other, so each reported 1 to 3.
	indexes := map[int]int{}
	for _, e := range drain(events) {
		indexes[e.Index]++
	}
	require.Equal(t, map[int]int{1: 2, 2: 2, 3: 2}, indexes)
}

func TestServiceDiscoveryUsesAllowlist(t *testing.T) {
	t.Parallel()

	ss := newStatsService(t,
		fixtures.MakeDescriptor(fixtures.RestURL("https://a:3001")),
		fixtures.MakeDescriptor(fixtures.RestURL("https://b:3001")),
	)
	svc := NewService(newTracker(t, Options{StatsServiceURL: ss.URL}), time.Minute, []string{"https://a:3001"})

	nodes, err := svc.Discovery(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "https://a:3001", nodes[0].URL())
}
