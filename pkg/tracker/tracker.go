// Package tracker keeps a registry of gateway nodes, probes them with a bounded pool of workers, and picks fast
// healthy nodes from the result.
//
// Sweeps (PingAll and CheckHealth) must not run concurrently on the same Tracker, and Discovery must not run during
// a sweep.  Reads (Nodes, RankedTable, the pick methods) are safe at any time.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	"golang.org/x/time/rate"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/cache"
	"github.com/atlassian/nodetracker/pkg/discovery"
	"github.com/atlassian/nodetracker/pkg/events"
	"github.com/atlassian/nodetracker/pkg/prober"
	"github.com/atlassian/nodetracker/pkg/registry"
	"github.com/atlassian/nodetracker/pkg/selector"
	"github.com/atlassian/nodetracker/pkg/stats"
	"github.com/atlassian/nodetracker/pkg/transport"
	"github.com/atlassian/nodetracker/pkg/util"
)

// Options configures a Tracker.  Zero values select defaults where one exists.
type Options struct {
	StatsServiceURL      string
	NetworkType          nodetracker.NetworkType
	MaxParallels         int
	WebSocketTimeout     time.Duration
	NoWebSocketChallenge bool
	VerifyNetwork        bool
	ControlPath          string
	ProbeRateLimit       float64 // probes started per second, 0 is unlimited

	// CachedNodes and CacheTimestamp seed the registry before the first Discovery.
	CachedNodes    []nodetracker.NodeStatistics
	CacheTimestamp time.Time

	DiscoveryClient *transport.Client
	ProbeClient     *transport.Client
	Retry           util.BackoffFactory
	Source          selector.Source
	Cache           cache.Store
	EventBufferSize int
}

// Tracker owns the node registry and the state of the current sweep.
type Tracker struct {
	logger logrus.FieldLogger
	opts   Options

	registry   *registry.Registry
	discoverer *discovery.Discoverer
	prober     *prober.Prober
	selector   *selector.Selector
	bus        *events.Bus
	limiter    *rate.Limiter

	channels  *channelSet
	completed int64 // atomic
	sweeping  int32 // atomic
}

// New validates options and creates a Tracker.  Configuration errors are reported here rather than on first use.
func New(logger logrus.FieldLogger, opts Options) (*Tracker, error) {
	if opts.NetworkType == 0 {
		return nil, errors.New(nodetracker.ParamNetworkType + " is required")
	}
	if opts.MaxParallels < 0 {
		return nil, errors.New(nodetracker.ParamMaxParallels + " must be positive")
	}
	if opts.MaxParallels == 0 {
		opts.MaxParallels = nodetracker.DefaultMaxParallels
	}
	if opts.WebSocketTimeout < 0 {
		return nil, errors.New(nodetracker.ParamWebSocketTimeout + " must be positive")
	}
	if opts.WebSocketTimeout == 0 {
		opts.WebSocketTimeout = nodetracker.DefaultWebSocketTimeout
	}
	if opts.ProbeRateLimit < 0 {
		return nil, errors.New(nodetracker.ParamProbeRateLimit + " must not be negative")
	}
	if opts.ControlPath == "" {
		opts.ControlPath = nodetracker.DefaultControlPath
	}
	if !strings.HasPrefix(opts.ControlPath, "/") {
		return nil, errors.New(nodetracker.ParamControlPath + " must start with /")
	}
	if opts.DiscoveryClient == nil {
		opts.DiscoveryClient = transport.NewClient(http.DefaultClient, nil)
	}
	if opts.ProbeClient == nil {
		opts.ProbeClient = opts.DiscoveryClient
	}
	if opts.EventBufferSize == 0 {
		opts.EventBufferSize = events.DefaultBufferSize
	}

	var limiter *rate.Limiter
	if opts.ProbeRateLimit > 0 {
		burst := int(opts.ProbeRateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.ProbeRateLimit), burst)
	}

	cached := registry.Validate(opts.NetworkType, opts.CachedNodes)
	if len(cached) != len(opts.CachedNodes) {
		logger.WithFields(logrus.Fields{
			"cached":   len(opts.CachedNodes),
			"accepted": len(cached),
		}).Warn("dropped invalid cached nodes")
	}

	return &Tracker{
		logger:     logger,
		opts:       opts,
		registry:   registry.New(registry.NewNodes(cached), opts.CacheTimestamp),
		discoverer: discovery.New(logger, opts.DiscoveryClient, opts.StatsServiceURL, opts.NetworkType, opts.Retry),
		prober: prober.New(logger, opts.ProbeClient, prober.Config{
			NetworkType:          opts.NetworkType,
			ControlPath:          opts.ControlPath,
			VerifyNetwork:        opts.VerifyNetwork,
			NoWebSocketChallenge: opts.NoWebSocketChallenge,
			WebSocketTimeout:     opts.WebSocketTimeout,
		}),
		selector: selector.New(opts.NetworkType, opts.Source),
		bus:      events.NewBus(opts.EventBufferSize),
		limiter:  limiter,
		channels: newChannelSet(),
	}, nil
}

// Discovery fetches and validates descriptors from the stats service, keeps those whose REST gateway URL is in the
// allowlist (all of them if it is empty), and replaces the registry with fresh nodes.  On failure the registry is
// left as it was.
func (t *Tracker) Discovery(ctx context.Context, allowlist ...string) ([]*nodetracker.Node, error) {
	if t.opts.StatsServiceURL == "" {
		return nil, &discovery.Error{Err: errors.New(nodetracker.ParamStatsServiceURL + " is not configured")}
	}
	descriptors, err := t.discoverer.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(allowlist) > 0 {
		descriptors = allowed(descriptors, allowlist)
	}

	now := clock.FromContext(ctx).Now()
	nodes := registry.NewNodes(descriptors)
	t.registry.Replace(nodes, now)

	if t.opts.Cache != nil {
		if err := t.opts.Cache.Save(ctx, cache.Snapshot{Nodes: descriptors, Timestamp: now}); err != nil {
			t.logger.WithError(err).Warn("failed to save snapshot")
		}
	}
	return nodes, nil
}

func allowed(descriptors []nodetracker.NodeStatistics, allowlist []string) []nodetracker.NodeStatistics {
	urls := make(map[string]struct{}, len(allowlist))
	for _, u := range allowlist {
		urls[u] = struct{}{}
	}
	result := make([]nodetracker.NodeStatistics, 0, len(descriptors))
	for _, d := range descriptors {
		if _, ok := urls[d.APIStatus.RestGatewayURL]; ok {
			result = append(result, d)
		}
	}
	return result
}

// PingAll probes every node in the registry with MaxParallels workers and returns the nodes it swept, once all
// workers have stopped.  Nodes not reached because of AbortPinging keep their previous state.  Cancelling ctx has
// the same effect as AbortPinging.
func (t *Tracker) PingAll(ctx context.Context) []*nodetracker.Node {
	t.startSweep()
	defer t.endSweep()

	nodes := t.registry.Snapshot()
	total := len(nodes)
	queue := make(chan *nodetracker.Node, total)
	for _, n := range nodes {
		queue <- n
	}
	close(queue)

	statser := stats.FromContext(ctx).WithTags(nodetracker.Tags{"component:tracker"})
	timer := statser.NewTimer("sweep.duration", nil)
	defer timer.Stop()

	logger := t.logger.WithFields(logrus.Fields{
		"nodes":         total,
		"max-parallels": t.opts.MaxParallels,
	})
	logger.Info("starting sweep")

	// The watcher is waited for, so that it never aborts a later sweep.
	done := make(chan struct{})
	var watcher wait.Group
	watcher.Start(func() {
		select {
		case <-ctx.Done():
			select {
			case <-done:
			default:
				t.AbortPinging()
			}
		case <-done:
		}
	})

	var wg wait.Group
	for i := 0; i < t.opts.MaxParallels; i++ {
		wg.Start(func() {
			t.work(ctx, queue, total)
		})
	}
	wg.Wait()
	close(done)
	watcher.Wait()

	completed := int(atomic.LoadInt64(&t.completed))
	statser.Gauge("sweep.completed", float64(completed), nil)
	logger.WithFields(logrus.Fields{
		"completed": completed,
		"aborted":   t.IsAborting(),
	}).Info("sweep finished")
	return nodes
}

func (t *Tracker) work(ctx context.Context, queue <-chan *nodetracker.Node, total int) {
	for {
		if t.IsAborting() || ctx.Err() != nil {
			return
		}
		node, ok := <-queue
		if !ok {
			return
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			if t.IsAborting() {
				return
			}
		}
		t.probe(ctx, node, total)
	}
}

func (t *Tracker) probe(ctx context.Context, node *nodetracker.Node, total int) {
	t.prober.Probe(ctx, node, t.channels)
	index := atomic.AddInt64(&t.completed, 1)
	t.bus.Publish(nodetracker.ProgressEvent{
		Node:  node,
		Index: int(index),
		Total: total,
	})
}

// AbortPinging stops the current sweep: workers stop taking nodes and open push channels are closed, failing the
// probes waiting on them.  It does not wait for the sweep to finish.
func (t *Tracker) AbortPinging() {
	closed := t.channels.abort()
	t.logger.WithField("closed-channels", closed).Info("aborting sweep")
}

// CheckHealth probes the node whose REST gateway URL is url, and returns it if the probe succeeded within
// maxLatency.  If there is no such node nothing is probed and nil is returned.
func (t *Tracker) CheckHealth(ctx context.Context, url string, maxLatency time.Duration) *nodetracker.Node {
	t.startSweep()
	defer t.endSweep()

	node := t.registry.Find(url, t.opts.NetworkType)
	if node == nil {
		t.logger.WithField("url", url).Debug("health check of unknown node")
		return nil
	}
	t.probe(ctx, node, 1)

	latency, ok := node.Latency()
	if !ok || node.LatestError() != "" || latency > maxLatency {
		return nil
	}
	return node
}

func (t *Tracker) startSweep() {
	t.channels.reset()
	atomic.StoreInt64(&t.completed, 0)
	if !atomic.CompareAndSwapInt32(&t.sweeping, 0, 1) {
		t.logger.Warn("sweep started while another is running")
	}
}

func (t *Tracker) endSweep() {
	atomic.StoreInt32(&t.sweeping, 0)
}

// RankedTable returns the healthy nodes no slower than maxLatency, fastest first.
func (t *Tracker) RankedTable(maxLatency time.Duration) []*nodetracker.Node {
	return t.selector.RankedTable(t.registry.Snapshot(), maxLatency)
}

// PickMulti returns up to count nodes picked at random from the top fastest nodes no slower than maxLatency.
func (t *Tracker) PickMulti(count, top int, maxLatency time.Duration) []*nodetracker.Node {
	return t.selector.PickMulti(t.registry.Snapshot(), count, top, maxLatency)
}

// PickOne returns a node picked as PickMulti would, or nil.
func (t *Tracker) PickOne(top int, maxLatency time.Duration) *nodetracker.Node {
	return t.selector.PickOne(t.registry.Snapshot(), top, maxLatency)
}

// Nodes returns the current registry contents.  The slice is a copy, the nodes are shared.
func (t *Tracker) Nodes() []*nodetracker.Node {
	return t.registry.Snapshot()
}

// DiscoveredAt returns when the registry contents were discovered, and false if that is unknown.
func (t *Tracker) DiscoveredAt() (time.Time, bool) {
	return t.registry.DiscoveredAt()
}

func (t *Tracker) NetworkType() nodetracker.NetworkType {
	return t.opts.NetworkType
}

func (t *Tracker) IsAborting() bool {
	return t.channels.isAborting()
}

// IsSweeping returns true while PingAll or CheckHealth is running.
func (t *Tracker) IsSweeping() bool {
	return atomic.LoadInt32(&t.sweeping) != 0
}

// NumActiveChannels returns the number of push channels currently held open by probes.
func (t *Tracker) NumActiveChannels() int {
	return t.channels.len()
}

// Subscribe registers for progress events.  The returned function unsubscribes.  Publishing never blocks: once a
// subscriber's buffer (EventBufferSize) is full, further events are dropped for it until it catches up, so a slow
// reader may see fewer events than probes.
func (t *Tracker) Subscribe() (<-chan nodetracker.ProgressEvent, func()) {
	return t.bus.Subscribe()
}

func (t *Tracker) String() string {
	return fmt.Sprintf("tracker(network=%d, nodes=%d)", t.opts.NetworkType, t.registry.Len())
}
