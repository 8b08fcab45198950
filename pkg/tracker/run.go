package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tilinna/clock"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/healthcheck"
	"github.com/atlassian/nodetracker/pkg/ready"
)

// Service serializes the operations of a Tracker which must not overlap, so that it can be shared between a
// periodic refresh and other callers such as the web API.  Reads and AbortPinging go straight to the Tracker.
type Service struct {
	*Tracker

	interval  time.Duration
	allowlist []string

	mu sync.Mutex // held by Discovery, PingAll and CheckHealth
}

// NewService creates a Service.  Run refreshes every interval; an interval of 0 refreshes once.
func NewService(tracker *Tracker, interval time.Duration, allowlist []string) *Service {
	return &Service{
		Tracker:   tracker,
		interval:  interval,
		allowlist: allowlist,
	}
}

// Run refreshes immediately, and then every interval until the context is closed.  It signals readiness once the
// first refresh is done.
func (s *Service) Run(ctx context.Context) {
	s.Refresh(ctx)
	ready.SignalReady(ctx)
	if s.interval <= 0 {
		return
	}

	ticker := clock.NewTicker(ctx, s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh rediscovers nodes and sweeps them.  If discovery fails the previous nodes are swept again.
func (s *Service) Refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Tracker.Discovery(ctx, s.allowlist...); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).Warn("discovery failed")
	}
	if ctx.Err() == nil {
		s.Tracker.PingAll(ctx)
	}
}

// Discovery narrows to the Service allowlist when none is given.
func (s *Service) Discovery(ctx context.Context, allowlist ...string) ([]*nodetracker.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(allowlist) == 0 {
		allowlist = s.allowlist
	}
	return s.Tracker.Discovery(ctx, allowlist...)
}

func (s *Service) PingAll(ctx context.Context) []*nodetracker.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tracker.PingAll(ctx)
}

func (s *Service) CheckHealth(ctx context.Context, url string, maxLatency time.Duration) *nodetracker.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tracker.CheckHealth(ctx, url, maxLatency)
}

// HealthChecks reports unhealthy while no node passed its last probe.
func (t *Tracker) HealthChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			healthy := 0
			for _, n := range t.registry.Snapshot() {
				if n.Healthy() {
					healthy++
				}
			}
			if healthy == 0 {
				return "no healthy nodes", healthcheck.Unhealthy
			}
			return fmt.Sprintf("%d healthy nodes", healthy), healthcheck.Healthy
		},
	}
}

// DeepChecks additionally reports how stale the registry is.
func (t *Tracker) DeepChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			at, ok := t.registry.DiscoveredAt()
			if !ok {
				return "never discovered", healthcheck.Unhealthy
			}
			return fmt.Sprintf("%d nodes discovered at %s", t.registry.Len(), at.Format(time.RFC3339)), healthcheck.Healthy
		},
		func() (string, healthcheck.HealthyStatus) {
			if t.IsSweeping() {
				return fmt.Sprintf("sweep in progress, %d push channels open", t.NumActiveChannels()), healthcheck.Healthy
			}
			return "idle", healthcheck.Healthy
		},
	}
}
