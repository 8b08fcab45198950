// Package discovery fetches raw node descriptors from the stats service and keeps the ones worth probing.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/registry"
	"github.com/atlassian/nodetracker/pkg/stats"
	"github.com/atlassian/nodetracker/pkg/transport"
	"github.com/atlassian/nodetracker/pkg/util"
)

// Error is returned when the descriptor list could not be fetched or parsed.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("discovery from %s failed: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Discoverer fetches descriptors from a stats service.
type Discoverer struct {
	logger      logrus.FieldLogger
	client      *transport.Client
	url         string
	networkType nodetracker.NetworkType
	backoff     util.BackoffFactory
}

// New creates a Discoverer.  A nil backoff disables retries.
func New(logger logrus.FieldLogger, client *transport.Client, url string, networkType nodetracker.NetworkType, bf util.BackoffFactory) *Discoverer {
	if bf == nil {
		bf = util.NoRetries
	}
	return &Discoverer{
		logger:      logger.WithField("stats-service-url", url),
		client:      client,
		url:         url,
		networkType: networkType,
		backoff:     bf,
	}
}

// Fetch returns the validated descriptors, in the order the stats service returned them.  The request is retried
// according to the backoff policy; a descriptor which can't be decoded is dropped like an invalid one.
func (d *Discoverer) Fetch(ctx context.Context) ([]nodetracker.NodeStatistics, error) {
	statser := stats.FromContext(ctx).WithTags(nodetracker.Tags{"component:discovery"})
	timer := statser.NewTimer("discovery.duration", nil)
	defer timer.Stop()

	raw, err := d.fetchWithRetry(ctx)
	if err != nil {
		statser.Increment("discovery.failed", nil)
		return nil, &Error{URL: d.url, Err: err}
	}

	descriptors := make([]nodetracker.NodeStatistics, 0, len(raw))
	for i, r := range raw {
		var descriptor nodetracker.NodeStatistics
		if err := jsoniter.Unmarshal(r, &descriptor); err != nil {
			d.logger.WithError(err).WithField("index", i).Debug("dropping malformed descriptor")
			continue
		}
		descriptors = append(descriptors, descriptor)
	}

	accepted := registry.Validate(d.networkType, descriptors)
	d.logger.WithFields(logrus.Fields{
		"received": len(raw),
		"accepted": len(accepted),
	}).Info("discovered nodes")
	statser.Gauge("discovery.received", float64(len(raw)), nil)
	statser.Gauge("discovery.accepted", float64(len(accepted)), nil)
	return accepted, nil
}

func (d *Discoverer) fetchWithRetry(ctx context.Context) ([]jsoniter.RawMessage, error) {
	b := d.backoff()
	for {
		raw, err := d.fetch(ctx)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil, err
		}
		d.logger.WithError(err).WithField("retry-in", next).Warn("failed to fetch descriptors")

		timer := clock.NewTimer(ctx, next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func (d *Discoverer) fetch(ctx context.Context) ([]jsoniter.RawMessage, error) {
	var raw []jsoniter.RawMessage
	if err := d.client.GetJSON(ctx, d.url, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("response is not a list of descriptors")
	}
	return raw, nil
}
