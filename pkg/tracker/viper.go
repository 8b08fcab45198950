package tracker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/cache"
	"github.com/atlassian/nodetracker/pkg/transport"
	"github.com/atlassian/nodetracker/pkg/util"
)

// NewFromViper creates a Tracker configured from v.  Clients come from pool, retries from the retry sub-tree, and
// the snapshot cache from the cache sub-tree.  A cached snapshot, if there is one, seeds the registry.
func NewFromViper(ctx context.Context, logger logrus.FieldLogger, v *viper.Viper, pool *transport.TransportPool) (*Tracker, error) {
	v.SetDefault(nodetracker.ParamMaxParallels, nodetracker.DefaultMaxParallels)
	v.SetDefault(nodetracker.ParamWebSocketTimeout, nodetracker.DefaultWebSocketTimeout)
	v.SetDefault(nodetracker.ParamControlPath, nodetracker.DefaultControlPath)
	v.SetDefault(nodetracker.ParamCacheType, nodetracker.DefaultCacheType)

	discoveryClient, err := pool.Get(transport.NameDiscovery)
	if err != nil {
		return nil, err
	}
	probeClient, err := pool.Get(transport.NameProbe)
	if err != nil {
		return nil, err
	}
	retry, err := util.GetRetryFromViper(util.GetSubViper(v, "retry"))
	if err != nil {
		return nil, err
	}
	store, err := cache.NewStoreFromViper(logger, v.GetString(nodetracker.ParamCacheType), util.GetSubViper(v, "cache"))
	if err != nil {
		return nil, err
	}

	opts := Options{
		StatsServiceURL:      v.GetString(nodetracker.ParamStatsServiceURL),
		NetworkType:          nodetracker.NetworkType(v.GetInt(nodetracker.ParamNetworkType)),
		MaxParallels:         v.GetInt(nodetracker.ParamMaxParallels),
		WebSocketTimeout:     v.GetDuration(nodetracker.ParamWebSocketTimeout),
		NoWebSocketChallenge: v.GetBool(nodetracker.ParamNoWebSocketChallenge),
		VerifyNetwork:        v.GetBool(nodetracker.ParamVerifyNetwork),
		ControlPath:          v.GetString(nodetracker.ParamControlPath),
		ProbeRateLimit:       v.GetFloat64(nodetracker.ParamProbeRateLimit),
		DiscoveryClient:      discoveryClient,
		ProbeClient:          probeClient,
		Retry:                retry,
		Cache:                store,
	}
	if opts.MaxParallels <= 0 {
		return nil, errors.New(nodetracker.ParamMaxParallels + " must be positive")
	}
	if opts.WebSocketTimeout <= 0 {
		return nil, errors.New(nodetracker.ParamWebSocketTimeout + " must be positive")
	}

	if store != nil {
		snapshot, err := store.Load(ctx)
		switch {
		case err == nil:
			opts.CachedNodes = snapshot.Nodes
			opts.CacheTimestamp = snapshot.Timestamp
			logger.WithFields(logrus.Fields{
				"nodes":     len(snapshot.Nodes),
				"timestamp": snapshot.Timestamp,
			}).Info("loaded cached nodes")
		case err == cache.ErrNoSnapshot:
		default:
			logger.WithError(err).Warn("failed to load cached nodes")
		}
	}

	return New(logger, opts)
}
