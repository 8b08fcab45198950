// Package cache stores the last discovered descriptor list so that a tracker can warm start without waiting on
// the stats service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/nodetracker"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the result of a discovery.  Probe results are not part of it.
type Snapshot struct {
	Nodes     []nodetracker.NodeStatistics `json:"nodes"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Store loads and saves snapshots.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}

const (
	TypeNone  = "none"
	TypeFile  = "file"
	TypeRedis = "redis"
)

const (
	paramPath      = "path"
	paramRedisAddr = "redis-addr"
	paramRedisDB   = "redis-db"
	paramKey       = "key"
	paramTTL       = "ttl"

	defaultPath      = "nodetracker-cache.json"
	defaultRedisAddr = "127.0.0.1:6379"
	defaultRedisDB   = 0
	defaultKey       = "nodetracker:snapshot"
	defaultTTL       = 24 * time.Hour
)

// NewStoreFromViper creates the Store selected by cacheType, configured from v.  TypeNone returns a nil Store.
func NewStoreFromViper(logger logrus.FieldLogger, cacheType string, v *viper.Viper) (Store, error) {
	switch cacheType {
	case "", TypeNone:
		return nil, nil
	case TypeFile:
		v.SetDefault(paramPath, defaultPath)
		path := v.GetString(paramPath)
		if path == "" {
			return nil, errors.New(paramPath + " must not be empty")
		}
		logger.WithField("path", path).Info("using file snapshot cache")
		return NewFileStore(path), nil
	case TypeRedis:
		v.SetDefault(paramRedisAddr, defaultRedisAddr)
		v.SetDefault(paramRedisDB, defaultRedisDB)
		v.SetDefault(paramKey, defaultKey)
		v.SetDefault(paramTTL, defaultTTL)
		ttl := v.GetDuration(paramTTL)
		if ttl < 0 {
			return nil, errors.New(paramTTL + " must not be negative") // 0 = no expiry
		}
		key := v.GetString(paramKey)
		if key == "" {
			return nil, errors.New(paramKey + " must not be empty")
		}
		addr := v.GetString(paramRedisAddr)
		logger.WithFields(logrus.Fields{
			"addr": addr,
			"key":  key,
		}).Info("using redis snapshot cache")
		return NewRedisStore(NewRedisClient(addr, v.GetInt(paramRedisDB)), key, ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q, must be one of %s, %s, or %s", cacheType, TypeNone, TypeFile, TypeRedis)
	}
}
