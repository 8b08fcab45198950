package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const paramTransportClientTimeout = "client-timeout"
const paramTransportType = "type"

const defaultTransportClientTimeout = 10 * time.Second
const transportTypeHttp = "http"
const defaultTransportType = transportTypeHttp

// Names of the clients used by the tracker.
const (
	NameDiscovery = "discovery"
	NameProbe     = "probe"
)

// TransportPool creates Clients as required, using the provided viper.Viper for configuration.  Each client is
// configured from the transport.<name> sub-tree, falling back to transport.default.
type TransportPool struct {
	config *viper.Viper
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewTransportPool(logger logrus.FieldLogger, config *viper.Viper) *TransportPool {
	config.SetDefault("transport.default", map[string]interface{}{})
	return &TransportPool{
		logger:  logger,
		clients: map[string]*Client{},
		config:  config,
	}
}

// Get returns the named client, creating it on first use.  Thread safe.
func (tp *TransportPool) Get(name string) (*Client, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if hc, ok := tp.clients[name]; ok {
		return hc, nil
	}

	hc, err := tp.newClient(name)
	if err != nil {
		return nil, err
	}
	tp.clients[name] = hc
	return hc, nil
}

func (tp *TransportPool) newClient(name string) (*Client, error) {
	sub := tp.config.Sub("transport." + name)
	if sub == nil {
		tp.logger.WithField("name", name).Debug("request for non-configured transport, using transport.default")
		sub = tp.config.Sub("transport.default")
	}
	if sub == nil {
		sub = viper.New()
	}

	sub.SetDefault(paramTransportClientTimeout, defaultTransportClientTimeout)
	sub.SetDefault(paramTransportType, defaultTransportType)

	clientTimeout := sub.GetDuration(paramTransportClientTimeout)
	transportType := sub.GetString(paramTransportType)

	if clientTimeout < 0 {
		return nil, errors.New(paramTransportClientTimeout + " must not be negative") // 0 = no timeout
	}

	var transport *http.Transport
	var err error

	switch transportType {
	case transportTypeHttp:
		transport, err = tp.newHttpTransport(name, sub)
	default:
		err = errors.New(paramTransportType + " must be http")
	}
	if err != nil {
		return nil, err
	}

	tp.logger.WithFields(logrus.Fields{
		"name":                      name,
		paramTransportType:          transportType,
		paramTransportClientTimeout: clientTimeout,
	}).Info("created client")

	return NewClient(&http.Client{
		Transport: transport,
		Timeout:   clientTimeout,
	}, newWebSocketDialer(transport)), nil
}
