package fixtures

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/atlassian/nodetracker"
)

// WebSocketPath is the path the simulated gateway serves its push channel on.
const WebSocketPath = "/ws"

type gatewayConfig struct {
	networkType   nodetracker.NetworkType
	controlStatus int
	controlDelay  time.Duration
	silent        bool
}

type GatewayOpt func(c *gatewayConfig)

// SilentWebSocket makes the push channel accept connections but never greet.
func SilentWebSocket() GatewayOpt {
	return func(c *gatewayConfig) {
		c.silent = true
	}
}

// ControlStatus makes the REST endpoints respond with the given status code.
func ControlStatus(code int) GatewayOpt {
	return func(c *gatewayConfig) {
		c.controlStatus = code
	}
}

// ControlDelay delays every REST response, in wall time.
func ControlDelay(d time.Duration) GatewayOpt {
	return func(c *gatewayConfig) {
		c.controlDelay = d
	}
}

// ReportsNetwork sets the network identifier returned by /node/info.
func ReportsNetwork(networkType nodetracker.NetworkType) GatewayOpt {
	return func(c *gatewayConfig) {
		c.networkType = networkType
	}
}

// GatewayServer simulates a gateway node: a REST API and a push channel which greets new connections.
type GatewayServer struct {
	*httptest.Server

	cfg          gatewayConfig
	upgrader     websocket.Upgrader
	controlCalls uint64 // atomic
	wsConns      uint64 // atomic

	done      chan struct{}
	closeOnce sync.Once
}

// NewGateway starts a simulated gateway which is shut down when the test finishes.
func NewGateway(tb testing.TB, opts ...GatewayOpt) *GatewayServer {
	g := &GatewayServer{
		cfg: gatewayConfig{
			networkType:   TestNetworkType,
			controlStatus: http.StatusOK,
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&g.cfg)
	}

	router := mux.NewRouter()
	router.HandleFunc("/network/properties", g.control(func() interface{} {
		return map[string]interface{}{
			"network": map[string]interface{}{"identifier": "testnet"},
		}
	})).Methods(http.MethodGet)
	router.HandleFunc("/node/info", g.control(func() interface{} {
		return map[string]interface{}{"networkIdentifier": g.cfg.networkType}
	})).Methods(http.MethodGet)
	router.HandleFunc(WebSocketPath, g.pushChannel)

	g.Server = httptest.NewServer(router)
	tb.Cleanup(g.Close)
	return g
}

func (g *GatewayServer) control(body func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&g.controlCalls, 1)
		if g.cfg.controlDelay > 0 {
			select {
			case <-time.After(g.cfg.controlDelay):
			case <-r.Context().Done():
				return
			}
		}
		if g.cfg.controlStatus != http.StatusOK {
			w.WriteHeader(g.cfg.controlStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = jsoniter.NewEncoder(w).Encode(body())
	}
}

func (g *GatewayServer) pushChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	atomic.AddUint64(&g.wsConns, 1)

	if !g.cfg.silent {
		greeting, _ := jsoniter.Marshal(map[string]string{"uid": uuid.New().String()})
		if err := conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-closed:
	case <-g.done:
	}
}

// Close shuts the gateway down, including any open push channels.  Safe to call more than once.
func (g *GatewayServer) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.Server.Close()
	})
}

func (g *GatewayServer) Host() string {
	u, _ := url.Parse(g.Server.URL)
	return u.Hostname()
}

func (g *GatewayServer) URL() string {
	return g.Server.URL
}

func (g *GatewayServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(g.Server.URL, "http") + WebSocketPath
}

// ControlCalls returns the number of REST requests received.
func (g *GatewayServer) ControlCalls() int {
	return int(atomic.LoadUint64(&g.controlCalls))
}

// WebSocketConnections returns the number of push channels opened.
func (g *GatewayServer) WebSocketConnections() int {
	return int(atomic.LoadUint64(&g.wsConns))
}
