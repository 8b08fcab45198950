package nodetracker

import (
	"time"

	"github.com/spf13/pflag"
)

const (
	// DefaultMaxParallels is the default number of nodes probed concurrently.
	DefaultMaxParallels = 10
	// DefaultWebSocketTimeout is the default time to wait for the push channel greeting.
	DefaultWebSocketTimeout = 60 * time.Second
	// DefaultControlPath is the default REST path used to measure control plane latency.
	DefaultControlPath = "/network/properties"
	// DefaultNodeInfoPath is the REST path used when the network identifier is verified.
	DefaultNodeInfoPath = "/node/info"
	// DefaultProbeRateLimit is the default maximum number of probes started per second, 0 is unlimited.
	DefaultProbeRateLimit = 0
	// DefaultRefreshInterval is the default interval between discovery and sweep when running as a service.
	DefaultRefreshInterval = 5 * time.Minute
	// DefaultPickCount is the default number of nodes picked.
	DefaultPickCount = 1
	// DefaultPickTop is the default number of fastest nodes to pick from.
	DefaultPickTop = 10
	// DefaultPickMaxLatency is the default latency limit when picking, 0 is unlimited.
	DefaultPickMaxLatency = time.Duration(0)
	// DefaultWebAddr is the default address of the admin web server.
	DefaultWebAddr = "127.0.0.1:8080"
	// DefaultCacheType is the default snapshot cache.
	DefaultCacheType = "none"
)

const (
	// ParamStatsServiceURL is the name of parameter with the URL of the node statistics service.
	ParamStatsServiceURL = "stats-service-url"
	// ParamNetworkType is the name of parameter with the numeric network identifier nodes must declare.
	ParamNetworkType = "network-type"
	// ParamMaxParallels is the name of parameter with the number of concurrent probes.
	ParamMaxParallels = "max-parallels"
	// ParamWebSocketTimeout is the name of parameter with the push channel greeting timeout.
	ParamWebSocketTimeout = "websocket-timeout"
	// ParamNoWebSocketChallenge is the name of parameter which disables the push channel challenge.
	ParamNoWebSocketChallenge = "no-websocket-challenge"
	// ParamVerifyNetwork is the name of parameter which makes the control plane probe verify the network identifier.
	ParamVerifyNetwork = "verify-network"
	// ParamControlPath is the name of parameter with the REST path used to measure latency.
	ParamControlPath = "control-path"
	// ParamProbeRateLimit is the name of parameter with the maximum number of probes started per second.
	ParamProbeRateLimit = "probe-rate-limit"
	// ParamNodeURLs is the name of parameter with the allowlist of REST gateway URLs.
	ParamNodeURLs = "node-urls"
	// ParamRefreshInterval is the name of parameter with the interval between refreshes.
	ParamRefreshInterval = "refresh-interval"
	// ParamPickCount is the name of parameter with the number of nodes to pick.
	ParamPickCount = "pick-count"
	// ParamPickTop is the name of parameter with the number of fastest nodes to pick from.
	ParamPickTop = "pick-top"
	// ParamPickMaxLatency is the name of parameter with the latency limit for picked nodes.
	ParamPickMaxLatency = "pick-max-latency"
	// ParamWebAddr is the name of parameter with the address of the admin web server.
	ParamWebAddr = "web-addr"
	// ParamCacheType is the name of parameter with the snapshot cache type.
	ParamCacheType = "cache-type"
)

// AddFlags adds flags to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamStatsServiceURL, "", "URL of the node statistics service")
	fs.Int(ParamNetworkType, 0, "Numeric network identifier nodes must declare (required)")
	fs.Int(ParamMaxParallels, DefaultMaxParallels, "Maximum number of nodes probed concurrently")
	fs.Duration(ParamWebSocketTimeout, DefaultWebSocketTimeout, "How long to wait for the websocket greeting")
	fs.Bool(ParamNoWebSocketChallenge, false, "Skip the websocket challenge when probing")
	fs.Bool(ParamVerifyNetwork, false, "Verify the network identifier reported by each node")
	fs.String(ParamControlPath, DefaultControlPath, "REST path used to measure latency")
	fs.Float64(ParamProbeRateLimit, DefaultProbeRateLimit, "Maximum number of probes started per second (0 to disable)")
	fs.StringSlice(ParamNodeURLs, nil, "Comma-separated allowlist of REST gateway URLs")
	fs.Duration(ParamRefreshInterval, DefaultRefreshInterval, "How often to rediscover and probe nodes when serving (0 to disable)")
	fs.Int(ParamPickCount, DefaultPickCount, "Number of nodes to pick")
	fs.Int(ParamPickTop, DefaultPickTop, "Number of fastest nodes to pick from (0 for all)")
	fs.Duration(ParamPickMaxLatency, DefaultPickMaxLatency, "Latency limit for picked nodes (0 to disable)")
	fs.String(ParamWebAddr, DefaultWebAddr, "Address of the admin web server")
	fs.String(ParamCacheType, DefaultCacheType, "Snapshot cache type, one of none, file, or redis")
}
