package nodetracker

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// NetworkType is the numeric network identifier a gateway node declares, eg 104 for mainnet and 152 for testnet.
type NetworkType int

// NodeStatistics is a raw node descriptor as published by the stats service.  Nested objects are pointers so that
// a descriptor with a missing section can be told apart from one which reports false/empty values.
type NodeStatistics struct {
	ID                        string      `json:"_id,omitempty"`
	Version                   string      `json:"version,omitempty"`
	PublicKey                 string      `json:"publicKey,omitempty"`
	NetworkGenerationHashSeed string      `json:"networkGenerationHashSeed,omitempty"`
	Roles                     int         `json:"roles,omitempty"`
	Port                      int         `json:"port,omitempty"`
	NetworkIdentifier         NetworkType `json:"networkIdentifier"`
	Host                      string      `json:"host,omitempty"`
	FriendlyName              string      `json:"friendlyName,omitempty"`
	PeerStatus                *PeerStatus `json:"peerStatus,omitempty"`
	APIStatus                 *APIStatus  `json:"apiStatus,omitempty"`
}

type PeerStatus struct {
	IsAvailable     bool  `json:"isAvailable"`
	LastStatusCheck int64 `json:"lastStatusCheck,omitempty"`
}

type APIStatus struct {
	RestGatewayURL  string           `json:"restGatewayUrl"`
	IsAvailable     bool             `json:"isAvailable"`
	LastStatusCheck int64            `json:"lastStatusCheck,omitempty"`
	NodeStatus      *NodeStatus      `json:"nodeStatus,omitempty"`
	IsHTTPSEnabled  bool             `json:"isHttpsEnabled"`
	Finalization    *Finalization    `json:"finalization,omitempty"`
	RestVersion     string           `json:"restVersion,omitempty"`
	WebSocket       *WebSocketStatus `json:"webSocket,omitempty"`
}

type NodeStatus struct {
	APINode string `json:"apiNode"`
	DB      string `json:"db"`
}

type Finalization struct {
	Height uint64 `json:"height"`
	Epoch  uint64 `json:"epoch"`
	Point  uint64 `json:"point"`
	Hash   string `json:"hash"`
}

type WebSocketStatus struct {
	IsAvailable bool   `json:"isAvailable"`
	WSS         bool   `json:"wss"`
	URL         string `json:"url"`
}

// StatusUp is the value the stats service reports for a healthy sub-service.
const StatusUp = "up"

// Node is a tracked gateway node: the descriptor it was discovered with, and the outcome of the most recent probe.
//
// At most one of latency and latest error is set at any time; neither is set until the node is probed.  Liveness
// is written by a single owner at a time (the worker which dequeued the node during a sweep, or CheckHealth), the
// lock only exists so that readers never observe a torn update.
type Node struct {
	stats NodeStatistics

	mu          sync.RWMutex
	latency     time.Duration
	hasLatency  bool
	latestError string
}

// NewNode wraps a descriptor.  The node starts without liveness information.
func NewNode(stats NodeStatistics) *Node {
	return &Node{stats: stats}
}

// Statistics returns the descriptor the node was discovered with.
func (n *Node) Statistics() NodeStatistics {
	return n.stats
}

func (n *Node) Host() string {
	return n.stats.Host
}

func (n *Node) NetworkIdentifier() NetworkType {
	return n.stats.NetworkIdentifier
}

// URL returns the REST gateway (control plane) URL of the node.
func (n *Node) URL() string {
	if n.stats.APIStatus == nil {
		return ""
	}
	return n.stats.APIStatus.RestGatewayURL
}

// WebSocketURL returns the push channel URL of the node.
func (n *Node) WebSocketURL() string {
	if n.stats.APIStatus == nil || n.stats.APIStatus.WebSocket == nil {
		return ""
	}
	return n.stats.APIStatus.WebSocket.URL
}

// Latency returns the latency measured by the last successful probe, and false if there is none.
func (n *Node) Latency() (time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latency, n.hasLatency
}

// LatestError returns the failure recorded by the last probe, or an empty string.
func (n *Node) LatestError() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latestError
}

// Healthy returns true if the last probe succeeded.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hasLatency && n.latestError == ""
}

// SetLatency records a successful probe.
func (n *Node) SetLatency(latency time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = latency
	n.hasLatency = true
	n.latestError = ""
}

// SetError records a failed probe.  An empty message is replaced so that the failure stays visible.
func (n *Node) SetError(message string) {
	if message == "" {
		message = "unknown error"
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = 0
	n.hasLatency = false
	n.latestError = message
}

type nodeView struct {
	NodeStatistics
	Latency     *float64 `json:"latency,omitempty"`
	LatestError string   `json:"latest_error,omitempty"`
}

// MarshalJSON renders the descriptor with latency (in milliseconds) and latest_error alongside it.
func (n *Node) MarshalJSON() ([]byte, error) {
	view := nodeView{
		NodeStatistics: n.stats,
		LatestError:    n.LatestError(),
	}
	if latency, ok := n.Latency(); ok {
		ms := float64(latency) / float64(time.Millisecond)
		view.Latency = &ms
	}
	return jsoniter.Marshal(&view)
}

// ProgressEvent is published once per completed probe.  Index is the value of the sweep's completion counter after
// this probe was counted, so it increases strictly within a sweep but says nothing about registry order.
type ProgressEvent struct {
	Node  *Node
	Index int
	Total int
}
