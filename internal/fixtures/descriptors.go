package fixtures

import (
	"github.com/atlassian/nodetracker"
)

// TestNetworkType is the network identifier used by descriptors built with MakeDescriptor.
const TestNetworkType = nodetracker.NetworkType(152)

type DescriptorOpt func(d *nodetracker.NodeStatistics)

// MakeDescriptor provides a way to build a descriptor which passes validation.  Options are applied in order, so
// they can be used to break a single acceptance condition.
func MakeDescriptor(opts ...DescriptorOpt) nodetracker.NodeStatistics {
	d := nodetracker.NodeStatistics{
		Version:           "16777987",
		PublicKey:         "A7B3F1",
		Roles:             3,
		Port:              7900,
		NetworkIdentifier: TestNetworkType,
		Host:              "node.example.com",
		FriendlyName:      "example",
		PeerStatus: &nodetracker.PeerStatus{
			IsAvailable: true,
		},
		APIStatus: &nodetracker.APIStatus{
			RestGatewayURL: "https://node.example.com:3001",
			IsAvailable:    true,
			NodeStatus: &nodetracker.NodeStatus{
				APINode: nodetracker.StatusUp,
				DB:      nodetracker.StatusUp,
			},
			IsHTTPSEnabled: true,
			RestVersion:    "2.4.0",
			WebSocket: &nodetracker.WebSocketStatus{
				IsAvailable: true,
				WSS:         true,
				URL:         "wss://node.example.com:3001/ws",
			},
		},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func Host(host string) DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.Host = host
	}
}

func Network(networkType nodetracker.NetworkType) DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.NetworkIdentifier = networkType
	}
}

func RestURL(url string) DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.APIStatus.RestGatewayURL = url
	}
}

func WebSocketURL(url string) DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.APIStatus.WebSocket.URL = url
	}
}

// Unavailable marks the REST gateway as unavailable, which fails validation.
func Unavailable() DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.APIStatus.IsAvailable = false
	}
}

// Gateway points the descriptor at a simulated gateway.
func Gateway(g *GatewayServer) DescriptorOpt {
	return func(d *nodetracker.NodeStatistics) {
		d.Host = g.Host()
		d.APIStatus.RestGatewayURL = g.URL()
		d.APIStatus.WebSocket.URL = g.WebSocketURL()
	}
}
