package registry

import (
	"github.com/atlassian/nodetracker"
)

// Validate returns the descriptors which declare the expected network, report their API and database as up, and
// serve both REST and websocket over TLS.  Descriptors with missing sections are dropped.  Order is preserved.
func Validate(networkType nodetracker.NetworkType, descriptors []nodetracker.NodeStatistics) []nodetracker.NodeStatistics {
	accepted := make([]nodetracker.NodeStatistics, 0, len(descriptors))
	for _, d := range descriptors {
		if acceptable(networkType, &d) {
			accepted = append(accepted, d)
		}
	}
	return accepted
}

func acceptable(networkType nodetracker.NetworkType, d *nodetracker.NodeStatistics) bool {
	api := d.APIStatus
	if api == nil || api.NodeStatus == nil || api.WebSocket == nil {
		return false
	}
	return d.NetworkIdentifier == networkType &&
		api.IsAvailable &&
		api.NodeStatus.APINode == nodetracker.StatusUp &&
		api.NodeStatus.DB == nodetracker.StatusUp &&
		api.IsHTTPSEnabled &&
		api.WebSocket.IsAvailable &&
		api.WebSocket.WSS
}

// NewNodes wraps each descriptor in a fresh Node.
func NewNodes(descriptors []nodetracker.NodeStatistics) []*nodetracker.Node {
	nodes := make([]*nodetracker.Node, 0, len(descriptors))
	for _, d := range descriptors {
		nodes = append(nodes, nodetracker.NewNode(d))
	}
	return nodes
}
