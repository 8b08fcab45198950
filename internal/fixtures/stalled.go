package fixtures

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// StalledWebSocket accepts TCP connections but never answers the websocket upgrade, leaving the client in the
// middle of its handshake.
type StalledWebSocket struct {
	listener net.Listener
	accepted uint64 // atomic

	mu    sync.Mutex
	conns []net.Conn
}

// NewStalledWebSocket starts listening on a random local port.  It is closed when the test finishes.
func NewStalledWebSocket(tb testing.TB) *StalledWebSocket {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	s := &StalledWebSocket{listener: l}
	go s.accept()
	tb.Cleanup(s.Close)
	return s
}

func (s *StalledWebSocket) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddUint64(&s.accepted, 1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}

// URL returns the push channel URL to put in a descriptor.
func (s *StalledWebSocket) URL() string {
	return "ws://" + s.listener.Addr().String() + WebSocketPath
}

// Accepted returns the number of connections accepted so far.
func (s *StalledWebSocket) Accepted() int {
	return int(atomic.LoadUint64(&s.accepted))
}

func (s *StalledWebSocket) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}
