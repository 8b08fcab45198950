// Package prober checks the reachability of a single gateway node.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/stats"
	"github.com/atlassian/nodetracker/pkg/transport"
)

// ErrAborted is recorded when a push channel could not be tracked because the sweep is aborting.
var ErrAborted = errors.New("probe aborted")

// ChannelTracker keeps the set of open push channels so that they can be force closed.
type ChannelTracker interface {
	// Track registers an open channel under id.  It returns false, without registering, if no new channels may
	// be opened.  The returned release func removes the channel from the set and must be called once it is closed.
	Track(id string, channel io.Closer) (release func(), ok bool)
}

type untracked struct{}

func (untracked) Track(string, io.Closer) (func(), bool) {
	return func() {}, true
}

// Config controls how nodes are probed.
type Config struct {
	NetworkType          nodetracker.NetworkType
	ControlPath          string
	VerifyNetwork        bool
	NoWebSocketChallenge bool
	WebSocketTimeout     time.Duration
}

// Prober probes nodes through a shared transport.Client.
type Prober struct {
	logger logrus.FieldLogger
	client *transport.Client
	cfg    Config
}

// New creates a Prober.  Empty ControlPath and WebSocketTimeout fall back to the defaults.
func New(logger logrus.FieldLogger, client *transport.Client, cfg Config) *Prober {
	if cfg.ControlPath == "" {
		cfg.ControlPath = nodetracker.DefaultControlPath
	}
	if cfg.WebSocketTimeout <= 0 {
		cfg.WebSocketTimeout = nodetracker.DefaultWebSocketTimeout
	}
	return &Prober{
		logger: logger,
		client: client,
		cfg:    cfg,
	}
}

// Probe measures the control plane latency of node and, unless disabled, waits for the push channel greeting.
// The outcome is written to node, nothing is returned: a failing node never affects its caller.  A nil channels
// leaves push channels untracked.
func (p *Prober) Probe(ctx context.Context, node *nodetracker.Node, channels ChannelTracker) {
	if channels == nil {
		channels = untracked{}
	}
	statser := stats.FromContext(ctx).WithTags(nodetracker.Tags{"component:prober"})
	logger := p.logger.WithField("url", node.URL())

	latency, err := p.control(ctx, node)
	if err == nil && !p.cfg.NoWebSocketChallenge {
		err = p.challenge(ctx, node, channels)
	}
	if err != nil {
		logger.WithError(err).Debug("probe failed")
		statser.Increment("probe.failed", nil)
		node.SetError(err.Error())
		return
	}

	logger.WithField("latency", latency).Debug("probe succeeded")
	statser.Increment("probe.succeeded", nil)
	statser.TimingDuration("probe.latency", latency, nil)
	node.SetLatency(latency)
}

func (p *Prober) control(ctx context.Context, node *nodetracker.Node) (time.Duration, error) {
	if node.URL() == "" {
		return 0, errors.New("node has no REST gateway url")
	}
	base := strings.TrimRight(node.URL(), "/")
	clck := clock.FromContext(ctx)

	start := clck.Now()
	if p.cfg.VerifyNetwork {
		var info struct {
			NetworkIdentifier nodetracker.NetworkType `json:"networkIdentifier"`
		}
		if err := p.client.GetJSON(ctx, base+nodetracker.DefaultNodeInfoPath, &info); err != nil {
			return 0, err
		}
		if info.NetworkIdentifier != p.cfg.NetworkType {
			return 0, fmt.Errorf("node reports network %d, expected %d", info.NetworkIdentifier, p.cfg.NetworkType)
		}
	} else if err := p.client.GetJSON(ctx, base+p.cfg.ControlPath, nil); err != nil {
		return 0, err
	}
	return clck.Now().Sub(start), nil
}

func (p *Prober) challenge(ctx context.Context, node *nodetracker.Node, channels ChannelTracker) error {
	if node.WebSocketURL() == "" {
		return errors.New("node has no websocket url")
	}

	wsCtx, cancel := clock.TimeoutContext(ctx, p.cfg.WebSocketTimeout)
	defer cancel()

	// Tracked before dialling, so that closing it also interrupts a handshake in progress.
	channel := newPushChannel(cancel)
	defer channel.Close()

	release, ok := channels.Track(uuid.New().String(), channel)
	if !ok {
		return ErrAborted
	}
	defer release()

	conn, resp, err := channel.dialer(p.client.WebSocket).DialContext(wsCtx, node.WebSocketURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		switch {
		case channel.isClosed():
			return fmt.Errorf("websocket dial interrupted: %w", ErrAborted)
		case ctx.Err() == nil && wsCtx.Err() != nil:
			return fmt.Errorf("no websocket connection within %v", p.cfg.WebSocketTimeout)
		default:
			return fmt.Errorf("websocket dial failed: %w", err)
		}
	}
	if !channel.attach(conn) {
		return fmt.Errorf("websocket dial interrupted: %w", ErrAborted)
	}

	greeting := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		greeting <- err
	}()

	select {
	case err := <-greeting:
		if err == nil {
			return nil
		}
		if channel.isClosed() {
			err = ErrAborted
		}
		return fmt.Errorf("websocket closed before greeting: %w", err)
	case <-wsCtx.Done():
		aborted := channel.isClosed()
		_ = channel.Close()
		switch {
		case aborted:
			return fmt.Errorf("websocket closed before greeting: %w", ErrAborted)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("no websocket greeting within %v", p.cfg.WebSocketTimeout)
		}
	}
}

// pushChannel is the handle of one websocket challenge.  Closing it cancels the dial, closes the underlying
// connection if the handshake has started, and closes the websocket once established.  Close may be called from
// more than one goroutine.
type pushChannel struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	netConn net.Conn
	conn    *websocket.Conn
	err     error
}

func newPushChannel(cancel context.CancelFunc) *pushChannel {
	return &pushChannel{cancel: cancel}
}

// dialer returns a copy of base which hands every connection it opens to the channel.
func (pc *pushChannel) dialer(base *websocket.Dialer) *websocket.Dialer {
	d := *base
	netDial := base.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	d.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if !pc.attachNet(c) {
			return nil, ErrAborted
		}
		return c, nil
	}
	return &d
}

func (pc *pushChannel) attachNet(c net.Conn) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		_ = c.Close()
		return false
	}
	pc.netConn = c
	return true
}

func (pc *pushChannel) attach(conn *websocket.Conn) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		_ = conn.Close()
		return false
	}
	pc.conn = conn
	return true
}

func (pc *pushChannel) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *pushChannel) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return pc.err
	}
	pc.closed = true
	pc.cancel()
	switch {
	case pc.conn != nil:
		pc.err = pc.conn.Close()
	case pc.netConn != nil:
		pc.err = pc.netConn.Close()
	}
	return pc.err
}
