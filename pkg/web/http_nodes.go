package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/selector"
)

// NodeService is the view of the tracker the node API works against.  Discovery, PingAll and CheckHealth are
// expected to serialize themselves.
type NodeService interface {
	Nodes() []*nodetracker.Node
	DiscoveredAt() (time.Time, bool)
	IsSweeping() bool
	RankedTable(maxLatency time.Duration) []*nodetracker.Node
	PickMulti(count, top int, maxLatency time.Duration) []*nodetracker.Node
	Discovery(ctx context.Context, allowlist ...string) ([]*nodetracker.Node, error)
	PingAll(ctx context.Context) []*nodetracker.Node
	CheckHealth(ctx context.Context, url string, maxLatency time.Duration) *nodetracker.Node
	AbortPinging()
}

// PickDefaults are used when a pick request leaves a parameter out.
type PickDefaults struct {
	Count      int
	Top        int
	MaxLatency time.Duration // 0 is unlimited
}

type nodeAPI struct {
	logger   logrus.FieldLogger
	service  NodeService
	defaults PickDefaults

	// ctx bounds sweeps started by requests, it outlives any single request.
	ctx context.Context
}

func newNodeAPI(logger logrus.FieldLogger, service NodeService, defaults PickDefaults) *nodeAPI {
	return &nodeAPI{
		logger:   logger,
		service:  service,
		defaults: defaults,
		ctx:      context.Background(),
	}
}

type nodesResponse struct {
	DiscoveredAt *time.Time          `json:"discovered_at"`
	Sweeping     bool                `json:"sweeping"`
	Nodes        []*nodetracker.Node `json:"nodes"`
}

func (na *nodeAPI) listNodes(w http.ResponseWriter, req *http.Request) {
	resp := nodesResponse{
		Sweeping: na.service.IsSweeping(),
		Nodes:    nonNil(na.service.Nodes()),
	}
	if at, ok := na.service.DiscoveredAt(); ok {
		resp.DiscoveredAt = &at
	}
	na.respond(w, http.StatusOK, resp)
}

func (na *nodeAPI) rankedNodes(w http.ResponseWriter, req *http.Request) {
	maxLatency, err := latencyParam(req, "max-latency", 0)
	if err != nil {
		na.respondError(w, http.StatusBadRequest, err)
		return
	}
	na.respond(w, http.StatusOK, nonNil(na.service.RankedTable(maxLatency)))
}

func (na *nodeAPI) pick(w http.ResponseWriter, req *http.Request) {
	count, err := intParam(req, "count", na.defaults.Count)
	if err != nil {
		na.respondError(w, http.StatusBadRequest, err)
		return
	}
	top, err := intParam(req, "top", na.defaults.Top)
	if err != nil {
		na.respondError(w, http.StatusBadRequest, err)
		return
	}
	maxLatency, err := latencyParam(req, "max-latency", na.defaults.MaxLatency)
	if err != nil {
		na.respondError(w, http.StatusBadRequest, err)
		return
	}
	if count < 1 {
		na.respondError(w, http.StatusBadRequest, errors.New("count must be positive"))
		return
	}
	na.respond(w, http.StatusOK, nonNil(na.service.PickMulti(count, top, maxLatency)))
}

func (na *nodeAPI) check(w http.ResponseWriter, req *http.Request) {
	url := req.URL.Query().Get("url")
	if url == "" {
		na.respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	maxLatency, err := latencyParam(req, "max-latency", na.defaults.MaxLatency)
	if err != nil {
		na.respondError(w, http.StatusBadRequest, err)
		return
	}
	node := na.service.CheckHealth(req.Context(), url, maxLatency)
	if node == nil {
		na.respondError(w, http.StatusNotFound, fmt.Errorf("%s is unknown or unhealthy", url))
		return
	}
	na.respond(w, http.StatusOK, node)
}

func (na *nodeAPI) sweep(w http.ResponseWriter, req *http.Request) {
	if na.service.IsSweeping() {
		na.respondError(w, http.StatusConflict, errors.New("sweep already in progress"))
		return
	}
	go na.service.PingAll(na.ctx)
	na.respond(w, http.StatusAccepted, map[string]bool{"sweeping": true})
}

func (na *nodeAPI) abort(w http.ResponseWriter, req *http.Request) {
	na.service.AbortPinging()
	na.respond(w, http.StatusAccepted, map[string]bool{"aborting": true})
}

func (na *nodeAPI) discover(w http.ResponseWriter, req *http.Request) {
	nodes, err := na.service.Discovery(req.Context(), req.URL.Query()["url"]...)
	if err != nil {
		na.logger.WithError(err).Warn("discovery requested over http failed")
		na.respondError(w, http.StatusBadGateway, err)
		return
	}
	na.respond(w, http.StatusOK, nonNil(nodes))
}

func (na *nodeAPI) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(body); err != nil {
		na.logger.WithError(err).Debug("failed to write response")
	}
}

func (na *nodeAPI) respondError(w http.ResponseWriter, status int, err error) {
	na.respond(w, status, map[string]string{"error": err.Error()})
}

func nonNil(nodes []*nodetracker.Node) []*nodetracker.Node {
	if nodes == nil {
		return []*nodetracker.Node{}
	}
	return nodes
}

func intParam(req *http.Request, name string, def int) (int, error) {
	value := req.URL.Query().Get(name)
	if value == "" {
		return def, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return i, nil
}

// latencyParam accepts a duration ("1.5s") or a number of milliseconds.  0 means no limit.
func latencyParam(req *http.Request, name string, def time.Duration) (time.Duration, error) {
	d := def
	if value := req.URL.Query().Get(name); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			d = time.Duration(ms) * time.Millisecond
		} else if d, err = time.ParseDuration(value); err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	if d == 0 {
		return selector.NoLatencyLimit, nil
	}
	return d, nil
}
