package web

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/nodetracker"
	"github.com/atlassian/nodetracker/pkg/healthcheck"
	"github.com/atlassian/nodetracker/pkg/util"
)

type httpServer struct {
	logger  logrus.FieldLogger
	address string
	Router  *mux.Router
	api     *nodeAPI
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

var done = struct{}{}

// NewHttpServerFromViper creates the admin web server, configured from the http sub-tree of v.  The listen
// address defaults to the web-addr parameter.
func NewHttpServerFromViper(v *viper.Viper, logger logrus.FieldLogger, service NodeService) (*httpServer, error) {
	vSub := util.GetSubViper(v, "http")
	vSub.SetDefault("address", v.GetString(nodetracker.ParamWebAddr))
	vSub.SetDefault("enable-prof", false)
	vSub.SetDefault("enable-expvar", false)
	vSub.SetDefault("enable-api", true)
	vSub.SetDefault("enable-healthcheck", true)

	maxLatency := v.GetDuration(nodetracker.ParamPickMaxLatency)
	if maxLatency < 0 {
		return nil, fmt.Errorf("%s must not be negative", nodetracker.ParamPickMaxLatency)
	}

	return NewHttpServer(
		logger,
		service,
		PickDefaults{
			Count:      v.GetInt(nodetracker.ParamPickCount),
			Top:        v.GetInt(nodetracker.ParamPickTop),
			MaxLatency: maxLatency,
		},
		vSub.GetString("address"),
		vSub.GetBool("enable-prof"),
		vSub.GetBool("enable-expvar"),
		vSub.GetBool("enable-api"),
		vSub.GetBool("enable-healthcheck"),
	)
}

func NewHttpServer(
	logger logrus.FieldLogger,
	service NodeService,
	pickDefaults PickDefaults,
	address string,
	enableProf,
	enableExpVar,
	enableAPI,
	enableHealthcheck bool,
) (*httpServer, error) {
	var routes []route

	server := &httpServer{
		logger:  logger,
		address: address,
	}

	if enableProf {
		profiler := &traceProfiler{logger: logger}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if enableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	if enableAPI {
		if service == nil {
			return nil, fmt.Errorf("api requires a node service")
		}
		server.api = newNodeAPI(logger, service, pickDefaults)
		routes = append(routes,
			route{path: "/nodes", handler: server.api.listNodes, method: "GET", name: "nodes_get"},
			route{path: "/nodes/ranked", handler: server.api.rankedNodes, method: "GET", name: "ranked_get"},
			route{path: "/pick", handler: server.api.pick, method: "GET", name: "pick_get"},
			route{path: "/check", handler: server.api.check, method: "POST", name: "check_post"},
			route{path: "/sweep", handler: server.api.sweep, method: "POST", name: "sweep_post"},
			route{path: "/abort", handler: server.api.abort, method: "POST", name: "abort_post"},
			route{path: "/discover", handler: server.api.discover, method: "POST", name: "discover_post"},
		)
	}

	if enableHealthcheck {
		hc := &healthChecker{logger: logger}
		hc.healthChecks, hc.deepChecks = healthcheck.MaybeAppendHealthChecks(nil, nil, service)
		routes = append(routes,
			route{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
			route{path: "/deepcheck", handler: hc.deepCheck, method: "GET", name: "deepcheck_get"},
		)
	}

	if len(routes) == 0 {
		return nil, fmt.Errorf("must enable at least one of prof, expvar, api, or healthcheck")
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.Router = router

	logger.WithFields(logrus.Fields{
		"address":            address,
		"enable-pprof":       enableProf,
		"enable-expvar":      enableExpVar,
		"enable-api":         enableAPI,
		"enable-healthcheck": enableHealthcheck,
	}).Info("Created server")

	return server, nil
}

func (hs *httpServer) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(404)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (hs *httpServer) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var routeName string
		route := mux.CurrentRoute(req)
		logFields := logrus.Fields{
			"route": routeName,
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route == nil {
			logFields["path"] = req.URL.Path
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		source := req.Header.Get("X-Forwarded-For")
		if source != "" {
			logFields["forwarded_for"] = source
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		hs.logger.WithFields(logFields).Debug("request")
	})
}

// Run serves until the context is closed.  Sweeps started over http are bound to the same context.
func (hs *httpServer) Run(ctx context.Context) {
	if hs.api != nil {
		hs.api.ctx = ctx
	}

	server := &http.Server{
		Addr:    hs.address,
		Handler: hs.Router,
	}

	chStopped := make(chan struct{}, 1)
	go hs.waitAndStop(ctx, server, chStopped)

	hs.logger.WithField("address", server.Addr).Info("listening")

	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		hs.logger.WithError(err).Error("web server failed")
		return
	}

	// Wait for graceful shutdown of existing connections

	select {
	case <-chStopped:
		// happy
	case <-time.After(6 * time.Second):
		hs.logger.Info("timeout waiting for webserver to stop")
	}
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.  It signals
// on chStopped when it is done.  There is no guarantee that it will actually signal, if the server
// does not shutdown.
func (hs *httpServer) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	<-ctx.Done()

	hs.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(timeoutCtx)
	if err != nil {
		hs.logger.WithError(err).Warn("failed to stop web server")
	}
	chStopped <- done
}
