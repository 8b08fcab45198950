package web

import (
	"net/http"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const profileDuration = 30 * time.Second

// traceProfiler serves one profile at a time.
type traceProfiler struct {
	logger logrus.FieldLogger
	mutex  sync.Mutex
}

func (tp *traceProfiler) Trace(w http.ResponseWriter, r *http.Request) {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	if err := trace.Start(w); err != nil {
		tp.logger.WithError(err).Warn("failed to start trace")
		return
	}
	defer trace.Stop()
	tp.wait(r)
}

func (tp *traceProfiler) PProf(w http.ResponseWriter, r *http.Request) {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	if err := pprof.StartCPUProfile(w); err != nil {
		tp.logger.WithError(err).Warn("failed to start cpu profile")
		return
	}
	defer pprof.StopCPUProfile()
	tp.wait(r)
}

func (tp *traceProfiler) MemProf(w http.ResponseWriter, r *http.Request) {
	tp.mutex.Lock()
	defer tp.mutex.Unlock()
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(w, 0); err != nil {
		tp.logger.WithError(err).Warn("failed to write heap profile")
	}
}

// wait profiles for profileDuration, or until the client goes away.
func (tp *traceProfiler) wait(r *http.Request) {
	timer := time.NewTimer(profileDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.Context().Done():
	}
}
