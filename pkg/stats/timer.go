package stats

import (
	"time"

	"github.com/atlassian/nodetracker"
)

// Timer times an operation and sends the result to a Statser when stopped.
type Timer struct {
	statser   Statser
	name      string
	tags      nodetracker.Tags
	startTime time.Time
	stopped   bool
}

func newTimer(statser Statser, name string, tags nodetracker.Tags) *Timer {
	return &Timer{
		statser:   statser,
		name:      name,
		tags:      tags,
		startTime: time.Now(),
	}
}

// Stop will stop the timer and send the metric.  Calling Stop more than once has no effect.
func (t *Timer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	t.statser.TimingDuration(t.name, time.Since(t.startTime), t.tags)
}

// SendGauge sends the elapsed time as a gauge in milliseconds, without stopping the timer.
func (t *Timer) SendGauge() {
	t.statser.Gauge(t.name, float64(time.Since(t.startTime))/float64(time.Millisecond), t.tags)
}
