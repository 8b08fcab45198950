package stats

import (
	"sync"
	"time"

	"github.com/atlassian/nodetracker"
)

type recordedMetric struct {
	kind  string
	name  string
	value float64
	tags  nodetracker.Tags
}

type recordingStatser struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (rs *recordingStatser) record(kind, name string, value float64, tags nodetracker.Tags) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.metrics = append(rs.metrics, recordedMetric{kind: kind, name: name, value: value, tags: tags})
}

func (rs *recordingStatser) Gauge(name string, value float64, tags nodetracker.Tags) {
	rs.record("gauge", name, value, tags)
}

func (rs *recordingStatser) Count(name string, amount float64, tags nodetracker.Tags) {
	rs.record("count", name, amount, tags)
}

func (rs *recordingStatser) Increment(name string, tags nodetracker.Tags) {
	rs.record("count", name, 1, tags)
}

func (rs *recordingStatser) TimingMS(name string, ms float64, tags nodetracker.Tags) {
	rs.record("timing", name, ms, tags)
}

func (rs *recordingStatser) TimingDuration(name string, d time.Duration, tags nodetracker.Tags) {
	rs.TimingMS(name, float64(d)/float64(time.Millisecond), tags)
}

func (rs *recordingStatser) NewTimer(name string, tags nodetracker.Tags) *Timer {
	return newTimer(rs, name, tags)
}

func (rs *recordingStatser) WithTags(tags nodetracker.Tags) Statser {
	return NewTaggedStatser(rs, tags)
}
