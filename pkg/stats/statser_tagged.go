package stats

import (
	"time"

	"github.com/atlassian/nodetracker"
)

// TaggedStatser adds tags and submits metrics to another Statser
type TaggedStatser struct {
	statser Statser
	tags    nodetracker.Tags
}

// NewTaggedStatser creates a new Statser which adds tags before
// sending metrics to the underlying Statser.
func NewTaggedStatser(statser Statser, tags nodetracker.Tags) Statser {
	return &TaggedStatser{
		statser: statser,
		tags:    tags,
	}
}

func (ts *TaggedStatser) Gauge(name string, value float64, tags nodetracker.Tags) {
	ts.statser.Gauge(name, value, ts.tags.Concat(tags))
}

func (ts *TaggedStatser) Count(name string, amount float64, tags nodetracker.Tags) {
	ts.statser.Count(name, amount, ts.tags.Concat(tags))
}

func (ts *TaggedStatser) Increment(name string, tags nodetracker.Tags) {
	ts.statser.Increment(name, ts.tags.Concat(tags))
}

func (ts *TaggedStatser) TimingMS(name string, ms float64, tags nodetracker.Tags) {
	ts.statser.TimingMS(name, ms, ts.tags.Concat(tags))
}

func (ts *TaggedStatser) TimingDuration(name string, d time.Duration, tags nodetracker.Tags) {
	ts.statser.TimingDuration(name, d, ts.tags.Concat(tags))
}

// NewTimer returns a new timer with time set to now
func (ts *TaggedStatser) NewTimer(name string, tags nodetracker.Tags) *Timer {
	return newTimer(ts, name, tags)
}

// WithTags creates a new Statser with additional tags
func (ts *TaggedStatser) WithTags(tags nodetracker.Tags) Statser {
	return NewTaggedStatser(ts, tags)
}
