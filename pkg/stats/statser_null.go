package stats

import (
	"time"

	"github.com/atlassian/nodetracker"
)

// NullStatser is a null implementation of Statser, intended primarily
// for test purposes
type NullStatser struct{}

// NewNullStatser creates a new NullStatser
func NewNullStatser() Statser {
	return &NullStatser{}
}

// Gauge does nothing
func (ns *NullStatser) Gauge(name string, value float64, tags nodetracker.Tags) {}

// Count does nothing
func (ns *NullStatser) Count(name string, amount float64, tags nodetracker.Tags) {}

// Increment does nothing
func (ns *NullStatser) Increment(name string, tags nodetracker.Tags) {}

// TimingMS does nothing
func (ns *NullStatser) TimingMS(name string, ms float64, tags nodetracker.Tags) {}

// TimingDuration does nothing
func (ns *NullStatser) TimingDuration(name string, d time.Duration, tags nodetracker.Tags) {}

// NewTimer returns a new timer with time set to now
func (ns *NullStatser) NewTimer(name string, tags nodetracker.Tags) *Timer {
	return newTimer(ns, name, tags)
}

// WithTags creates a new Statser with additional tags
func (ns *NullStatser) WithTags(tags nodetracker.Tags) Statser {
	return ns
}
