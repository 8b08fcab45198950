package stats

import (
	"time"

	"github.com/atlassian/nodetracker"
)

// Statser is the interface for sending metrics
type Statser interface {
	Gauge(name string, value float64, tags nodetracker.Tags)
	Count(name string, amount float64, tags nodetracker.Tags)
	Increment(name string, tags nodetracker.Tags)
	TimingMS(name string, ms float64, tags nodetracker.Tags)
	TimingDuration(name string, d time.Duration, tags nodetracker.Tags)
	NewTimer(name string, tags nodetracker.Tags) *Timer
	WithTags(tags nodetracker.Tags) Statser
}
