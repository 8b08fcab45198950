package events

import (
	"sync"

	"github.com/atlassian/nodetracker"
)

// DefaultBufferSize is the number of events a subscriber may fall behind before events are dropped for it.
const DefaultBufferSize = 64

// Bus fans out progress events to any number of subscribers.  Publishing never blocks: a subscriber whose buffer
// is full misses the event.  The publisher is not aware of who, if anyone, is listening.
type Bus struct {
	bufferSize int

	lock    sync.RWMutex
	targets []chan nodetracker.ProgressEvent
}

// NewBus creates a Bus with the given per subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber.  The returned function unsubscribes and closes the channel, it is safe to
// call more than once.  Thread-safe.
func (b *Bus) Subscribe() (<-chan nodetracker.ProgressEvent, func()) {
	ch := make(chan nodetracker.ProgressEvent, b.bufferSize)
	b.lock.Lock()
	defer b.lock.Unlock()
	b.targets = append(b.targets, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.lock.Lock()
			defer b.lock.Unlock()

			targets := b.targets[:0]
			for _, target := range b.targets {
				if target != ch {
					targets = append(targets, target)
				}
			}
			b.targets = targets
			close(ch)
		})
	}
}

// Publish delivers the event to every subscriber with room for it.  Non-blocking, thread-safe.
func (b *Bus) Publish(e nodetracker.ProgressEvent) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, target := range b.targets {
		select {
		case target <- e:
			// great success
		default:
			// we tried
		}
	}
}

// Subscribers returns the number of current subscribers.
func (b *Bus) Subscribers() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.targets)
}
