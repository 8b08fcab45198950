package tracker

import (
	"io"
	"sync"
	"sync/atomic"
)

// channelSet is the set of push channels currently held open by probes, together with the abort flag.  The flag is
// set under the same lock Track takes, so a channel is either refused or registered in time to be closed by abort.
type channelSet struct {
	aborting uint32 // atomic

	mu   sync.Mutex
	open map[string]io.Closer
}

func newChannelSet() *channelSet {
	return &channelSet{
		open: make(map[string]io.Closer),
	}
}

func (cs *channelSet) Track(id string, channel io.Closer) (func(), bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.isAborting() {
		return nil, false
	}
	cs.open[id] = channel
	return func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		delete(cs.open, id)
	}, true
}

// abort sets the abort flag and closes every open channel.  It does not wait for the probes holding them.
func (cs *channelSet) abort() int {
	cs.mu.Lock()
	atomic.StoreUint32(&cs.aborting, 1)
	channels := make([]io.Closer, 0, len(cs.open))
	for _, ch := range cs.open {
		channels = append(channels, ch)
	}
	cs.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return len(channels)
}

func (cs *channelSet) reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	atomic.StoreUint32(&cs.aborting, 0)
}

func (cs *channelSet) isAborting() bool {
	return atomic.LoadUint32(&cs.aborting) != 0
}

func (cs *channelSet) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.open)
}
