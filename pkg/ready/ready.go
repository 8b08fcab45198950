// Package ready lets long running components report that their first unit of work is done, via a
// *sync.WaitGroup carried in the context.  Without one attached, every call is a no-op.
package ready

import (
	"context"
	"sync"
)

type keyType int

const wgKey = keyType(0)

func fromContext(ctx context.Context) (*sync.WaitGroup, bool) {
	wg, ok := ctx.Value(wgKey).(*sync.WaitGroup)
	return wg, ok
}

// WithWaitGroup attaches wg to ctx.  The caller is expected to Add one for each component it waits on.
func WithWaitGroup(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, wgKey, wg)
}

// SignalReady marks one component as ready.
func SignalReady(ctx context.Context) {
	if wg, ok := fromContext(ctx); ok {
		wg.Done()
	}
}
