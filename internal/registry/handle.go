package registry

import "context"

// Handle is the cancellation capability owned by the registry on behalf of a
// running simulation. Cancel is idempotent and safe from any goroutine; the
// simulation observes it cooperatively through Done or Context.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandle derives a cancellable handle from parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Handle) Context() context.Context {
	return h.ctx
}
