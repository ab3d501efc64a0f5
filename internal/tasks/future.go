package tasks

import (
	"context"
	"sync"

	"github.com/danmuck/hspmesh/internal/protocol"
)

// Future is the requester's handle on one task. It settles exactly once,
// with a result, a timeout, a cancellation or a transport failure.
type Future struct {
	cid    string
	once   sync.Once
	done   chan struct{}
	result protocol.TaskResult
	err    error
}

func newFuture(cid string) *Future {
	return &Future{cid: cid, done: make(chan struct{})}
}

func (f *Future) CorrelationID() string {
	return f.cid
}

// Done closes when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. A failed result returns
// both the result and an ErrTaskFailed error.
func (f *Future) Wait(ctx context.Context) (protocol.TaskResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return protocol.TaskResult{}, ctx.Err()
	}
}

func (f *Future) settle(result protocol.TaskResult, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}
