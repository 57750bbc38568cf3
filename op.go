package trybesync

import (
	"context"
	"sync"
)

// Operation names used in errors, notifications and logs.
const (
	opJoin      = "join"
	opLeave     = "leave"
	opCreate    = "create_group"
	opUpdate    = "update_group"
	opSend      = "send_message"
	opSubscribe = "subscribe_chat"
	opMarkRead  = "mark_read"
	opResolve   = "resolve_media"
	opRefresh   = "refresh"
)

// Op tracks the background part of a public operation.
type Op struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newOp() *Op {
	return &Op{done: make(chan struct{})}
}

func completedOp(err error) *Op {
	op := newOp()
	op.finish(err)
	return op
}

func (o *Op) finish(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// Done is closed when the operation has finished.
func (o *Op) Done() <-chan struct{} { return o.done }

// Err returns nil until the operation finished, then its outcome.
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Wait blocks until the operation finished or ctx is done.
func (o *Op) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
