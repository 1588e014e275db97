package unitbus

import (
	"context"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// Receiver holds the latest unit of a DropOld subscriber.
type Receiver struct {
	mu     sync.Mutex
	cond   *sync.Cond
	unit   *meta.Unit
	seq    uint64 // bumped on every set
	seen   uint64 // seq of the last unit handed out
	closed bool
}

func newReceiver() *Receiver {
	r := &Receiver{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// set replaces the held unit and reports whether an unseen one was
// overwritten.
func (r *Receiver) set(u *meta.Unit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	replaced := r.unit != nil && r.seq != r.seen
	r.unit = u
	r.seq++
	r.cond.Broadcast()
	return replaced
}

// Receive blocks until a unit not returned before is available.
func (r *Receiver) Receive(ctx context.Context) (*meta.Unit, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.seq == r.seen && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}

	if r.closed {
		return nil, ErrReceiverClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.seen = r.seq
	return r.unit, nil
}

// Latest returns the most recent unit without blocking, whether or not it
// was returned before.
func (r *Receiver) Latest() (*meta.Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unit == nil {
		return nil, false
	}
	return r.unit, true
}

// Close shuts down the receiver and wakes any blocked Receive
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
