package chat

import "context"

// lane runs jobs one at a time in the order they were enqueued. Each job
// waits on its predecessor's done channel, so order is fixed at enqueue time
// and does not depend on when network responses arrive.
type lane struct {
	tail chan struct{}
}

func newLane() *lane {
	closed := make(chan struct{})
	close(closed)
	return &lane{tail: closed}
}

// ticket is one reserved slot in a lane.
type ticket struct {
	prev <-chan struct{}
	done chan struct{}
}

// reserve must be called with the owning store's lock held.
func (l *lane) reserve() ticket {
	t := ticket{prev: l.tail, done: make(chan struct{})}
	l.tail = t.done
	return t
}

// wait blocks until every earlier job finished. When ctx ends first the slot
// is released once the predecessor completes, keeping later jobs in order.
func (t ticket) wait(ctx context.Context) error {
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		go func() {
			<-t.prev
			close(t.done)
		}()
		return ctx.Err()
	}
}

func (t ticket) release() { close(t.done) }
