package speeddaemon

import "sync"

// An outbox is the outbound queue of one connection.
//
// Any goroutine may Push; only the connection's writer consumes. Push never blocks, so the
// core cannot be stalled by a slow socket.
type outbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	// ready holds at most one pending wakeup for the writer.
	ready chan struct{}
	// done is closed by Close.
	done chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends m to the queue. It reports false if the outbox is already closed, in which case
// m is dropped.
func (o *outbox) Push(m Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.queue = append(o.queue, m)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting messages. Messages already queued are still handed to the writer.
func (o *outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Done is closed once the outbox has been closed.
func (o *outbox) Done() <-chan struct{} {
	return o.done
}

// next blocks until messages are queued and returns all of them. It returns nil once the outbox
// is closed and drained.
func (o *outbox) next() []Message {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			batch := o.queue
			o.queue = nil
			o.mu.Unlock()
			return batch
		}
		closed := o.closed
		o.mu.Unlock()

		if closed {
			return nil
		}
		select {
		case <-o.ready:
		case <-o.done:
		}
	}
}
