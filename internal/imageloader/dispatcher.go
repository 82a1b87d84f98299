package imageloader

import "sync"

// Dispatcher delivers completions onto the execution context the caller
// requires, typically a single UI-facing goroutine.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs completions on the goroutine that resolved them.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialQueue runs dispatched functions one at a time, in order, on a single
// goroutine it owns.
type SerialQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch enqueues fn. Functions dispatched after Close are dropped.
func (q *SerialQueue) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.wake()
}

// Close runs everything already queued, then stops the queue goroutine.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	<-q.done
}

func (q *SerialQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}
