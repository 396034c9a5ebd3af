package realtime

import (
	"sync"

	"go.uber.org/zap"
)

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// listenerSet holds callbacks in registration order.
type listenerSet[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry[T]
}

func (s *listenerSet[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for index, entry := range s.entries {
				if entry.id == id {
					s.entries = append(s.entries[:index:index], s.entries[index+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet[T]) snapshot() []func(T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil
	}
	callbacks := make([]func(T), 0, len(s.entries))
	for _, entry := range s.entries {
		callbacks = append(callbacks, entry.fn)
	}
	return callbacks
}

// dispatcher runs listener callbacks on its own goroutine, in the order the
// event loop produced them, so listeners are free to call back into the client.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	d := &dispatcher{done: make(chan struct{}), logger: logger}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, fn)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.invoke(fn)
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("listener panicked", zap.Any("panic", recovered))
		}
	}()
	fn()
}

// close lets queued callbacks drain, then stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// notify queues value for every listener registered at the time of the call.
// Each listener is queued on its own so a panic in one does not skip the rest.
func notify[T any](d *dispatcher, set *listenerSet[T], value T) {
	callbacks := set.snapshot()
	if len(callbacks) == 0 {
		return
	}
	for _, callback := range callbacks {
		d.enqueue(func() { callback(value) })
	}
}
