package browser

import (
	"sync"

	"github.com/dgnsrekt/tieba_signin/internal/types"
)

// listeners is a registration list whose entries can be removed by handle.
type listeners[T any] struct {
	mu     sync.RWMutex
	nextID int64
	fns    map[int64]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}

// Hub fans tab traffic out to observers. Publish never blocks: events are
// queued without bound and delivered in order by a single dispatch goroutine,
// so observers may call back into the browser.
type Hub struct {
	requests  listeners[types.Request]
	responses listeners[types.Response]

	mu     sync.Mutex
	queue  []any
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewHub starts a hub dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go h.dispatchLoop()
	return h
}

// OnRequest registers a request observer.
func (h *Hub) OnRequest(fn func(types.Request)) func() { return h.requests.add(fn) }

// OnResponse registers a response observer.
func (h *Hub) OnResponse(fn func(types.Response)) func() { return h.responses.add(fn) }

// ObserverCount reports how many observers are registered.
func (h *Hub) ObserverCount() int {
	return h.requests.count() + h.responses.count()
}

// Publish queues a types.Request or types.Response for delivery.
func (h *Hub) Publish(ev any) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, ev)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Queued events are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.queue = nil
	close(h.done)
}

func (h *Hub) dispatchLoop() {
	for {
		select {
		case <-h.done:
			return
		case <-h.wake:
		}

		for {
			h.mu.Lock()
			if h.closed || len(h.queue) == 0 {
				h.mu.Unlock()
				break
			}
			ev := h.queue[0]
			h.queue[0] = nil
			h.queue = h.queue[1:]
			h.mu.Unlock()

			switch e := ev.(type) {
			case types.Request:
				h.requests.emit(e)
			case types.Response:
				h.responses.emit(e)
			}
		}
	}
}
