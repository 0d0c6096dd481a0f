package tracker

import "sync"

const subscriptionBuffer = 16

// hub fans snapshots out to subscribers. A full subscriber loses its oldest
// buffered snapshot so the newest one, including the final one, always
// lands.
type hub[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[chan T]struct{})}
}

func (h *hub[T]) subscribe(initial T) (chan T, func()) {
	ch := make(chan T, subscriptionBuffer)
	ch <- initial

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() { h.drop(ch) }
}

// closedWith returns a channel that yields v once and ends.
func closedWith[T any](v T) chan T {
	ch := make(chan T, 1)
	ch <- v
	close(ch)
	return ch
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		offer(ch, v)
	}
}

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// closeAll ends every current subscription.
func (h *hub[T]) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *hub[T]) drop(ch chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		close(ch)
		delete(h.subs, ch)
	}
}
