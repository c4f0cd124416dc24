package device

import "sync"

// statusHub broadcasts status changes to any number of subscribers. The last
// published value is cached so a new subscriber immediately receives the
// current status.
type statusHub struct {
	mu   sync.RWMutex
	last Status
	subs map[chan Status]struct{}
}

func newStatusHub(initial Status) *statusHub {
	return &statusHub{last: initial, subs: make(map[chan Status]struct{})}
}

func (h *statusHub) Subscribe() chan Status {
	ch := make(chan Status, 16)
	h.mu.Lock()
	ch <- h.last
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *statusHub) Unsubscribe(ch chan Status) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *statusHub) Last() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

func (h *statusHub) Publish(s Status) {
	h.mu.Lock()
	h.last = s
	for ch := range h.subs {
		// Non-blocking send; drop if subscriber is slow
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()
}
