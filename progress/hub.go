package progress

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscriber receives the events published for a single job or batch id.
type Subscriber struct {
	id string
	ch chan Event
}

// ID returns the job or batch id the subscriber is attached to.
func (s *Subscriber) ID() string { return s.id }

// C is closed when the subscriber is unsubscribed or evicted for falling behind.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Hub fans progress events out to subscribers. It knows nothing about queueing.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Subscribe(id string) *Subscriber {
	s := &Subscriber{id: id, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[id] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe detaches s. Calling it for an already evicted subscriber is a no-op.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

// Publish delivers ev to every subscriber of id without blocking. A subscriber
// whose buffer is full is evicted and its channel closed.
func (h *Hub) Publish(id string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[id] {
		select {
		case s.ch <- ev:
		default:
			log.Warn().Str("id", id).Str("status", string(ev.Status)).Msg("Dropping slow progress subscriber")
			h.removeLocked(s)
		}
	}
}

// Subscribers returns how many subscribers are attached to id.
func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

func (h *Hub) removeLocked(s *Subscriber) {
	set, ok := h.subs[s.id]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(h.subs, s.id)
	}
}
