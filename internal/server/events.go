package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the Hub.
const (
	EventSessionConnect    = "session_connect"
	EventSessionLogin      = "session_login"
	EventSessionDisconnect = "session_disconnect"
	EventEdit              = "edit"
	EventFlush             = "flush"
	EventChat              = "chat"
)

// Event is one JSON line streamed to observers.
type Event struct {
	Type    string         `json:"type"`
	Time    int64          `json:"time"` // unix millis
	Session string         `json:"session,omitempty"`
	Account string         `json:"account,omitempty"`
	Action  string         `json:"action,omitempty"`
	Pos     *[3]int        `json:"pos,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than stall the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]chan []byte
	next uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan []byte{}}
}

// Subscribe returns a channel of encoded events and a cancel func that
// closes it.
func (h *Hub) Subscribe(buf int) (<-chan []byte, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan []byte, buf)
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time == 0 {
		ev.Time = time.Now().UnixMilli()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.published.Add(1)
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
