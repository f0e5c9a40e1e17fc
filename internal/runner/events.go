package runner

import (
	"sync"
	"time"
)

// Pipeline stages reported to event subscribers.
const (
	StageCreated        = "created"
	StageWorkspaceReady = "workspace_ready"
	StageDepsInstalled  = "deps_installed"
	StageExecuted       = "executed"
	StagePublished      = "published"
	StageFailed         = "failed"
)

// Event is a run lifecycle notification.
type Event struct {
	RunID  string    `json:"run_id"`
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than stall a run.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll drops every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
