package orchestrator

import (
	"sync"
	"time"

	"github.com/incidentmap/pipeline/internal/model"
)

// ProgressEvent is one operator-visible step of a run.
type ProgressEvent struct {
	Run     string         `json:"run"`
	Chunk   model.ChunkKey `json:"chunk"`
	Phase   string         `json:"phase"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// EventHub fans progress events out to subscribers (the websocket
// endpoint). Publishing never blocks: a slow subscriber drops events.
type EventHub struct {
	mu   sync.Mutex
	subs map[int]chan ProgressEvent
	next int
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]chan ProgressEvent)}
}

func (h *EventHub) Subscribe() (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan ProgressEvent, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *EventHub) Publish(ev ProgressEvent) {
	ev.At = time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
