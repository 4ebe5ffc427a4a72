package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chat-client/internal/logger"
)

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

// Hub maintains the inbound event handlers of a connection.
type Hub struct {
	handlers map[string][]handlerEntry
	nextID   int
	mu       sync.RWMutex
	log      *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		handlers: make(map[string][]handlerEntry),
		log:      logger.OrNop(log),
	}
}

// On registers fn for event. Handlers run in registration order.
func (h *Hub) On(event string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.handlers[event] = append(h.handlers[event], handlerEntry{id: id, fn: fn})
	return func() { h.off(event, id) }
}

func (h *Hub) off(event string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.handlers[event]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(h.handlers, event)
		return
	}
	h.handlers[event] = entries
}

// Dispatch invokes the handlers of event and returns how many ran.
func (h *Hub) Dispatch(event string, data json.RawMessage) int {
	h.mu.RLock()
	entries := h.handlers[event]
	h.mu.RUnlock()

	for _, e := range entries {
		h.invoke(event, e.fn, data)
	}
	return len(entries)
}

// Count returns the number of handlers registered for event.
func (h *Hub) Count(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[event])
}

// Clear removes every handler.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = make(map[string][]handlerEntry)
}

func (h *Hub) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(data)
}
