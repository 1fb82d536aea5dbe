package client

import (
	"sync"

	"github.com/jamesrossjr/canvas-core/internal/collab"
)

// Lifecycle events emitted in addition to the server events.
const (
	EventDisconnected = "disconnected"
)

// Disconnected is delivered to EventDisconnected handlers whenever the transport drops.
// Final is set when no further reconnection will be attempted.
type Disconnected struct {
	Err   error
	Final bool
}

// EventName implements collab.Message.
func (Disconnected) EventName() string { return EventDisconnected }

// Handler receives one event. Handlers run on the session's read goroutine in
// registration order and must not block.
type Handler func(message collab.Message)

// HandlerID identifies a registration so it can be removed with Off.
type HandlerID uint64

type handlerEntry struct {
	id      HandlerID
	handler Handler
}

type handlerRegistry struct {
	mu     sync.RWMutex
	nextID HandlerID
	byName map[string][]handlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{byName: make(map[string][]handlerEntry)}
}

func (r *handlerRegistry) add(event string, handler Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.byName[event] = append(r.byName[event], handlerEntry{id: r.nextID, handler: handler})
	return r.nextID
}

func (r *handlerRegistry) remove(event string, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byName[event]
	for index, entry := range entries {
		if entry.id != id {
			continue
		}
		remaining := make([]handlerEntry, 0, len(entries)-1)
		remaining = append(remaining, entries[:index]...)
		remaining = append(remaining, entries[index+1:]...)
		if len(remaining) == 0 {
			delete(r.byName, event)
		} else {
			r.byName[event] = remaining
		}
		return true
	}
	return false
}

func (r *handlerRegistry) emit(message collab.Message) {
	r.mu.RLock()
	entries := r.byName[message.EventName()]
	r.mu.RUnlock()
	for _, entry := range entries {
		entry.handler(message)
	}
}
