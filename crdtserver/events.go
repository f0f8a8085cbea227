package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// event is one server-sent event.
type event struct {
	Event  string      `json:"event"`
	Key    string      `json:"key,omitempty"`
	Value  interface{} `json:"value,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Sender string      `json:"sender,omitempty"`
}

// eventHub fans events out to SSE clients. Slow clients miss events instead
// of blocking the publisher.
type eventHub struct {
	mutex   sync.Mutex
	clients map[string]chan []byte
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[string]chan []byte)}
}

func (h *eventHub) subscribe() (string, <-chan []byte, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return "", nil, false
	}

	id := uuid.New().String()
	ch := make(chan []byte, 16)
	h.clients[id] = ch
	return id, ch, true
}

func (h *eventHub) unsubscribe(id string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

func (h *eventHub) broadcast(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Errorf("Failed to marshal SSE event: %v", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, messages, ok := s.events.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.events.unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: {\"event\":\"connected\",\"clientId\":%q}\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
