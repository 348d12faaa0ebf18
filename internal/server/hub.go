package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/tbouder/echoscribe/internal/batch"
	"github.com/tbouder/echoscribe/internal/session"
)

// Hub fans session events out to connected websocket clients. It implements
// session.Listener so the machine can drive it directly; slow clients drop
// messages rather than block a transition.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// StatusChanged implements session.Listener.
func (h *Hub) StatusChanged(from, to session.Status) {
	h.broadcastEvent(StatusChangedEvent{
		Event: newEvent("status_changed", time.Now().UTC()),
		From:  string(from),
		To:    string(to),
	})
}

// TurnAppended implements session.Listener.
func (h *Hub) TurnAppended(turn session.Turn) {
	h.broadcastEvent(TurnAppendedEvent{
		Event:  newEvent("turn_appended", time.Now().UTC()),
		Author: string(turn.Author),
		Text:   turn.Text,
	})
}

// RecordUpdated implements session.Listener. Durable writes are the persist
// coordinator's job, so nothing is broadcast here.
func (h *Hub) RecordUpdated(session.Snapshot) {}

// SessionCleared implements session.Listener.
func (h *Hub) SessionCleared() {
	h.broadcastEvent(SessionClearedEvent{
		Event: newEvent("session_cleared", time.Now().UTC()),
	})
}

// BroadcastBatchItem reports progress of one settled batch file.
func (h *Hub) BroadcastBatchItem(item batch.Item) {
	h.broadcastEvent(BatchItemEvent{
		Event:      newEvent("batch_item", time.Now().UTC()),
		Name:       item.Name,
		Status:     item.Status,
		Transcript: item.Transcript,
		Error:      item.Error,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
