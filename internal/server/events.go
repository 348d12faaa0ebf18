package server

import (
	"time"

	"github.com/tbouder/echoscribe/internal/session"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StatusChangedEvent struct {
	Event
	From string `json:"from"`
	To   string `json:"to"`
}

type TurnAppendedEvent struct {
	Event
	Author string `json:"author"`
	Text   string `json:"text"`
}

type SessionClearedEvent struct {
	Event
}

type BatchItemEvent struct {
	Event
	Name       string `json:"name"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionStateEvent is the greeting frame of every websocket connection: the
// full current session snapshot, so a client can render without a follow-up
// API call.
type SessionStateEvent struct {
	Event
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Transcript  string         `json:"transcript"`
	ChatHistory []session.Turn `json:"chatHistory"`
	Model       string         `json:"model"`
	Chatting    bool           `json:"chatting"`
	HasAudio    bool           `json:"has_audio"`
}

func newSessionStateEvent(snap session.Snapshot, now time.Time) SessionStateEvent {
	history := snap.ChatHistory
	if history == nil {
		history = []session.Turn{}
	}
	return SessionStateEvent{
		Event:       newEvent("session_state", now),
		Status:      string(snap.Status),
		Error:       snap.Error,
		Transcript:  snap.Transcript,
		ChatHistory: history,
		Model:       snap.Model,
		Chatting:    snap.Chatting,
		HasAudio:    len(snap.Audio) > 0,
	}
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
