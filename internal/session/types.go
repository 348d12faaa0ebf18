package session

import (
	"fmt"
	"strings"

	"github.com/tbouder/echoscribe/internal/llm"
)

// Status is the lifecycle state of a working session. The stored literal for
// a completed session is "Success"; a record with any other status is never
// recovered.
type Status string

const (
	StatusIdle       Status = "Idle"
	StatusRecording  Status = "Recording"
	StatusProcessing Status = "Processing"
	StatusSuccess    Status = "Success"
	StatusError      Status = "Error"
)

type Author string

const (
	AuthorYou Author = "You"
	AuthorAI  Author = "AI"
)

// Turn is one message in the conversational transcript. Turns are immutable
// once appended and their order is the conversation order.
type Turn struct {
	Author Author `json:"author"`
	Text   string `json:"text"`
}

func (t Turn) FormatMarkdown() string {
	return fmt.Sprintf("**%s:** %s", t.Author, strings.TrimSpace(t.Text))
}

// AudioData is an audio payload in its text-encoded storage form.
type AudioData struct {
	Data string `json:"data"`
	Type string `json:"type"`
}

// Record is the durable snapshot of one completed session: the sole unit of
// persistent state for single-mode operation.
type Record struct {
	Transcript  string    `json:"transcript"`
	Audio       AudioData `json:"audio"`
	ChatHistory []Turn    `json:"chatHistory"`
	Model       string    `json:"model"`
	Status      Status    `json:"status"`
}

// Snapshot is the in-memory session state. It carries the decoded audio
// bytes; the live chat handle is deliberately absent since it cannot be
// copied or persisted.
type Snapshot struct {
	Status      Status
	Error       string
	Transcript  string
	Audio       []byte
	AudioType   string
	ChatHistory []Turn
	Model       string
	Chatting    bool
}

// GatewayFactory builds a provider client for the given credential and
// "provider/model_name" identifier.
type GatewayFactory func(apiKey, model string) (llm.Client, error)

// CredentialSource reports the stored provider API key.
type CredentialSource interface {
	Key() (string, bool)
}

// RecordSource reads and discards the persisted session record. Loads are
// fail-soft; a missing or unusable record reports ok=false.
type RecordSource interface {
	LoadRecord() (Record, bool)
	RemoveRecord()
}

// Listener observes machine transitions. RecordUpdated fires whenever the
// durable snapshot should be (re)written; SessionCleared fires synchronously
// on reset, before the transition to Idle completes.
type Listener interface {
	StatusChanged(from, to Status)
	TurnAppended(turn Turn)
	RecordUpdated(snap Snapshot)
	SessionCleared()
}
