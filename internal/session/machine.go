package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/tbouder/echoscribe/internal/audio"
	"github.com/tbouder/echoscribe/internal/llm"
)

// Machine governs the lifecycle of a single working session:
// Idle -> Recording/Processing -> Success/Error, cyclic by user action.
// State-changing operations run to completion, awaiting their gateway calls
// before returning; a generation counter discards results of submissions
// that were superseded while in flight.
type Machine struct {
	factory GatewayFactory
	creds   CredentialSource
	records RecordSource

	greeting string

	mu         sync.Mutex
	status     Status
	errMsg     string
	transcript string
	audioData  []byte
	audioType  string
	model      string
	chat       llm.Chat
	history    []Turn
	sending    bool
	gen        uint64
	listeners  []Listener
}

func NewMachine(factory GatewayFactory, creds CredentialSource, records RecordSource, defaultModel string) *Machine {
	return &Machine{
		factory:  factory,
		creds:    creds,
		records:  records,
		greeting: DefaultGreeting,
		status:   StatusIdle,
		model:    defaultModel,
	}
}

// SetGreeting overrides the opening AI greeting. Must be called before use.
func (m *Machine) SetGreeting(greeting string) {
	if strings.TrimSpace(greeting) != "" {
		m.greeting = greeting
	}
}

// Subscribe registers a transition observer. Listeners are invoked
// synchronously, outside the machine lock, in registration order.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		Status:      m.status,
		Error:       m.errMsg,
		Transcript:  m.transcript,
		Audio:       m.audioData,
		AudioType:   m.audioType,
		ChatHistory: append([]Turn(nil), m.history...),
		Model:       m.model,
		Chatting:    m.sending,
	}
}

// SetModel changes the model used for the next submission.
func (m *Machine) SetModel(model string) {
	if strings.TrimSpace(model) == "" {
		return
	}
	m.mu.Lock()
	m.model = model
	m.mu.Unlock()
}

// SetRecording toggles between Idle and Recording. Leaving Recording without
// a submission returns to Idle without touching persisted state.
func (m *Machine) SetRecording(active bool) {
	m.mu.Lock()
	from := m.status
	var to Status
	switch {
	case active && from == StatusIdle:
		to = StatusRecording
	case !active && from == StatusRecording:
		to = StatusIdle
	default:
		m.mu.Unlock()
		return
	}
	m.status = to
	m.mu.Unlock()

	m.notifyStatus(from, to)
}

// Submit processes a recorded or uploaded audio payload: transcription, then
// creation of a grounded chat session. It drives Idle/Recording ->
// Processing -> Success or Error and returns the resulting snapshot.
func (m *Machine) Submit(ctx context.Context, audioData []byte, mimeType string) Snapshot {
	key, ok := m.creds.Key()
	if !ok {
		m.failValidation(msgNoAPIKey)
		return m.Snapshot()
	}
	if len(audioData) == 0 {
		m.failValidation(msgEmptyAudio)
		return m.Snapshot()
	}

	mimeType = audio.CleanMIMEType(mimeType)
	gen, model := m.enterProcessing(false)

	client, err := m.factory(key, model)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	transcript, err := client.Transcribe(ctx, audioData, mimeType)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	chat, err := client.CreateChat(ctx, audioData, mimeType, transcript)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	first := Turn{Author: AuthorAI, Text: transcript + "\n\n" + m.greeting}
	m.commitSuccess(gen, transcript, audioData, mimeType, model, chat, []Turn{first})
	return m.Snapshot()
}

// Reprocess re-runs transcription and chat creation over the retained audio
// with a different model. Prior transcript, chat handle, and history are
// discarded before retrying; the new model is adopted only on success.
func (m *Machine) Reprocess(ctx context.Context, newModel string) Snapshot {
	key, ok := m.creds.Key()
	if !ok {
		m.failValidation(msgNoAPIKey)
		return m.Snapshot()
	}

	m.mu.Lock()
	audioData := m.audioData
	mimeType := m.audioType
	m.mu.Unlock()
	if len(audioData) == 0 {
		m.failValidation(msgNoAudioToReprocess)
		return m.Snapshot()
	}

	if strings.TrimSpace(newModel) == "" {
		newModel = m.Snapshot().Model
	}

	gen, _ := m.enterProcessing(true)

	client, err := m.factory(key, newModel)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	transcript, err := client.Transcribe(ctx, audioData, mimeType)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	chat, err := client.CreateChat(ctx, audioData, mimeType, transcript)
	if err != nil {
		m.failProcessing(gen, err.Error())
		return m.Snapshot()
	}

	first := Turn{Author: AuthorAI, Text: transcript + "\n\n" + m.greeting}
	m.commitSuccess(gen, transcript, audioData, mimeType, newModel, chat, []Turn{first})
	return m.Snapshot()
}

// Reset returns the machine to Idle and purges the persisted session record.
// The purge happens synchronously before the state change completes, so a
// reload immediately after reset never resurrects stale data.
func (m *Machine) Reset() {
	for _, l := range m.listenersCopy() {
		l.SessionCleared()
	}

	m.mu.Lock()
	from := m.status
	m.gen++
	m.clearLocked()
	m.status = StatusIdle
	m.mu.Unlock()

	m.notifyStatus(from, StatusIdle)
}

// Recover rebuilds an in-progress session from the persisted record. It runs
// once at startup, after the credential is available. Any failure discards
// the stored record and leaves the machine Idle; recovery problems are never
// surfaced as user-facing errors.
func (m *Machine) Recover(ctx context.Context) {
	if m.records == nil {
		return
	}

	key, ok := m.creds.Key()
	if !ok {
		return
	}

	rec, ok := m.records.LoadRecord()
	if !ok {
		return
	}
	if rec.Status != StatusSuccess || strings.TrimSpace(rec.Transcript) == "" {
		return
	}

	// Show a loading state while the chat session is re-established rather
	// than flashing half-populated results. The Idle gate and the transition
	// are one critical section, so a submission that lands while the record
	// is being read wins and recovery backs off.
	gen, ok := m.beginRecovery()
	if !ok {
		return
	}

	blob, err := audio.Decode(rec.Audio.Data, rec.Audio.Type)
	if err != nil {
		m.abandonRecovery(gen, err)
		return
	}

	model := rec.Model
	if strings.TrimSpace(model) == "" {
		m.mu.Lock()
		model = m.model
		m.mu.Unlock()
	}

	client, err := m.factory(key, model)
	if err != nil {
		m.abandonRecovery(gen, err)
		return
	}

	chat, err := client.CreateChat(ctx, blob.Data, blob.MIMEType, rec.Transcript)
	if err != nil {
		m.abandonRecovery(gen, err)
		return
	}

	m.commitSuccess(gen, rec.Transcript, blob.Data, blob.MIMEType, model, chat, rec.ChatHistory)
}

func (m *Machine) abandonRecovery(gen uint64, err error) {
	slog.Warn("session: recovery failed, discarding saved session", "error", err)
	m.records.RemoveRecord()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	m.status = StatusIdle
	m.mu.Unlock()

	m.notifyStatus(StatusProcessing, StatusIdle)
}

// beginRecovery is enterProcessing gated on Idle: recovery only ever starts
// from an untouched machine.
func (m *Machine) beginRecovery() (uint64, bool) {
	m.mu.Lock()
	if m.status != StatusIdle {
		m.mu.Unlock()
		return 0, false
	}
	from := m.status
	m.gen++
	gen := m.gen
	m.status = StatusProcessing
	m.errMsg = ""
	m.transcript = ""
	m.chat = nil
	m.history = nil
	m.mu.Unlock()

	m.notifyStatus(from, StatusProcessing)
	return gen, true
}

// enterProcessing flips to Processing and invalidates any in-flight work.
// clearChat additionally discards the chat handle and history, as reprocess
// and recovery require.
func (m *Machine) enterProcessing(clearChat bool) (uint64, string) {
	m.mu.Lock()
	from := m.status
	m.gen++
	gen := m.gen
	m.status = StatusProcessing
	m.errMsg = ""
	m.transcript = ""
	if clearChat {
		m.chat = nil
		m.history = nil
	}
	model := m.model
	m.mu.Unlock()

	m.notifyStatus(from, StatusProcessing)
	return gen, model
}

func (m *Machine) failValidation(msg string) {
	m.mu.Lock()
	from := m.status
	m.gen++
	m.status = StatusError
	m.errMsg = msg
	m.mu.Unlock()

	m.notifyStatus(from, StatusError)
}

func (m *Machine) failProcessing(gen uint64, msg string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	from := m.status
	m.status = StatusError
	m.errMsg = msg
	m.mu.Unlock()

	m.notifyStatus(from, StatusError)
}

func (m *Machine) commitSuccess(gen uint64, transcript string, audioData []byte, mimeType, model string, chat llm.Chat, history []Turn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	from := m.status
	m.status = StatusSuccess
	m.errMsg = ""
	m.transcript = transcript
	m.audioData = audioData
	m.audioType = mimeType
	m.model = model
	m.chat = chat
	m.history = append([]Turn(nil), history...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notifyStatus(from, StatusSuccess)
	for _, l := range m.listenersCopy() {
		l.RecordUpdated(snap)
	}
}

func (m *Machine) clearLocked() {
	m.errMsg = ""
	m.transcript = ""
	m.audioData = nil
	m.audioType = ""
	m.chat = nil
	m.history = nil
	m.sending = false
}

func (m *Machine) notifyStatus(from, to Status) {
	if from == to {
		return
	}
	for _, l := range m.listenersCopy() {
		l.StatusChanged(from, to)
	}
}

func (m *Machine) listenersCopy() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Listener(nil), m.listeners...)
}
