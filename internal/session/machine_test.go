package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbouder/echoscribe/internal/audio"
	"github.com/tbouder/echoscribe/internal/llm"
)

type fakeChat struct {
	mu      sync.Mutex
	replies []string
	sendErr error
	block   chan struct{}
	calls   int
	parts   []llm.Parts
}

func (c *fakeChat) Send(_ context.Context, parts llm.Parts) (string, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.parts = append(c.parts, parts)
	if c.sendErr != nil {
		return "", c.sendErr
	}
	if len(c.replies) == 0 {
		return "ok", nil
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

type fakeClient struct {
	mu            sync.Mutex
	transcript    string
	transcribeErr error
	chatErr       error
	chat          *fakeChat
	transcribes   int
	chats         int
	block         chan struct{}
}

func (c *fakeClient) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcribes++
	if c.transcribeErr != nil {
		return "", c.transcribeErr
	}
	return c.transcript, nil
}

func (c *fakeClient) CreateChat(_ context.Context, _ []byte, _, _ string) (llm.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats++
	if c.chatErr != nil {
		return nil, c.chatErr
	}
	if c.chat == nil {
		c.chat = &fakeChat{}
	}
	return c.chat, nil
}

type fakeCreds struct {
	key string
}

func (c *fakeCreds) Key() (string, bool) {
	return c.key, c.key != ""
}

type fakeRecords struct {
	mu      sync.Mutex
	rec     *Record
	removed int
}

func (r *fakeRecords) LoadRecord() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return Record{}, false
	}
	return *r.rec, true
}

func (r *fakeRecords) RemoveRecord() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed++
	r.rec = nil
}

type recordingListener struct {
	mu       sync.Mutex
	statuses []Status
	turns    []Turn
	records  []Snapshot
	cleared  int
}

func (l *recordingListener) StatusChanged(_, to Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, to)
}

func (l *recordingListener) TurnAppended(turn Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turn)
}

func (l *recordingListener) RecordUpdated(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, snap)
}

func (l *recordingListener) SessionCleared() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared++
}

func (l *recordingListener) statusSequence() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func newTestMachine(client *fakeClient, creds *fakeCreds, records *fakeRecords) (*Machine, *recordingListener) {
	factory := func(_, _ string) (llm.Client, error) {
		return client, nil
	}
	m := NewMachine(factory, creds, records, "gemini/gemini-2.5-flash")
	listener := &recordingListener{}
	m.Subscribe(listener)
	return m, listener
}

func TestSubmitSuccess(t *testing.T) {
	client := &fakeClient{transcript: "Hello from the audio."}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	snap := m.Submit(context.Background(), []byte{0x01, 0x02}, "audio/webm;codecs=opus")

	if snap.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s (error %q)", snap.Status, snap.Error)
	}
	if snap.Transcript != "Hello from the audio." {
		t.Fatalf("unexpected transcript: %q", snap.Transcript)
	}
	if snap.AudioType != "audio/webm" {
		t.Fatalf("expected cleaned mime type, got %q", snap.AudioType)
	}
	if len(snap.ChatHistory) != 1 {
		t.Fatalf("expected one opening turn, got %d", len(snap.ChatHistory))
	}
	first := snap.ChatHistory[0]
	if first.Author != AuthorAI {
		t.Fatalf("expected AI opening turn, got %s", first.Author)
	}
	want := "Hello from the audio.\n\n" + DefaultGreeting
	if first.Text != want {
		t.Fatalf("unexpected opening turn text: %q", first.Text)
	}

	got := listener.statusSequence()
	if len(got) != 2 || got[0] != StatusProcessing || got[1] != StatusSuccess {
		t.Fatalf("expected Processing,Success transitions, got %v", got)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.records) != 1 || listener.records[0].Status != StatusSuccess {
		t.Fatalf("expected one record update in Success, got %d", len(listener.records))
	}
}

func TestSubmitEmptyAudio(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	snap := m.Submit(context.Background(), nil, "audio/webm")

	if snap.Status != StatusError {
		t.Fatalf("expected Error, got %s", snap.Status)
	}
	if snap.Error != "The provided audio file is empty." {
		t.Fatalf("unexpected error message: %q", snap.Error)
	}
	if client.transcribes != 0 || client.chats != 0 {
		t.Fatal("expected no gateway calls for empty audio")
	}

	got := listener.statusSequence()
	if len(got) != 1 || got[0] != StatusError {
		t.Fatalf("expected direct Error transition, got %v", got)
	}
}

func TestSubmitMissingCredential(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	m, _ := newTestMachine(client, &fakeCreds{}, &fakeRecords{})

	snap := m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	if snap.Status != StatusError || snap.Error != "API Key is not set." {
		t.Fatalf("expected missing-key error, got %s %q", snap.Status, snap.Error)
	}
	if client.transcribes != 0 {
		t.Fatal("expected no gateway call without a credential")
	}
}

func TestSubmitGatewayError(t *testing.T) {
	client := &fakeClient{transcribeErr: errors.New("quota exceeded")}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	snap := m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	if snap.Status != StatusError {
		t.Fatalf("expected Error, got %s", snap.Status)
	}
	if snap.Error != "quota exceeded" {
		t.Fatalf("unexpected error message: %q", snap.Error)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.records) != 0 {
		t.Fatal("expected no record update on gateway failure")
	}
}

func TestRecoverSuccess(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	records := &fakeRecords{rec: &Record{
		Transcript: "Recovered words.",
		Audio:      AudioData{Data: audio.Encode(payload), Type: "audio/webm"},
		ChatHistory: []Turn{
			{Author: AuthorAI, Text: "Recovered words.\n\n" + DefaultGreeting},
			{Author: AuthorYou, Text: "what next?"},
		},
		Model:  "gemini/gemini-2.5-flash",
		Status: StatusSuccess,
	}}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, records)

	m.Recover(context.Background())

	snap := m.Snapshot()
	if snap.Status != StatusSuccess {
		t.Fatalf("expected Success after recovery, got %s", snap.Status)
	}
	if snap.Transcript != "Recovered words." {
		t.Fatalf("unexpected transcript: %q", snap.Transcript)
	}
	if len(snap.ChatHistory) != 2 {
		t.Fatalf("expected restored history, got %d turns", len(snap.ChatHistory))
	}
	if string(snap.Audio) != string(payload) {
		t.Fatal("expected decoded audio bytes to match")
	}
	if client.transcribes != 0 {
		t.Fatal("recovery must not re-transcribe")
	}
	if client.chats != 1 {
		t.Fatalf("expected a fresh chat session, got %d", client.chats)
	}

	got := listener.statusSequence()
	if len(got) != 2 || got[0] != StatusProcessing || got[1] != StatusSuccess {
		t.Fatalf("expected Processing,Success during recovery, got %v", got)
	}
}

func TestRecoverCorruptAudio(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	records := &fakeRecords{rec: &Record{
		Transcript: "Recovered words.",
		Audio:      AudioData{Data: "!!not base64!!", Type: "audio/webm"},
		Status:     StatusSuccess,
	}}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, records)

	m.Recover(context.Background())

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected Idle after corrupt recovery, got %s", got)
	}
	records.mu.Lock()
	defer records.mu.Unlock()
	if records.removed != 1 {
		t.Fatalf("expected corrupt record to be removed once, got %d", records.removed)
	}
}

func TestRecoverSkipsNonSuccessRecord(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	records := &fakeRecords{rec: &Record{Transcript: "t", Status: StatusError}}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, records)

	m.Recover(context.Background())

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected Idle, got %s", got)
	}
	if got := listener.statusSequence(); len(got) != 0 {
		t.Fatalf("expected no transitions, got %v", got)
	}
}

func TestRecoverWithoutCredential(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	records := &fakeRecords{rec: &Record{
		Transcript: "t",
		Audio:      AudioData{Data: audio.Encode([]byte{1}), Type: "audio/webm"},
		Status:     StatusSuccess,
	}}
	m, _ := newTestMachine(client, &fakeCreds{}, records)

	m.Recover(context.Background())

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected Idle without credential, got %s", got)
	}
	if client.chats != 0 {
		t.Fatal("expected no gateway call without credential")
	}
}

func TestResetPurgesBeforeIdle(t *testing.T) {
	client := &fakeClient{transcript: "words"}
	m, listener := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	m.Submit(context.Background(), []byte{0x01}, "audio/webm")
	m.Reset()

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected Idle after reset, got %s", got)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.cleared != 1 {
		t.Fatalf("expected one SessionCleared, got %d", listener.cleared)
	}

	snap := m.Snapshot()
	if snap.Transcript != "" || len(snap.ChatHistory) != 0 || snap.Audio != nil {
		t.Fatal("expected reset to clear session state")
	}
}

func TestReprocessClearsPriorConversation(t *testing.T) {
	client := &fakeClient{transcript: "first pass"}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	m.Submit(context.Background(), []byte{0x01}, "audio/webm")
	if err := m.SendMessage(context.Background(), "a question", nil, ""); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := len(m.Snapshot().ChatHistory); got != 3 {
		t.Fatalf("expected 3 turns before reprocess, got %d", got)
	}

	client.mu.Lock()
	client.transcript = "second pass"
	client.chat = nil
	client.mu.Unlock()

	snap := m.Reprocess(context.Background(), "gemini/gemini-2.5-pro")

	if snap.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s (%q)", snap.Status, snap.Error)
	}
	if snap.Model != "gemini/gemini-2.5-pro" {
		t.Fatalf("expected new model to be adopted, got %q", snap.Model)
	}
	if snap.Transcript != "second pass" {
		t.Fatalf("unexpected transcript: %q", snap.Transcript)
	}
	if len(snap.ChatHistory) != 1 {
		t.Fatalf("expected history to restart with the opening turn, got %d", len(snap.ChatHistory))
	}
}

func TestReprocessWithoutAudio(t *testing.T) {
	client := &fakeClient{transcript: "unused"}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	snap := m.Reprocess(context.Background(), "gemini/gemini-2.5-pro")

	if snap.Status != StatusError || snap.Error != "No audio available to reprocess." {
		t.Fatalf("expected no-audio error, got %s %q", snap.Status, snap.Error)
	}
}

func TestSendMessageSingleFlight(t *testing.T) {
	chat := &fakeChat{block: make(chan struct{})}
	client := &fakeClient{transcript: "words", chat: chat}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})
	m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	done := make(chan error, 1)
	go func() {
		done <- m.SendMessage(context.Background(), "first", nil, "")
	}()

	// Wait for the first send to claim the in-flight slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if m.Snapshot().Chatting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for first send to start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.SendMessage(context.Background(), "second", nil, ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent send, got %v", err)
	}

	close(chat.block)
	if err := <-done; err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	snap := m.Snapshot()
	// Opening turn + one user turn + one AI reply; no duplicate user turn.
	if len(snap.ChatHistory) != 3 {
		t.Fatalf("expected 3 turns, got %d: %v", len(snap.ChatHistory), snap.ChatHistory)
	}
}

func TestSendMessageGatewayFailure(t *testing.T) {
	chat := &fakeChat{sendErr: errors.New("network down")}
	client := &fakeClient{transcript: "words", chat: chat}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})
	m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	if err := m.SendMessage(context.Background(), "hello?", nil, ""); err != nil {
		t.Fatalf("expected local recovery, got error: %v", err)
	}

	snap := m.Snapshot()
	if snap.Status != StatusSuccess {
		t.Fatalf("expected machine to stay in Success, got %s", snap.Status)
	}
	last := snap.ChatHistory[len(snap.ChatHistory)-1]
	if last.Author != AuthorAI {
		t.Fatalf("expected synthetic AI turn, got %s", last.Author)
	}
	if last.Text != "Sorry, I encountered an error: network down" {
		t.Fatalf("unexpected error turn text: %q", last.Text)
	}
}

func TestSendMessageAudioOnly(t *testing.T) {
	chat := &fakeChat{replies: []string{"heard you"}}
	client := &fakeClient{transcript: "words", chat: chat}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})
	m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	if err := m.SendMessage(context.Background(), "", []byte{0x02}, "audio/webm"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	snap := m.Snapshot()
	user := snap.ChatHistory[1]
	if user.Text != "[Audio Message]" {
		t.Fatalf("expected audio placeholder user turn, got %q", user.Text)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.parts) != 1 {
		t.Fatalf("expected one gateway send, got %d", len(chat.parts))
	}
	if chat.parts[0].Text == "" {
		t.Fatal("expected a substituted text part for audio-only message")
	}
	if len(chat.parts[0].Audio) == 0 {
		t.Fatal("expected the audio part to be forwarded")
	}
}

func TestSendMessageEmptyNoOp(t *testing.T) {
	chat := &fakeChat{}
	client := &fakeClient{transcript: "words", chat: chat}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})
	m.Submit(context.Background(), []byte{0x01}, "audio/webm")

	if err := m.SendMessage(context.Background(), "", nil, ""); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if chat.calls != 0 {
		t.Fatal("expected no gateway call for empty message")
	}
	if got := len(m.Snapshot().ChatHistory); got != 1 {
		t.Fatalf("expected history unchanged, got %d turns", got)
	}
}

func TestSendMessageWithoutChat(t *testing.T) {
	m, _ := newTestMachine(&fakeClient{}, &fakeCreds{key: "k"}, &fakeRecords{})

	if err := m.SendMessage(context.Background(), "hello", nil, ""); !errors.Is(err, ErrNoChat) {
		t.Fatalf("expected ErrNoChat, got %v", err)
	}
}

func TestStaleSubmissionDiscarded(t *testing.T) {
	block := make(chan struct{})
	client := &fakeClient{transcript: "stale words", block: block}
	m, _ := newTestMachine(client, &fakeCreds{key: "k"}, &fakeRecords{})

	done := make(chan Snapshot, 1)
	go func() {
		done <- m.Submit(context.Background(), []byte{0x01}, "audio/webm")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if m.Status() == StatusProcessing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Processing")
		}
		time.Sleep(time.Millisecond)
	}

	m.Reset()
	close(block)
	<-done

	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected stale result to be discarded, machine is %s", got)
	}
	if snap := m.Snapshot(); snap.Transcript != "" {
		t.Fatalf("expected no transcript from stale submission, got %q", snap.Transcript)
	}
}

func TestSetRecording(t *testing.T) {
	m, listener := newTestMachine(&fakeClient{}, &fakeCreds{key: "k"}, &fakeRecords{})

	m.SetRecording(true)
	if got := m.Status(); got != StatusRecording {
		t.Fatalf("expected Recording, got %s", got)
	}

	m.SetRecording(false)
	if got := m.Status(); got != StatusIdle {
		t.Fatalf("expected Idle, got %s", got)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.cleared != 0 {
		t.Fatal("leaving Recording must not purge the persisted record")
	}
}

// submitDuringLoad simulates a submission landing while the saved record is
// being read off disk.
type submitDuringLoad struct {
	m   *Machine
	rec Record
}

func (r *submitDuringLoad) LoadRecord() (Record, bool) {
	r.m.Submit(context.Background(), []byte{0xAA}, "audio/webm")
	return r.rec, true
}

func (r *submitDuringLoad) RemoveRecord() {}

func TestRecoverYieldsToConcurrentSubmission(t *testing.T) {
	client := &fakeClient{transcript: "Fresh submission."}
	records := &submitDuringLoad{rec: Record{
		Transcript:  "Saved transcript.",
		Audio:       AudioData{Data: audio.Encode([]byte{0x01}), Type: "audio/webm"},
		ChatHistory: []Turn{{Author: AuthorAI, Text: "restored"}},
		Model:       "gemini/gemini-2.5-flash",
		Status:      StatusSuccess,
	}}
	factory := func(_, _ string) (llm.Client, error) { return client, nil }
	m := NewMachine(factory, &fakeCreds{key: "k"}, records, "gemini/gemini-2.5-flash")
	records.m = m

	m.Recover(context.Background())

	snap := m.Snapshot()
	if snap.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", snap.Status, snap.Error)
	}
	if snap.Transcript != "Fresh submission." {
		t.Fatalf("expected the live submission to win, got %q", snap.Transcript)
	}
	if client.chats != 1 {
		t.Fatalf("expected one chat session, got %d", client.chats)
	}
}
