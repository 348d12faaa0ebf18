package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbouder/echoscribe/internal/llm"
)

// SendMessage relays a follow-up message to the live chat session: the user
// turn is appended first, then the AI reply. A gateway failure is recovered
// locally as a synthetic AI turn so the conversation keeps its ordering and
// the machine stays in Success.
//
// Sends are single-flight: a call while another send is in flight returns
// ErrBusy with no turn appended. An entirely empty message is a no-op.
func (m *Machine) SendMessage(ctx context.Context, text string, audioData []byte, audioMIME string) error {
	if text == "" && len(audioData) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.chat == nil {
		m.mu.Unlock()
		return ErrNoChat
	}
	if m.sending {
		m.mu.Unlock()
		return ErrBusy
	}
	m.sending = true
	chat := m.chat
	gen := m.gen
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.sending = false
		m.mu.Unlock()
	}()

	userText := text
	if userText == "" {
		userText = audioMessageLabel
	}
	m.appendTurn(gen, Turn{Author: AuthorYou, Text: userText})

	parts := llm.Parts{Text: text, Audio: audioData, AudioMIMEType: audioMIME}
	if len(audioData) > 0 && strings.TrimSpace(text) == "" {
		// The gateway always receives at least one content part.
		parts.Text = audioOnlyInstruction
	}

	reply, err := chat.Send(ctx, parts)
	if err != nil {
		m.appendTurn(gen, Turn{Author: AuthorAI, Text: fmt.Sprintf("Sorry, I encountered an error: %s", err)})
		return nil
	}

	m.appendTurn(gen, Turn{Author: AuthorAI, Text: reply})
	return nil
}

// appendTurn records a turn unless the session was reset or reprocessed
// while the send was in flight, in which case the result is discarded.
func (m *Machine) appendTurn(gen uint64, turn Turn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.history = append(m.history, turn)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	for _, l := range m.listenersCopy() {
		l.TurnAppended(turn)
		l.RecordUpdated(snap)
	}
}
