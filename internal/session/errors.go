package session

import "errors"

// ErrBusy is returned by SendMessage when a previous send is still in
// flight. Concurrent sends are rejected, not queued.
var ErrBusy = errors.New("a chat message is already in flight")

// ErrNoChat is returned by SendMessage when no live chat session exists.
var ErrNoChat = errors.New("no active chat session")

// ErrNoAPIKey is returned by operations that need a provider client when no
// credential is stored. Its text matches the status message shown in the UI.
var ErrNoAPIKey = errors.New(msgNoAPIKey)

const (
	msgNoAPIKey           = "API Key is not set."
	msgEmptyAudio         = "The provided audio file is empty."
	msgNoAudioToReprocess = "No audio available to reprocess."

	// DefaultGreeting is appended after the transcript in the opening AI turn.
	DefaultGreeting = "I have reviewed the audio and the transcript. How can I help you further?"

	audioOnlyInstruction = "This is a spoken follow-up question. Please listen to the audio and answer it based on our previous conversation about the original audio and transcript."
	audioMessageLabel    = "[Audio Message]"
)
