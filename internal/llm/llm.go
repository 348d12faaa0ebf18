package llm

import (
	"context"
	"fmt"
	"strings"
)

// Parts is the content of one follow-up chat message. At least one of Text
// or Audio must be set; Audio carries its mime type alongside.
type Parts struct {
	Text          string
	Audio         []byte
	AudioMIMEType string
}

// Chat is a live conversational session grounded in previously submitted
// audio and its transcript. The handle is not serializable; it must be
// recreated from durable state after a restart.
type Chat interface {
	Send(ctx context.Context, parts Parts) (string, error)
}

// Client is the gateway to a generative-AI provider.
type Client interface {
	// Transcribe produces a clean, corrected, translated English transcript
	// of the audio payload.
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)

	// CreateChat establishes a chat session grounded in the audio and its
	// transcript so follow-up questions are answered in that context.
	CreateChat(ctx context.Context, audio []byte, mimeType, transcript string) (Chat, error)
}

const transcribePrompt = `Listen to the following audio. Produce a clean, corrected transcript of everything that is said. If the speech is not in English, translate it into English. Reply with ONLY the transcript text, nothing else.`

const groundingPrompt = `You are a helpful assistant. The user has provided an audio recording and its transcript. Answer follow-up questions using both the audio and the transcript as context.

Transcript:
%s`

type Option func(*clientOptions)

type clientOptions struct {
	baseURL string
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// ParseModel splits a "provider/model_name" identifier.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown AI provider %q: supported providers are gemini, openai", provider)
	}
}
