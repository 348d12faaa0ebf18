package llm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string, opts *clientOptions) (*openaiClient, error) {
	config := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		config.BaseURL = opts.baseURL
	}
	return &openaiClient{client: openai.NewClientWithConfig(config), model: model}, nil
}

// Transcribe runs Whisper over the audio, then cleans and translates the raw
// transcription through a chat completion.
func (c *openaiClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	raw, err := c.whisper(ctx, audio, mimeType)
	if err != nil {
		return "", err
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: transcribePrompt},
			{Role: openai.ChatMessageRoleUser, Content: raw},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai transcript cleanup: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai: empty transcription text")
	}
	return text, nil
}

// CreateChat grounds the session on the transcript. The chat completions API
// takes no inline audio, so follow-up audio parts are transcribed first and
// sent as text.
func (c *openaiClient) CreateChat(_ context.Context, _ []byte, _, transcript string) (Chat, error) {
	return &openaiChat{
		parent: c,
		messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(groundingPrompt, transcript)},
		},
	}, nil
}

func (c *openaiClient) whisper(ctx context.Context, audio []byte, mimeType string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: "audio" + audioExt(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("openai: empty whisper text")
	}
	return resp.Text, nil
}

type openaiChat struct {
	parent *openaiClient

	mu       sync.Mutex
	messages []openai.ChatCompletionMessage
}

func (o *openaiChat) Send(ctx context.Context, parts Parts) (string, error) {
	text := parts.Text
	if len(parts.Audio) > 0 {
		spoken, err := o.parent.whisper(ctx, parts.Audio, parts.AudioMIMEType)
		if err != nil {
			return "", err
		}
		if text == "" {
			text = spoken
		} else {
			text = text + "\n\n[Spoken follow-up]: " + spoken
		}
	}
	if text == "" {
		return "", fmt.Errorf("openai: empty message")
	}

	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}

	o.mu.Lock()
	msgs := make([]openai.ChatCompletionMessage, 0, len(o.messages)+1)
	msgs = append(msgs, o.messages...)
	msgs = append(msgs, userMsg)
	o.mu.Unlock()

	resp, err := o.parent.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.parent.model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)

	o.mu.Lock()
	o.messages = append(o.messages, userMsg, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	})
	o.mu.Unlock()

	return reply, nil
}

func audioExt(mimeType string) string {
	switch mimeType {
	case "audio/webm":
		return ".webm"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".webm"
	}
}
