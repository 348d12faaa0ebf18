package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	ctx := context.Background()
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &geminiClient{client: client, model: model}, nil
}

func (c *geminiClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: transcribePrompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
		},
	}}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini transcription: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty transcription text")
	}
	return text, nil
}

func (c *geminiClient) CreateChat(ctx context.Context, audio []byte, mimeType, transcript string) (Chat, error) {
	// The grounding context is the opening user turn; every later send
	// replays the full history through GenerateContent.
	seed := &genai.Content{
		Role: "user",
		Parts: []*genai.Part{
			{Text: fmt.Sprintf(groundingPrompt, transcript)},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
		},
	}

	return &geminiChat{client: c.client, model: c.model, history: []*genai.Content{seed}}, nil
}

type geminiChat struct {
	client *genai.Client
	model  string

	mu      sync.Mutex
	history []*genai.Content
}

func (g *geminiChat) Send(ctx context.Context, parts Parts) (string, error) {
	userParts := make([]*genai.Part, 0, 2)
	if parts.Text != "" {
		userParts = append(userParts, &genai.Part{Text: parts.Text})
	}
	if len(parts.Audio) > 0 {
		userParts = append(userParts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: parts.AudioMIMEType, Data: parts.Audio},
		})
	}
	if len(userParts) == 0 {
		return "", fmt.Errorf("gemini: empty message")
	}

	userContent := &genai.Content{Role: "user", Parts: userParts}

	g.mu.Lock()
	contents := make([]*genai.Content, 0, len(g.history)+1)
	contents = append(contents, g.history...)
	contents = append(contents, userContent)
	g.mu.Unlock()

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini chat: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty chat response")
	}

	g.mu.Lock()
	g.history = append(g.history, userContent, &genai.Content{
		Role:  "model",
		Parts: []*genai.Part{{Text: text}},
	})
	g.mu.Unlock()

	return text, nil
}
