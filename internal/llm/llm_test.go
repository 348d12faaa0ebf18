package llm

import (
	"strings"
	"testing"
)

func TestParseModel(t *testing.T) {
	provider, model, err := ParseModel("gemini/gemini-2.5-flash")
	if err != nil {
		t.Fatalf("ParseModel failed: %v", err)
	}
	if provider != "gemini" || model != "gemini-2.5-flash" {
		t.Fatalf("unexpected parse result: %q %q", provider, model)
	}

	for _, invalid := range []string{"", "gemini", "/model", "provider/", "/"} {
		if _, _, err := ParseModel(invalid); err == nil {
			t.Fatalf("expected error for %q", invalid)
		}
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient("acme", "key", "model-x")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "unknown AI provider") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientKnownProviders(t *testing.T) {
	for _, provider := range []string{"gemini", "openai"} {
		client, err := NewClient(provider, "test-key", "model-x")
		if err != nil {
			t.Fatalf("NewClient(%q) failed: %v", provider, err)
		}
		if client == nil {
			t.Fatalf("NewClient(%q) returned nil client", provider)
		}
	}
}
