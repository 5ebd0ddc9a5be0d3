package usage

import "testing"

func TestExtractClaudeJSON(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":10,"output_tokens":20},"model":"claude-3-5-sonnet-20241022"}`)
	m := Extract("claude", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.PromptTokens != 10 || m.CompletionTokens != 20 || m.TotalTokens != 30 {
		t.Fatalf("tokens: got (%d, %d, %d), want (10, 20, 30)", m.PromptTokens, m.CompletionTokens, m.TotalTokens)
	}
	if m.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("model: got %q", m.Model)
	}
}

func TestExtractCodexJSON(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":7,"completion_tokens":3},"model":"gpt-4.1-mini"}`)
	m := Extract("codex", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.TotalTokens != 10 {
		t.Fatalf("total_tokens fallback: got %d, want 10", m.TotalTokens)
	}
}

func TestExtractCodexJSONExplicitTotal(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":12}}`)
	m := Extract("codex", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.TotalTokens != 12 {
		t.Fatalf("total_tokens: got %d, want 12", m.TotalTokens)
	}
}

func TestExtractSSE(t *testing.T) {
	body := []byte("data: {\"usage\":{\"prompt_tokens\":5}}\n" +
		"data: {\"usage\":{\"completion_tokens\":15,\"total_tokens\":20},\"model\":\"gpt-4\"}\n" +
		"data: [DONE]\n")
	m := Extract("codex", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.PromptTokens != 5 || m.CompletionTokens != 15 || m.TotalTokens != 20 {
		t.Fatalf("tokens: got (%d, %d, %d), want (5, 15, 20)", m.PromptTokens, m.CompletionTokens, m.TotalTokens)
	}
	if m.Model != "gpt-4" {
		t.Fatalf("model: got %q, want gpt-4", m.Model)
	}
}

func TestExtractSSEPartialFrames(t *testing.T) {
	// A frame carrying only prompt_tokens must not inflate the total when
	// a later frame supplies the authoritative total_tokens.
	body := []byte("data: {\"usage\":{\"prompt_tokens\":5}}\n" +
		"data: {\"usage\":{\"total_tokens\":20}}\n")
	m := Extract("codex", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.TotalTokens != 20 {
		t.Fatalf("total: got %d, want 20", m.TotalTokens)
	}
}

func TestExtractSSENoExplicitTotal(t *testing.T) {
	body := []byte("data: {\"usage\":{\"prompt_tokens\":5}}\n" +
		"data: {\"usage\":{\"completion_tokens\":15}}\n")
	m := Extract("codex", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.PromptTokens != 5 || m.CompletionTokens != 15 || m.TotalTokens != 20 {
		t.Fatalf("tokens: got (%d, %d, %d), want (5, 15, 20)", m.PromptTokens, m.CompletionTokens, m.TotalTokens)
	}
}

func TestExtractSSELastModelWins(t *testing.T) {
	body := []byte("data: {\"usage\":{\"input_tokens\":1},\"model\":\"claude-a\"}\n" +
		"data: {\"usage\":{\"output_tokens\":2},\"model\":\"claude-b\"}\n")
	m := Extract("claude", body)
	if m == nil {
		t.Fatal("Extract returned nil")
	}
	if m.Model != "claude-b" {
		t.Fatalf("model: got %q, want claude-b", m.Model)
	}
	if m.TotalTokens != 3 {
		t.Fatalf("total: got %d, want 3", m.TotalTokens)
	}
}

func TestExtractNoUsage(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"invalid utf8": {0xff, 0xfe},
		"no usage":     []byte(`{"model":"gpt-4"}`),
		"plain text":   []byte("hello world"),
		"done only":    []byte("data: [DONE]\n"),
	}
	for name, body := range cases {
		if m := Extract("codex", body); m != nil {
			t.Fatalf("%s: got %+v, want nil", name, m)
		}
	}
}
