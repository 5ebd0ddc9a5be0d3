// Package usage extracts token-usage metrics from upstream inference
// response bodies, both single JSON documents and SSE streams.
package usage

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Metrics holds token counts reported by an upstream response.
type Metrics struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Model            string `json:"model,omitempty"`
}

// usageDoc is the superset of usage shapes across service schemas.
// Claude reports input_tokens/output_tokens; codex-style upstreams report
// prompt_tokens/completion_tokens/total_tokens.
type usageDoc struct {
	Model string `json:"model"`
	Usage *struct {
		InputTokens      *int64 `json:"input_tokens"`
		OutputTokens     *int64 `json:"output_tokens"`
		PromptTokens     *int64 `json:"prompt_tokens"`
		CompletionTokens *int64 `json:"completion_tokens"`
		TotalTokens      *int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Extract parses body as either a single JSON document or an SSE stream and
// returns the token usage it reports, or nil when none is present.
// For SSE bodies, counts are summed across events and the last non-empty
// model string wins.
func Extract(service string, body []byte) *Metrics {
	if len(body) == 0 || !utf8.Valid(body) {
		return nil
	}

	if m := extractJSON(service, body); m != nil {
		return m
	}
	return extractSSE(service, string(body))
}

func extractJSON(service string, data []byte) *Metrics {
	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Usage == nil {
		return nil
	}
	m, explicitTotal := fromDoc(service, &doc)
	if m == nil {
		return nil
	}
	if !explicitTotal {
		m.TotalTokens = m.PromptTokens + m.CompletionTokens
	}
	return m
}

func extractSSE(service, body string) *Metrics {
	var (
		sum           Metrics
		found         bool
		explicitTotal bool
	)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var doc usageDoc
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			continue
		}
		if doc.Model != "" {
			sum.Model = doc.Model
		}
		m, explicit := fromDoc(service, &doc)
		if m == nil {
			continue
		}
		found = true
		sum.PromptTokens += m.PromptTokens
		sum.CompletionTokens += m.CompletionTokens
		if explicit {
			explicitTotal = true
			sum.TotalTokens += m.TotalTokens
		}
	}
	if !found {
		return nil
	}
	// Frames without an explicit total contribute nothing to the total
	// sum; only when no frame carried one is the total derived.
	if !explicitTotal {
		sum.TotalTokens = sum.PromptTokens + sum.CompletionTokens
	}
	return &sum
}

// fromDoc applies the per-service usage schema. Returns nil when the
// document carries no usage object. The second return reports whether the
// document carried an authoritative total_tokens; callers derive the
// prompt+completion fallback themselves, after summing across frames.
func fromDoc(service string, doc *usageDoc) (*Metrics, bool) {
	if doc.Usage == nil {
		return nil, false
	}
	u := doc.Usage
	m := &Metrics{Model: doc.Model}

	switch service {
	case "claude":
		if u.InputTokens == nil && u.OutputTokens == nil {
			return nil, false
		}
		if u.InputTokens != nil {
			m.PromptTokens = *u.InputTokens
		}
		if u.OutputTokens != nil {
			m.CompletionTokens = *u.OutputTokens
		}
		return m, false

	default:
		// codex and compatible OpenAI-style schemas.
		if u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil {
			return nil, false
		}
		if u.PromptTokens != nil {
			m.PromptTokens = *u.PromptTokens
		}
		if u.CompletionTokens != nil {
			m.CompletionTokens = *u.CompletionTokens
		}
		if u.TotalTokens != nil {
			m.TotalTokens = *u.TotalTokens
			return m, true
		}
		return m, false
	}
}
