package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/proxy"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
)

const (
	connTestTimeout = 15 * time.Second

	// Ledger truncation budgets for self-test payloads.
	connTestRequestBodyLimit  = 2048
	connTestResponseBodyLimit = 4096
	connTestMessageLimit      = 512
	connTestPreviewLimit      = 256
)

// Fallback model ids used when the upstream does not expose /v1/models.
const (
	fallbackClaudeModel = "claude-3-5-sonnet-20241022"
	fallbackCodexModel  = "gpt-4.1-mini"
)

// ConnectivityTester dispatches a minimal inference request against one
// upstream descriptor and records the outcome to the ledger.
type ConnectivityTester struct {
	client *http.Client
	ledger proxy.LedgerEmitter
}

// NewConnectivityTester builds a tester writing outcomes through rec.
func NewConnectivityTester(rec proxy.LedgerEmitter) *ConnectivityTester {
	if rec == nil {
		rec = proxy.NoopLedgerEmitter{}
	}
	return &ConnectivityTester{
		client: &http.Client{Timeout: connTestTimeout},
		ledger: rec,
	}
}

// testOutcome is the handler response shape.
type testOutcome struct {
	Success         bool    `json:"success"`
	StatusCode      *int    `json:"status_code,omitempty"`
	Message         string  `json:"message,omitempty"`
	DurationMS      int64   `json:"duration_ms"`
	ResponsePreview *string `json:"response_preview,omitempty"`
}

// HandleTestConfig runs the self-test for the named upstream of one
// service family.
func HandleTestConfig(service string, store *upstream.Store, tester *ConnectivityTester) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		desc, ok := store.Get(name)
		if !ok {
			writeConfigError(w, "Configuration '"+name+"' not found")
			return
		}
		if desc.APIKey == "" && desc.AuthToken == "" {
			WriteJSON(w, http.StatusOK, testOutcome{
				Success: false,
				Message: "No API credentials configured.",
			})
			return
		}
		WriteJSON(w, http.StatusOK, tester.Run(service, name, desc))
	})
}

// Run executes the connectivity test and logs it with channel
// config-test:<name>.
func (t *ConnectivityTester) Run(service, name string, desc upstream.Descriptor) testOutcome {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	if desc.APIKey != "" {
		headers.Set("x-api-key", desc.APIKey)
	}
	if desc.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+desc.AuthToken)
	}

	baseURL := strings.TrimRight(desc.BaseURL, "/")
	model := t.fetchModelIdentifier(baseURL, service, headers)
	if model == "" {
		switch service {
		case "claude":
			model = fallbackClaudeModel
		case "codex":
			model = fallbackCodexModel
		default:
			model = "default"
		}
	}

	targetPath, requestBody := buildProbeRequest(service, model, headers)
	targetURL := baseURL + targetPath

	start := time.Now()
	outcome, responseText := t.dispatch(targetURL, requestBody, headers, start)

	entry := ledger.Entry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Service:     service,
		Method:      http.MethodPost,
		Path:        targetPath,
		DurationMS:  outcome.DurationMS,
		Channel:     "config-test:" + name,
		TargetURL:   targetURL,
		RequestBody: limitString(string(requestBody), connTestRequestBodyLimit),
	}
	if outcome.StatusCode != nil {
		entry.StatusCode = *outcome.StatusCode
	}
	if !outcome.Success {
		entry.ErrorMessage = outcome.Message
	}
	if responseText != "" {
		entry.ResponseBody = limitString(responseText, connTestResponseBodyLimit)
	}
	t.ledger.Emit(entry)

	return outcome
}

// buildProbeRequest returns the per-family probe path and body. Claude
// additionally requires the anthropic-version header.
func buildProbeRequest(service, model string, headers http.Header) (string, []byte) {
	content := []map[string]string{{"type": "text", "text": "health check"}}
	switch service {
	case "claude":
		headers.Set("anthropic-version", "2023-06-01")
		body, _ := json.Marshal(map[string]any{
			"model":             model,
			"max_output_tokens": 32,
			"messages": []map[string]any{
				{"role": "user", "content": content},
			},
		})
		return "/v1/messages", body
	case "codex":
		body, _ := json.Marshal(map[string]any{
			"model": model,
			"input": []map[string]any{
				{"role": "user", "content": content},
			},
			"max_output_tokens": 32,
		})
		return "/v1/responses", body
	default:
		body, _ := json.Marshal(map[string]bool{"ping": true})
		return "/", body
	}
}

func (t *ConnectivityTester) dispatch(targetURL string, body []byte, headers http.Header, start time.Time) (testOutcome, string) {
	req, err := http.NewRequest(http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return testOutcome{
			Success:    false,
			Message:    err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}, ""
	}
	req.Header = headers.Clone()

	resp, err := t.client.Do(req)
	if err != nil {
		return testOutcome{
			Success:    false,
			Message:    err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}, ""
	}
	defer resp.Body.Close()

	durationMS := time.Since(start).Milliseconds()
	raw, _ := io.ReadAll(resp.Body)
	responseText := string(raw)

	message := http.StatusText(resp.StatusCode)
	if responseText != "" {
		message = limitString(responseText, connTestMessageLimit)
	}

	outcome := testOutcome{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: &resp.StatusCode,
		Message:    message,
		DurationMS: durationMS,
	}
	if responseText != "" {
		preview := limitString(responseText, connTestPreviewLimit)
		outcome.ResponsePreview = &preview
	}
	return outcome, responseText
}

// fetchModelIdentifier asks the upstream's model listing for a usable
// model id, preferring family-typical prefixes, else the first listed.
// Returns empty on any failure.
func (t *ConnectivityTester) fetchModelIdentifier(baseURL, service string, headers http.Header) string {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return ""
	}
	req.Header = headers.Clone()

	resp, err := t.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}

	var payload struct {
		Data   []struct{ ID string `json:"id"` } `json:"data"`
		Models []struct{ ID string `json:"id"` } `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}

	candidates := payload.Data
	if len(candidates) == 0 {
		candidates = payload.Models
	}
	for _, m := range candidates {
		if service == "claude" && strings.HasPrefix(m.ID, "claude") {
			return m.ID
		}
		if service == "codex" && (strings.HasPrefix(m.ID, "gpt") || strings.HasPrefix(m.ID, "o1")) {
			return m.ID
		}
	}
	if len(candidates) > 0 {
		return candidates[0].ID
	}
	return ""
}

// limitString truncates to max bytes on a rune boundary, appending an
// ellipsis when anything was cut.
func limitString(input string, max int) string {
	if len(input) <= max {
		return input
	}
	cut := 0
	for i := range input {
		if i > max {
			break
		}
		cut = i
		if i == max {
			break
		}
	}
	if cut == 0 {
		// max is smaller than the first rune; keep it anyway.
		for _, r := range input {
			return string(r) + "…"
		}
	}
	return input[:cut] + "…"
}
