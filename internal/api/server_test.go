package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/balancer"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/hub"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
)

type testEnv struct {
	handler   http.Handler
	claude    *upstream.Store
	codex     *upstream.Store
	balancer  *balancer.Balancer
	ledger    *ledger.Ledger
	ledgerSvc *ledger.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	claude, err := upstream.NewStore("claude", filepath.Join(dir, "claude.toml"))
	if err != nil {
		t.Fatalf("claude store: %v", err)
	}
	codex, err := upstream.NewStore("codex", filepath.Join(dir, "codex.toml"))
	if err != nil {
		t.Fatalf("codex store: %v", err)
	}
	bal, err := balancer.New(filepath.Join(dir, "balancer.json"))
	if err != nil {
		t.Fatalf("balancer: %v", err)
	}
	led, err := ledger.Open(filepath.Join(dir, "ledger.db"), 50)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	svc := ledger.NewService(led, 16)
	svc.Start()
	t.Cleanup(svc.Stop)

	srv := NewServer(0, Deps{
		Claude:    claude,
		Codex:     codex,
		Balancer:  bal,
		Ledger:    led,
		LedgerSvc: svc,
		ClaudeHub: hub.New("claude"),
		CodexHub:  hub.New("codex"),
	})
	return &testEnv{
		handler:   srv.Handler(),
		claude:    claude,
		codex:     codex,
		balancer:  bal,
		ledger:    led,
		ledgerSvc: svc,
	}
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeInto[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("status = %q", body["status"])
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"]); err != nil {
		t.Fatalf("timestamp %q: %v", body["timestamp"], err)
	}
}

func TestConfigCRUDFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/configs/claude", map[string]any{
		"name":       "alpha",
		"base_url":   "https://alpha.example.com",
		"auth_token": "tok-a",
		"weight":     2.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeInto[map[string]string](t, rec)["status"]; got != "created" {
		t.Fatalf("create status field = %q", got)
	}

	env.do(t, http.MethodPost, "/api/configs/claude", map[string]any{
		"name":       "beta",
		"base_url":   "https://beta.example.com",
		"auth_token": "tok-b",
	})

	rec = env.do(t, http.MethodGet, "/api/configs/claude", nil)
	list := decodeInto[configsPayload](t, rec)
	if len(list.Configs) != 2 {
		t.Fatalf("configs = %d, want 2", len(list.Configs))
	}
	if list.Active != "alpha" {
		t.Fatalf("active = %q, want alpha (first added)", list.Active)
	}

	rec = env.do(t, http.MethodPost, "/api/configs/claude/beta/activate", nil)
	act := decodeInto[map[string]string](t, rec)
	if act["status"] != "activated" || act["active"] != "beta" {
		t.Fatalf("activate response = %v", act)
	}

	rec = env.do(t, http.MethodPut, "/api/configs/claude/alpha", map[string]any{
		"name":       "alpha",
		"base_url":   "https://alpha-2.example.com",
		"auth_token": "tok-a2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body.String())
	}
	if d, ok := env.claude.Get("alpha"); !ok || d.BaseURL != "https://alpha-2.example.com" {
		t.Fatalf("updated descriptor = %+v ok=%v", d, ok)
	}

	rec = env.do(t, http.MethodDelete, "/api/configs/claude/alpha", nil)
	if got := decodeInto[map[string]string](t, rec)["status"]; got != "deleted" {
		t.Fatalf("delete status field = %q", got)
	}
	if _, ok := env.claude.Get("alpha"); ok {
		t.Fatal("alpha still present after delete")
	}
}

func TestSeparatedConfigs(t *testing.T) {
	env := newTestEnv(t)
	if err := env.claude.Add(upstream.Descriptor{Name: "c1", BaseURL: "https://c1", AuthToken: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := env.codex.Add(upstream.Descriptor{Name: "x1", BaseURL: "https://x1", AuthToken: "t"}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/configs/separated", nil)
	body := decodeInto[map[string]configsPayload](t, rec)
	if _, ok := body["claude"].Configs["c1"]; !ok {
		t.Fatalf("claude pool missing c1: %v", body)
	}
	if _, ok := body["codex"].Configs["x1"]; !ok {
		t.Fatalf("codex pool missing x1: %v", body)
	}
}

func TestLegacyConfigRoutesTargetClaude(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/configs", map[string]any{
		"name":       "legacy",
		"base_url":   "https://legacy.example.com",
		"auth_token": "tok",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("legacy create status = %d", rec.Code)
	}
	if _, ok := env.claude.Get("legacy"); !ok {
		t.Fatal("legacy create did not land in the claude pool")
	}

	rec = env.do(t, http.MethodPost, "/api/configs/legacy/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy activate status = %d", rec.Code)
	}
	if env.claude.ActiveName() != "legacy" {
		t.Fatalf("active = %q", env.claude.ActiveName())
	}
}

func TestUnknownConfigErrors(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/configs/claude/ghost/activate", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var envlp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envlp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envlp.Error.Type != "ConfigurationError" {
		t.Fatalf("error type = %q", envlp.Error.Type)
	}
}

func TestLogsListAndGet(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if err := env.ledger.Insert(ledger.Entry{
			Service:    "claude",
			Method:     "POST",
			Path:       "/v1/messages",
			StatusCode: 200,
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/logs?limit=2", nil)
	entries := decodeInto[[]ledger.Entry](t, rec)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	rec = env.do(t, http.MethodGet, "/api/logs/"+entries[0].ID, nil)
	got := decodeInto[ledger.Entry](t, rec)
	if got.ID != entries[0].ID {
		t.Fatalf("got id %q, want %q", got.ID, entries[0].ID)
	}

	rec = env.do(t, http.MethodGet, "/api/logs/nope", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing log status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Log not found")) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestLogsListEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/logs", nil)
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Fatalf("body = %s, want []", got)
	}
}

func TestLoadBalancerGetAndUpdate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/loadbalancer", nil)
	cfg := decodeInto[balancer.Config](t, rec)
	if cfg.Mode != balancer.ModeActiveFirst {
		t.Fatalf("default mode = %q", cfg.Mode)
	}

	cfg.Mode = balancer.ModeWeightBased
	rec = env.do(t, http.MethodPut, "/api/loadbalancer", cfg)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := env.balancer.Config().Mode; got != balancer.ModeWeightBased {
		t.Fatalf("mode after update = %q", got)
	}

	cfg.Mode = "round-robin"
	rec = env.do(t, http.MethodPut, "/api/loadbalancer", cfg)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("invalid mode status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
