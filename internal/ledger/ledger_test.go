package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/usage"
)

func openTestLedger(t *testing.T, max int) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "proxy_requests.db"), max)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestInsertAndGet(t *testing.T) {
	l := openTestLedger(t, 10)

	e := Entry{
		ID:         "req-1",
		Timestamp:  time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Service:    "claude",
		Method:     "POST",
		Path:       "/v1/messages",
		StatusCode: 200,
		DurationMS: 123,
		Channel:    "prod",
		TargetURL:  "https://api.example.com/v1/messages",
		Usage: &usage.Metrics{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
			Model:            "claude-3-5-sonnet-20241022",
		},
	}
	if err := l.Insert(e); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := l.Get("req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Service != "claude" || got.StatusCode != 200 || got.Channel != "prod" {
		t.Fatalf("entry mismatch: %+v", got)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 30 || got.Usage.Model != "claude-3-5-sonnet-20241022" {
		t.Fatalf("usage mismatch: %+v", got.Usage)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Fatalf("timestamp: got %v, want %v", got.Timestamp, e.Timestamp)
	}
}

func TestGetNotFound(t *testing.T) {
	l := openTestLedger(t, 10)
	if _, err := l.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestRetentionTrim(t *testing.T) {
	l := openTestLedger(t, 3)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := l.Insert(Entry{
			ID:        fmt.Sprintf("req-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Service:   "claude",
			Method:    "POST",
			Path:      "/v1/messages",
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	entries, err := l.List(10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List: got %d rows, want 3", len(entries))
	}
	// Newest first; the oldest row (req-0) is gone.
	if entries[0].ID != "req-3" || entries[2].ID != "req-1" {
		t.Fatalf("order/eviction wrong: %q .. %q", entries[0].ID, entries[2].ID)
	}
	if _, err := l.Get("req-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted row still readable: %v", err)
	}
}

func TestListPagination(t *testing.T) {
	l := openTestLedger(t, 10)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := l.Insert(Entry{
			ID:        fmt.Sprintf("req-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Service:   "codex",
			Method:    "POST",
			Path:      "/v1/responses",
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	page, err := l.List(2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ID != "req-3" || page[1].ID != "req-2" {
		t.Fatalf("pagination wrong: %+v", page)
	}
}

func TestInsertGeneratesID(t *testing.T) {
	l := openTestLedger(t, 10)
	if err := l.Insert(Entry{Service: "claude", Method: "GET", Path: "/"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	entries, err := l.List(1, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID == "" {
		t.Fatalf("expected generated id, got %+v", entries)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy_requests.db")
	l, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Insert(Entry{ID: "req-1", Service: "claude", Method: "GET", Path: "/"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l.Close()

	reopened, err := Open(path, 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get("req-1"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}
