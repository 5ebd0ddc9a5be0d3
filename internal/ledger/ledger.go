package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/usage"
)

// DefaultMaxEntries bounds the number of retained rows.
const DefaultMaxEntries = 50

// ErrNotFound is returned by Get when no row matches the id.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is one request outcome.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Service      string         `json:"service"`
	Method       string         `json:"method"`
	Path         string         `json:"path"`
	StatusCode   int            `json:"status_code"`
	DurationMS   int64          `json:"duration_ms"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	TargetURL    string         `json:"target_url,omitempty"`
	RequestBody  string         `json:"request_body,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	Usage        *usage.Metrics `json:"usage,omitempty"`
}

// Ledger is the bounded request-outcome log. A single mutex guards the
// database handle; the retention trim runs inside the same critical
// section as each insert.
type Ledger struct {
	mu  sync.Mutex
	db  *sql.DB
	max int
}

// Open opens (or creates) the ledger database at path, applies schema
// migrations, and returns a ready Ledger. maxEntries <= 0 selects the
// default.
func Open(path string, maxEntries int) (*Ledger, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger mkdir: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db, max: maxEntries}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// MaxEntries returns the retention bound.
func (l *Ledger) MaxEntries() int { return l.max }

// Insert appends one entry and evicts the oldest rows beyond the
// retention bound. A zero ID gets a fresh UUID; a zero timestamp is
// stamped with the current time.
func (l *Ledger) Insert(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		promptTokens, completionTokens, totalTokens sql.NullInt64
		model                                       sql.NullString
	)
	if e.Usage != nil {
		promptTokens = sql.NullInt64{Int64: e.Usage.PromptTokens, Valid: true}
		completionTokens = sql.NullInt64{Int64: e.Usage.CompletionTokens, Valid: true}
		totalTokens = sql.NullInt64{Int64: e.Usage.TotalTokens, Valid: true}
		if e.Usage.Model != "" {
			model = sql.NullString{String: e.Usage.Model, Valid: true}
		}
	}

	_, err := l.db.Exec(`INSERT INTO request_logs (
		id, timestamp, service, method, path,
		status_code, duration_ms, error_message, channel, target_url,
		request_body, response_body,
		prompt_tokens, completion_tokens, total_tokens, model
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Service, e.Method, e.Path,
		e.StatusCode, e.DurationMS,
		nullStr(e.ErrorMessage), nullStr(e.Channel), nullStr(e.TargetURL),
		nullStr(e.RequestBody), nullStr(e.ResponseBody),
		promptTokens, completionTokens, totalTokens, model,
	)
	if err != nil {
		return fmt.Errorf("ledger insert: %w", err)
	}

	return l.trimLocked()
}

// trimLocked deletes the count-max oldest rows by timestamp.
func (l *Ledger) trimLocked() error {
	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM request_logs`).Scan(&count); err != nil {
		return fmt.Errorf("ledger count: %w", err)
	}
	if count <= l.max {
		return nil
	}
	_, err := l.db.Exec(`DELETE FROM request_logs WHERE id IN (
		SELECT id FROM request_logs ORDER BY timestamp ASC LIMIT ?
	)`, count-l.max)
	if err != nil {
		return fmt.Errorf("ledger trim: %w", err)
	}
	return nil
}

const selectColumns = `id, timestamp, service, method, path,
	status_code, duration_ms, error_message, channel, target_url,
	request_body, response_body,
	prompt_tokens, completion_tokens, total_tokens, model`

// List returns up to limit entries, newest first.
func (l *Ledger) List(limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = l.max
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT `+selectColumns+` FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	return out, nil
}

// Get returns the entry with the given id, or ErrNotFound.
func (l *Ledger) Get(id string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(`SELECT `+selectColumns+` FROM request_logs WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                                           Entry
		ts                                          string
		errMsg, channel, targetURL                  sql.NullString
		reqBody, respBody, model                    sql.NullString
		promptTokens, completionTokens, totalTokens sql.NullInt64
	)
	err := s.Scan(
		&e.ID, &ts, &e.Service, &e.Method, &e.Path,
		&e.StatusCode, &e.DurationMS, &errMsg, &channel, &targetURL,
		&reqBody, &respBody,
		&promptTokens, &completionTokens, &totalTokens, &model,
	)
	if err != nil {
		return Entry{}, err
	}

	if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		e.Timestamp = t
	}
	e.ErrorMessage = errMsg.String
	e.Channel = channel.String
	e.TargetURL = targetURL.String
	e.RequestBody = reqBody.String
	e.ResponseBody = respBody.String

	if promptTokens.Valid || completionTokens.Valid || totalTokens.Valid {
		e.Usage = &usage.Metrics{
			PromptTokens:     promptTokens.Int64,
			CompletionTokens: completionTokens.Int64,
			TotalTokens:      totalTokens.Int64,
			Model:            model.String,
		}
	}
	return e, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
