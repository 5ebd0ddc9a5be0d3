package hub

import "time"

// Event types carried on the realtime feed.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventPing      = "ping"
)

// Request statuses.
const (
	StatusPending   = "PENDING"
	StatusStreaming = "STREAMING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// ActiveRequest is one in-flight (or recently finished) request as held
// in the hub's active table.
type ActiveRequest struct {
	RequestID  string    `json:"request_id"`
	Service    string    `json:"service"`
	Channel    string    `json:"channel"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StartTime  time.Time `json:"start_time"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	StatusCode *int      `json:"status_code,omitempty"`
	TargetURL  string    `json:"target_url,omitempty"`
}

// Event is the JSON envelope broadcast to subscribers, discriminated by
// Type. Fields not meaningful for a given type are omitted.
type Event struct {
	Type          string     `json:"type"`
	RequestID     string     `json:"request_id,omitempty"`
	Service       string     `json:"service,omitempty"`
	Channel       string     `json:"channel,omitempty"`
	Method        string     `json:"method,omitempty"`
	Path          string     `json:"path,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	TargetURL     string     `json:"target_url,omitempty"`
	Status        string     `json:"status,omitempty"`
	StatusCode    *int       `json:"status_code,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	ResponseDelta *string    `json:"response_delta,omitempty"`
}

func startedEvent(r ActiveRequest, ts time.Time) Event {
	return Event{
		Type:      EventStarted,
		RequestID: r.RequestID,
		Service:   r.Service,
		Channel:   r.Channel,
		Method:    r.Method,
		Path:      r.Path,
		Timestamp: &ts,
		TargetURL: r.TargetURL,
	}
}
