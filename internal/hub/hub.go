// Package hub maintains the per-service in-memory table of in-flight
// requests and fans lifecycle events out to live subscribers.
package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// maxActive caps the active table; oldest entries by start time are
	// trimmed beyond this.
	maxActive = 100
	// subscriberBacklog is the per-subscriber event buffer. A slow
	// subscriber loses events rather than blocking the data plane.
	subscriberBacklog = 1000
	// terminalRetention keeps finished requests visible to late
	// subscribers for a short window.
	terminalRetention = 30 * time.Second
)

// Subscriber receives the live event feed. Events drops messages when
// the consumer falls behind; the ledger is the authoritative record.
type Subscriber struct {
	Events   chan Event
	Snapshot []Event
}

// Hub tracks active requests for one service family.
type Hub struct {
	service string

	active *xsync.Map[string, ActiveRequest]

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}

	// removeDelay and now are swapped in tests.
	removeDelay time.Duration
	now         func() time.Time
}

// New creates a hub for the given service family.
func New(service string) *Hub {
	return &Hub{
		service:     service,
		active:      xsync.NewMap[string, ActiveRequest](),
		subs:        make(map[*Subscriber]struct{}),
		removeDelay: terminalRetention,
		now:         time.Now,
	}
}

// Service returns the service family this hub belongs to.
func (h *Hub) Service() string { return h.service }

// Subscribe registers a new subscriber. The returned Snapshot holds one
// started event per currently-active request; live events follow on the
// Events channel.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		Events:   make(chan Event, subscriberBacklog),
		Snapshot: h.snapshot(),
	}
	h.subMu.Lock()
	h.subs[sub] = struct{}{}
	h.subMu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.subMu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.subMu.Unlock()
	if ok {
		close(sub.Events)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}

func (h *Hub) snapshot() []Event {
	reqs := make([]ActiveRequest, 0)
	h.active.Range(func(_ string, r ActiveRequest) bool {
		reqs = append(reqs, r)
		return true
	})
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].StartTime.Before(reqs[j].StartTime) })

	events := make([]Event, 0, len(reqs))
	for _, r := range reqs {
		events = append(events, startedEvent(r, r.StartTime))
	}
	return events
}

// broadcast delivers an event to every subscriber, dropping it for
// subscribers whose buffer is full.
func (h *Hub) broadcast(ev Event) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for sub := range h.subs {
		select {
		case sub.Events <- ev:
		default:
			// Subscriber backlog full, drop.
		}
	}
}

// Ping emits a keepalive event.
func (h *Hub) Ping() {
	h.broadcast(Event{Type: EventPing})
}

// RequestStarted inserts a PENDING entry, emits a started event, and
// trims the active table to capacity.
func (h *Hub) RequestStarted(requestID, method, path, channel, targetURL string) {
	now := h.now().UTC()
	req := ActiveRequest{
		RequestID: requestID,
		Service:   h.service,
		Channel:   channel,
		Method:    method,
		Path:      path,
		StartTime: now,
		Status:    StatusPending,
		TargetURL: targetURL,
	}
	h.active.Store(requestID, req)
	h.broadcast(startedEvent(req, now))
	h.trim()
}

// RequestStreaming flips the request to STREAMING and emits a progress
// event.
func (h *Hub) RequestStreaming(requestID string, durationMS int64) {
	h.active.Compute(requestID, func(r ActiveRequest, loaded bool) (ActiveRequest, xsync.ComputeOp) {
		if !loaded {
			return r, xsync.CancelOp
		}
		r.Status = StatusStreaming
		r.DurationMS = durationMS
		return r, xsync.UpdateOp
	})

	status := StatusStreaming
	h.broadcast(Event{
		Type:       EventProgress,
		RequestID:  requestID,
		Status:     status,
		DurationMS: &durationMS,
	})
}

// ResponseChunk updates the running duration and emits a progress event
// carrying the response delta.
func (h *Hub) ResponseChunk(requestID, delta string, durationMS int64) {
	h.active.Compute(requestID, func(r ActiveRequest, loaded bool) (ActiveRequest, xsync.ComputeOp) {
		if !loaded {
			return r, xsync.CancelOp
		}
		r.DurationMS = durationMS
		return r, xsync.UpdateOp
	})

	h.broadcast(Event{
		Type:          EventProgress,
		RequestID:     requestID,
		Status:        StatusStreaming,
		DurationMS:    &durationMS,
		ResponseDelta: &delta,
	})
}

// RequestCompleted records the terminal state, emits completed or
// failed, and schedules removal from the active table.
func (h *Hub) RequestCompleted(requestID string, statusCode int, durationMS int64, success bool) {
	status := StatusCompleted
	evType := EventCompleted
	if !success {
		status = StatusFailed
		evType = EventFailed
	}

	h.active.Compute(requestID, func(r ActiveRequest, loaded bool) (ActiveRequest, xsync.ComputeOp) {
		if !loaded {
			return r, xsync.CancelOp
		}
		r.Status = status
		r.StatusCode = &statusCode
		r.DurationMS = durationMS
		return r, xsync.UpdateOp
	})

	h.broadcast(Event{
		Type:       evType,
		RequestID:  requestID,
		Status:     status,
		StatusCode: &statusCode,
		DurationMS: &durationMS,
	})

	// Late subscribers can still see the terminal entry for a while.
	time.AfterFunc(h.removeDelay, func() {
		h.active.Delete(requestID)
	})
}

// trim drops the oldest entries by start time once the table exceeds
// capacity.
func (h *Hub) trim() {
	if h.active.Size() <= maxActive {
		return
	}
	type keyed struct {
		id string
		ts time.Time
	}
	all := make([]keyed, 0, h.active.Size())
	h.active.Range(func(id string, r ActiveRequest) bool {
		all = append(all, keyed{id, r.StartTime})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].ts.After(all[j].ts) })
	for _, k := range all[maxActive:] {
		h.active.Delete(k.id)
	}
}

// ActiveCount returns the current size of the active table.
func (h *Hub) ActiveCount() int {
	return h.active.Size()
}
