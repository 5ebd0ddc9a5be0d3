package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const pingInterval = 30 * time.Second

// ServeWS streams this hub's feed over a WebSocket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	serveRealtime(w, r, []*Hub{h})
}

// Realtime returns a handler streaming the merged feed of the given
// hubs over a single WebSocket endpoint.
func Realtime(hubs ...*Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRealtime(w, r, hubs)
	})
}

// serveRealtime upgrades the request and streams the hubs' feeds: first
// the active-request snapshots as started events, then live events. The
// read side exists only to detect the peer closing.
func serveRealtime(w http.ResponseWriter, r *http.Request, hubs []*Hub) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The management UI may be served from another origin in dev.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[hub] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var snapshot []Event
	merged := make(chan Event, subscriberBacklog)
	var wg sync.WaitGroup
	for _, h := range hubs {
		sub := h.Subscribe()
		defer h.Unsubscribe(sub)
		snapshot = append(snapshot, sub.Snapshot...)

		wg.Add(1)
		go func(events chan Event) {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(sub.Events)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	sort.Slice(snapshot, func(i, j int) bool {
		ti, tj := snapshot[i].Timestamp, snapshot[j].Timestamp
		if ti == nil || tj == nil {
			return tj != nil
		}
		return ti.Before(*tj)
	})
	for _, ev := range snapshot {
		if err := writeEvent(ctx, conn, ev); err != nil {
			return
		}
	}

	// Reader goroutine: discard inbound frames, cancel on close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-merged:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeEvent(ctx, conn, Event{Type: EventPing}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
