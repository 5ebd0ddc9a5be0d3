package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/balancer"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/usage"
)

const (
	connectTimeout = 30 * time.Second
	totalTimeout   = 300 * time.Second

	// streamCopyBufSize is the relay chunk size for streaming bodies.
	streamCopyBufSize = 32 * 1024

	// captureLimit caps how much of a streamed response is retained for
	// usage extraction.
	captureLimit = 256 * 1024
)

// headers never copied from the inbound request.
var strippedRequestHeaders = map[string]bool{
	"host":           true,
	"content-length": true,
	"x-api-key":      true,
	"authorization":  true,
}

// headers never copied from the upstream response; the transport
// re-frames these.
var strippedResponseHeaders = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
	"content-length":    true,
}

// Forwarder is the data-plane front door for one service family.
type Forwarder struct {
	service  string
	store    *upstream.Store
	balancer *balancer.Balancer
	hub      LifecycleEmitter
	ledger   LedgerEmitter
	client   *http.Client
}

// NewForwarder wires a forwarder. hub and rec may be nil; no-op
// implementations are substituted.
func NewForwarder(service string, store *upstream.Store, bal *balancer.Balancer, h LifecycleEmitter, rec LedgerEmitter) *Forwarder {
	if h == nil {
		h = NoopLifecycleEmitter{}
	}
	if rec == nil {
		rec = NoopLedgerEmitter{}
	}
	return &Forwarder{
		service:  service,
		store:    store,
		balancer: bal,
		hub:      h,
		ledger:   rec,
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     60 * time.Second,
			},
			// The proxy is transparent: pass redirects through.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Service returns the service family this forwarder fronts.
func (f *Forwarder) Service() string { return f.service }

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.fail(w, requestID, r, "", "", start, InternalError("Failed to read request body: "+err.Error()))
		return
	}

	desc, selected, perr := f.selectUpstream()
	if perr != nil {
		f.fail(w, requestID, r, "", "", start, perr)
		return
	}

	targetURL := buildTargetURL(desc.BaseURL, r.URL)
	f.hub.RequestStarted(requestID, r.Method, r.URL.Path, selected, targetURL)

	isStream := isStreamingRequest(r.Header)

	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		f.finish(w, requestID, r, selected, targetURL, start, 0, false,
			InternalError("Failed to build upstream request: "+err.Error()), nil)
		return
	}
	rewriteRequestHeaders(outbound, r.Header, desc)

	resp, err := f.client.Do(outbound)
	if err != nil {
		f.finish(w, requestID, r, selected, targetURL, start, 0, false, classifyDispatchError(err), nil)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var (
		relayErr error
		captured []byte
	)
	if isStream {
		captured, relayErr = f.relayStream(w, resp.Body, requestID, start)
	} else {
		captured, relayErr = io.ReadAll(resp.Body)
		if relayErr == nil {
			_, relayErr = w.Write(captured)
		}
	}

	success := relayErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 400
	var outcome *ProxyError
	if relayErr != nil {
		outcome = classifyDispatchError(relayErr)
	} else if !success {
		outcome = &ProxyError{Type: "UpstreamError", HTTPCode: resp.StatusCode, Message: "Request failed"}
	}
	f.finish(nil, requestID, r, selected, targetURL, start, resp.StatusCode, success, outcome, captured)
}

// selectUpstream resolves the pool, asks the balancer, and returns the
// chosen descriptor.
func (f *Forwarder) selectUpstream() (upstream.Descriptor, string, *ProxyError) {
	pool := f.store.List()
	active := f.store.ActiveName()
	if active == "" || len(pool) == 0 {
		return upstream.Descriptor{}, "", ConfigurationError("No active configuration")
	}

	weights := make(map[string]float64, len(pool))
	for name, d := range pool {
		weights[name] = d.Weight
	}
	selected := f.balancer.Select(f.service, active, weights)

	desc, ok := pool[selected]
	if !ok {
		return upstream.Descriptor{}, "", ConfigurationError("Configuration '" + selected + "' not found")
	}
	return desc, selected, nil
}

// relayStream pipes the upstream body to the client chunk by chunk,
// flushing after each write and feeding progress events. A bounded
// prefix of the stream is captured for usage extraction.
func (f *Forwarder) relayStream(w http.ResponseWriter, body io.Reader, requestID string, start time.Time) ([]byte, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamCopyBufSize)
	var captured []byte
	first := true

	for {
		n, err := body.Read(buf)
		if n > 0 {
			elapsed := time.Since(start).Milliseconds()
			if first {
				f.hub.RequestStreaming(requestID, elapsed)
				first = false
			}
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				return captured, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			if len(captured) < captureLimit {
				room := captureLimit - len(captured)
				if room > n {
					room = n
				}
				captured = append(captured, chunk[:room]...)
			}
			f.hub.ResponseChunk(requestID, string(chunk), elapsed)
		}
		if err == io.EOF {
			return captured, nil
		}
		if err != nil {
			return captured, err
		}
	}
}

// fail surfaces an error before any upstream dispatch happened. No
// balancer recording: there is no selected upstream to charge.
func (f *Forwarder) fail(w http.ResponseWriter, requestID string, r *http.Request, channel, targetURL string, start time.Time, pe *ProxyError) {
	WriteError(w, pe)
	f.ledger.Emit(ledger.Entry{
		ID:           requestID,
		Timestamp:    time.Now().UTC(),
		Service:      f.service,
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   pe.HTTPCode,
		DurationMS:   time.Since(start).Milliseconds(),
		ErrorMessage: pe.Message,
		Channel:      channel,
		TargetURL:    targetURL,
	})
}

// finish records the terminal outcome exactly once: balancer tally, hub
// terminal event, and ledger entry. w is nil when response bytes were
// already relayed.
func (f *Forwarder) finish(w http.ResponseWriter, requestID string, r *http.Request, channel, targetURL string, start time.Time, statusCode int, success bool, pe *ProxyError, responseBody []byte) {
	if w != nil && pe != nil {
		WriteError(w, pe)
		statusCode = pe.HTTPCode
	}
	durationMS := time.Since(start).Milliseconds()

	f.balancer.Record(f.service, channel, success)
	f.hub.RequestCompleted(requestID, statusCode, durationMS, success)

	entry := ledger.Entry{
		ID:         requestID,
		Timestamp:  time.Now().UTC(),
		Service:    f.service,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: statusCode,
		DurationMS: durationMS,
		Channel:    channel,
		TargetURL:  targetURL,
		Usage:      usage.Extract(f.service, responseBody),
	}
	if pe != nil {
		entry.ErrorMessage = pe.Message
	}
	f.ledger.Emit(entry)
}

// buildTargetURL composes base (trailing slash trimmed) + path + query.
func buildTargetURL(base string, u *url.URL) string {
	target := strings.TrimRight(base, "/") + u.Path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// rewriteRequestHeaders copies inbound headers minus the stripped set,
// then injects host, credentials, and keep-alive.
func rewriteRequestHeaders(outbound *http.Request, inbound http.Header, desc upstream.Descriptor) {
	for key, values := range inbound {
		if strippedRequestHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			outbound.Header.Add(key, v)
		}
	}

	outbound.Host = outbound.URL.Host
	if desc.APIKey != "" {
		outbound.Header.Set("x-api-key", desc.APIKey)
	}
	if desc.AuthToken != "" {
		outbound.Header.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	outbound.Header.Set("Connection", "keep-alive")
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if strippedResponseHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// isStreamingRequest classifies the request from its headers.
func isStreamingRequest(h http.Header) bool {
	accept := h.Get("Accept")
	if strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "application/x-ndjson") {
		return true
	}
	contentType := h.Get("Content-Type")
	if strings.Contains(contentType, "stream") {
		return true
	}
	helper := strings.ToLower(h.Get("x-stainless-helper-method"))
	return strings.Contains(helper, "stream")
}
