// Package proxy implements the request-forwarding data plane: upstream
// selection, header rewriting, streaming relay, and outcome recording.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"
)

// ProxyError is a structured data-plane error surfaced to the client as
// a JSON envelope.
type ProxyError struct {
	HTTPCode int
	Type     string
	Message  string
	Details  string
}

func (e *ProxyError) Error() string { return e.Message }

// Constructors for the error taxonomy.

func ConfigurationError(msg string) *ProxyError {
	return &ProxyError{HTTPCode: http.StatusInternalServerError, Type: "ConfigurationError", Message: msg}
}

func NetworkError(msg string) *ProxyError {
	return &ProxyError{HTTPCode: http.StatusBadGateway, Type: "NetworkError", Message: msg}
}

func TimeoutError() *ProxyError {
	return &ProxyError{HTTPCode: http.StatusGatewayTimeout, Type: "TimeoutError", Message: "Request timeout"}
}

func InternalError(msg string) *ProxyError {
	return &ProxyError{HTTPCode: http.StatusInternalServerError, Type: "InternalError", Message: msg}
}

func DatabaseError(msg string) *ProxyError {
	return &ProxyError{HTTPCode: http.StatusInternalServerError, Type: "DatabaseError", Message: msg}
}

// errorEnvelope is the wire shape of a surfaced error.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteError writes the JSON error envelope.
func WriteError(w http.ResponseWriter, pe *ProxyError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(pe.HTTPCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{
			Type:      pe.Type,
			Message:   pe.Message,
			Details:   pe.Details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// classifyDispatchError maps an outbound transport error onto the
// taxonomy. Client-initiated cancellation is not a timeout.
func classifyDispatchError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return NetworkError("client canceled request")
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError()
	}
	return NetworkError(err.Error())
}
