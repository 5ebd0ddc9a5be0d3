// Package api implements the management HTTP server: upstream
// configuration CRUD, connectivity self-tests, request-log queries,
// balancer control, and the realtime WebSocket feed.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/proxy"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes the standard error envelope shared with the data
// plane.
func WriteError(w http.ResponseWriter, pe *proxy.ProxyError) {
	proxy.WriteError(w, pe)
}

func writeConfigError(w http.ResponseWriter, msg string) {
	WriteError(w, proxy.ConfigurationError(msg))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, proxy.InternalError("Invalid JSON body: "+err.Error()))
		return false
	}
	return true
}
