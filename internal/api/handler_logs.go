package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/balancer"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/proxy"
)

// HandleStatus is the liveness endpoint.
func HandleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// HandleListLogs returns ledger entries, newest first.
func HandleListLogs(led *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := parseBoundedIntQuery(r, "limit", 50, 1, 1000)
		offset := parseBoundedIntQuery(r, "offset", 0, 0, 1<<30)

		entries, err := led.List(limit, offset)
		if err != nil {
			WriteError(w, proxy.DatabaseError(err.Error()))
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		WriteJSON(w, http.StatusOK, entries)
	})
}

// HandleGetLog returns one ledger entry by id.
func HandleGetLog(led *ledger.Ledger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, err := led.Get(r.PathValue("id"))
		if errors.Is(err, ledger.ErrNotFound) {
			WriteError(w, proxy.InternalError("Log not found"))
			return
		}
		if err != nil {
			WriteError(w, proxy.DatabaseError(err.Error()))
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	})
}

// HandleGetLoadBalancer returns the balancer state.
func HandleGetLoadBalancer(bal *balancer.Balancer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, bal.Config())
	})
}

// HandleUpdateLoadBalancer replaces the balancer state wholesale.
func HandleUpdateLoadBalancer(bal *balancer.Balancer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cfg balancer.Config
		if !decodeJSONBody(w, r, &cfg) {
			return
		}
		if err := bal.ReplaceConfig(&cfg); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	})
}

// parseBoundedIntQuery parses an integer query parameter, clamping to
// [min, max]; missing or malformed values yield the default.
func parseBoundedIntQuery(r *http.Request, key string, def, min, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
