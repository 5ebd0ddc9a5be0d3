package api

import (
	"net/http"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
)

// createConfigRequest is the create/update payload for an upstream
// descriptor.
type createConfigRequest struct {
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	APIKey    *string  `json:"api_key"`
	AuthToken *string  `json:"auth_token"`
	Weight    *float64 `json:"weight"`
}

func (req *createConfigRequest) descriptor() upstream.Descriptor {
	d := upstream.Descriptor{
		Name:    req.Name,
		BaseURL: req.BaseURL,
	}
	if req.APIKey != nil {
		d.APIKey = *req.APIKey
	}
	if req.AuthToken != nil {
		d.AuthToken = *req.AuthToken
	}
	if req.Weight != nil {
		d.Weight = *req.Weight
	}
	return d
}

// configsPayload is the list shape: the full pool plus the active name.
type configsPayload struct {
	Configs map[string]upstream.Descriptor `json:"configs"`
	Active  string                         `json:"active,omitempty"`
}

func poolPayload(store *upstream.Store) configsPayload {
	return configsPayload{
		Configs: store.List(),
		Active:  store.ActiveName(),
	}
}

// HandleListSeparatedConfigs returns both families' pools.
func HandleListSeparatedConfigs(claude, codex *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]configsPayload{
			"claude": poolPayload(claude),
			"codex":  poolPayload(codex),
		})
	})
}

// HandleListConfigs returns one family's pool.
func HandleListConfigs(store *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, poolPayload(store))
	})
}

// HandleCreateConfig adds a new upstream to the pool.
func HandleCreateConfig(store *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createConfigRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if err := store.Add(req.descriptor()); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"status": "created"})
	})
}

// HandleUpdateConfig replaces the named upstream, allowing a rename.
func HandleUpdateConfig(store *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		var req createConfigRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if err := store.Remove(name); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		if err := store.Add(req.descriptor()); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	})
}

// HandleDeleteConfig removes the named upstream.
func HandleDeleteConfig(store *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Remove(r.PathValue("name")); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})
}

// HandleActivateConfig designates the named upstream as active.
func HandleActivateConfig(store *upstream.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := store.Activate(name); err != nil {
			writeConfigError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"status": "activated",
			"active": name,
		})
	})
}
