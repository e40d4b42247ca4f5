package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/robobridge/internal/core"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PluginsHandler lists the active plugins and their health.
func PluginsHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(core.ListPlugins(plugins))
	}
}
