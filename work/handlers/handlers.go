package handlers

import (
	"encoding/json"
	"net/http"

	"streamguard/work/proxy"
)

// HandleStreamProxy serves the fetch proxy route.
func HandleStreamProxy(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.HandleProxy(w, r)
	}
}

// HandleHealth reports liveness together with the proxy counters.
func HandleHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"proxy":  sp.Stats(),
		})
	}
}
