package middleware

import (
	"net/http"
)

// SetCORSHeaders applies the open CORS policy of the stream proxy route.
// Browsers need the range and content headers exposed to drive MSE playback.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, range")
	h.Set("Access-Control-Expose-Headers", "content-length, content-type, content-range, accept-ranges")
}

// CORSMiddleware sets the proxy CORS headers on every response and answers
// preflight requests with an empty 204.
func CORSMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORSHeaders(w.Header())

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
