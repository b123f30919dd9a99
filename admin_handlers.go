package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"streamguard/work/config"
	"streamguard/work/logger"
	"streamguard/work/metrics"
	"streamguard/work/middleware"
	"streamguard/work/proxy"
	"streamguard/work/utils"
)

// StatsResponse is the operational snapshot served by the admin API.
type StatsResponse struct {
	Uptime           string      `json:"uptime"`
	MemoryUsage      string      `json:"memoryUsage"`
	Goroutines       int         `json:"goroutines"`
	WorkerThreads    int         `json:"workerThreads"`
	WorkersBusy      int         `json:"workersBusy"`
	CacheTTL         string      `json:"cacheTTL"`
	BytesTransferred string      `json:"bytesTransferred"`
	Proxy            proxy.Stats `json:"proxy"`
}

// LogEntry is one line of the admin log ring.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogEntries = 1000

var (
	adminStartTime = time.Now()

	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, maxLogEntries)
)

// setupAdminRoutes registers the admin API and mirrors log output into the
// admin log ring.
//
// Parameters:
//   - router: router the routes are added to
//   - sp: proxy whose counters and cache the API exposes
//   - workerPool: upstream worker pool, reported in stats
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy, workerPool *ants.Pool) {
	logger.SetSink(func(level logger.LogLevel, message string) {
		addLogEntry(strings.ToLower(level.String()), message)
	})

	router.HandleFunc("/api/stats", adminRoute(middleware.GzipMiddleware(handleGetStats(sp, workerPool)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", adminRoute(middleware.GzipMiddleware(handleGetConfig(sp)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/probe", adminRoute(middleware.GzipMiddleware(handleProbe(sp)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/cache", adminRoute(handleFlushCache(sp))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/logs", adminRoute(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", adminRoute(handleClearLogs)).Methods("DELETE", "OPTIONS")

	addLogEntry("info", "Admin interface initialized")
}

// adminRoute applies CORS and request accounting to an admin handler.
func adminRoute(next http.HandlerFunc) http.HandlerFunc {
	return middleware.Instrument(corsMiddleware(next), observeAdmin)
}

func observeAdmin(r *http.Request, status int, _ int64, _ time.Duration) {
	metrics.AdminRequests.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
}

// corsMiddleware opens the admin API to browser dashboards on other origins.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin_handlers - writeJSON} Failed to encode response: %v", err)
	}
}

// handleGetStats reports uptime, memory, worker usage and proxy counters.
func handleGetStats(sp *proxy.StreamProxy, workerPool *ants.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		ps := sp.Stats()
		stats := StatsResponse{
			Uptime:           utils.FormatDuration(time.Since(adminStartTime)),
			MemoryUsage:      utils.FormatBytes(int64(m.Alloc)),
			Goroutines:       runtime.NumGoroutine(),
			WorkerThreads:    sp.Config.WorkerThreads,
			CacheTTL:         sp.Config.ManifestCacheTTL.String(),
			BytesTransferred: utils.FormatBytes(ps.BytesRelayed),
			Proxy:            ps,
		}
		if workerPool != nil {
			stats.WorkersBusy = workerPool.Running()
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// handleGetConfig returns the effective configuration. Endpoint URLs are
// obfuscated when URL obfuscation is on.
func handleGetConfig(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cf := config.ToFile(sp.Config)
		if sp.Config.ObfuscateUrls {
			cf.BaseURL = utils.ObfuscateURL(cf.BaseURL)
			cf.Player.ProxyEndpoint = utils.ObfuscateURL(cf.Player.ProxyEndpoint)
		}
		writeJSON(w, http.StatusOK, cf)
	}
}

// handleProbe classifies the stream named by the url query parameter. An
// optional bandwidth parameter, in bits/s, adds a recommended level.
func handleProbe(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing url parameter"})
			return
		}

		bandwidth := 0
		if raw := r.URL.Query().Get("bandwidth"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid bandwidth parameter"})
				return
			}
			bandwidth = n
		}

		addLogEntry("info", fmt.Sprintf("Probe requested for %s", utils.LogURL(sp.Config, target)))
		writeJSON(w, http.StatusOK, probeStream(r.Context(), sp, target, bandwidth))
	}
}

// handleFlushCache drops every cached manifest.
func handleFlushCache(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flushed := sp.Cache.Len()
		sp.Cache.Flush()

		addLogEntry("info", fmt.Sprintf("Manifest cache flushed via admin interface (%d entries)", flushed))
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "flushed": flushed})
	}
}

// handleGetLogs returns the admin log ring, oldest first.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := append([]LogEntry(nil), logEntries...)
	logMu.Unlock()

	writeJSON(w, http.StatusOK, entries)
}

// handleClearLogs empties the log ring and records that it did.
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()

	addLogEntry("info", "Log entries cleared via admin interface")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// addLogEntry appends to the log ring, keeping the newest maxLogEntries.
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	defer logMu.Unlock()

	logEntries = append(logEntries, entry)
	if len(logEntries) > maxLogEntries {
		logEntries = logEntries[len(logEntries)-maxLogEntries:]
	}
}
