package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyRequests counts requests served by the fetch proxy, labelled by
// resource type (manifest, segment, vast, vast-tracking, preflight) and the
// HTTP status returned to the caller.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_proxy_requests_total",
	Help: "Requests handled by the fetch proxy",
}, []string{"type", "status"})

// UpstreamAttempts counts individual origin fetch attempts per header
// strategy. outcome is ok, retry (5xx, 429 or network error) or rejected
// (any other non-2xx status).
var UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_upstream_attempts_total",
	Help: "Origin fetch attempts by strategy and outcome",
}, []string{"strategy", "outcome"})

// ManifestCache counts manifest cache lookups by result (hit, miss).
var ManifestCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_manifest_cache_total",
	Help: "Manifest cache lookups",
}, []string{"result"})

// BytesTransferred counts bytes sent to clients by kind (manifest, segment).
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_bytes_transferred_total",
	Help: "Total bytes relayed to clients",
}, []string{"kind"})

// ProxyLatency observes end-to-end proxy handling time until headers are
// written.
var ProxyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "streamguard_proxy_latency_seconds",
	Help:    "Time to first byte of proxied responses",
	Buckets: prometheus.DefBuckets,
}, []string{"type"})

// PlayerStateTransitions counts player controller state changes.
var PlayerStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_player_state_transitions_total",
	Help: "Player controller state transitions",
}, []string{"from", "to"})

// PlayerRecoveries counts in-place recovery actions taken by adapters,
// e.g. nudge, reload, recover_media, level_down.
var PlayerRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_player_recoveries_total",
	Help: "In-place recovery actions by adapter",
}, []string{"adapter", "action"})

// PlayerRetries counts full player re-initializations per stream format.
var PlayerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_player_retries_total",
	Help: "Player re-initializations after fatal errors",
}, []string{"format"})

// BufferAhead tracks the most recent buffered-ahead seconds per stream format.
var BufferAhead = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamguard_player_buffer_ahead_seconds",
	Help: "Seconds of media buffered ahead of the playhead",
}, []string{"format"})

// AdminRequests counts admin API requests by path and status.
var AdminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamguard_admin_requests_total",
	Help: "Admin API requests",
}, []string{"path", "status"})
