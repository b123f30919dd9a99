// Package adapter defines the capability interface shared by the HLS and
// MPEG-TS playback adapters and the fault type they report.
package adapter

import (
	"fmt"
	"strings"

	"streamguard/work/detect"
	"streamguard/work/eventloop"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/metrics"
	"streamguard/work/parser"
	"streamguard/work/utils"
)

// Kind names an adapter variant.
type Kind string

const (
	KindHLS    Kind = "hls"
	KindMPEGTS Kind = "mpegts"
)

// KindFor returns the adapter kind serving a detected format.
func KindFor(f detect.Format) Kind {
	if f == detect.HLS {
		return KindHLS
	}
	return KindMPEGTS
}

// FaultKind classifies a failure reported to the controller.
type FaultKind int

const (
	FaultNetwork FaultKind = iota
	FaultManifest
	FaultFragment
	FaultMedia
	FaultOther
	FaultEnded
)

// String returns the lowercase name used in logs and fault messages.
func (k FaultKind) String() string {
	switch k {
	case FaultNetwork:
		return "network"
	case FaultManifest:
		return "manifest"
	case FaultFragment:
		return "fragment"
	case FaultMedia:
		return "media"
	case FaultEnded:
		return "ended"
	default:
		return "other"
	}
}

// Fault is a failure the adapter could not heal in place. The controller
// decides between retry and fatal stop.
type Fault struct {
	Adapter   Kind
	Kind      FaultKind
	Detail    string // Library detail code, e.g. "fragLoadError"
	Status    int    // HTTP status behind a network fault, 0 when unknown
	Message   string // User-facing message; empty uses the controller default
	WantProxy bool   // Retry through the fetch proxy
}

// Error renders the fault as "<adapter> <kind> fault: <detail> (status N)".
func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s fault", f.Adapter, f.Kind)
	if f.Detail != "" {
		fmt.Fprintf(&b, ": %s", f.Detail)
	}
	if f.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", f.Status)
	}
	return b.String()
}

// Hooks are the callbacks through which an adapter reports to its owner.
// Adapters never mutate controller state; counters they need are owned by
// the controller and reached through these functions.
type Hooks struct {
	OnReady    func()                      // Manifest or media info parsed
	OnFragment func()                      // Media data arrived
	OnFault    func(*Fault)                // Failure needing a controller decision
	OnLevels   func([]parser.QualityLevel) // Quality levels became known

	// FragmentError records one fatal fragment error and returns the count
	// for the current session.
	FragmentError func() int
}

// Ready calls OnReady when set. The other hook methods follow the same rule.
func (h Hooks) Ready() {
	if h.OnReady != nil {
		h.OnReady()
	}
}

// Fragment calls OnFragment.
func (h Hooks) Fragment() {
	if h.OnFragment != nil {
		h.OnFragment()
	}
}

// Fault calls OnFault.
func (h Hooks) Fault(f *Fault) {
	if h.OnFault != nil {
		h.OnFault(f)
	}
}

// Levels calls OnLevels. Receivers must not modify l.
func (h Hooks) Levels(l []parser.QualityLevel) {
	if h.OnLevels != nil {
		h.OnLevels(l)
	}
}

// FragmentErrorCount returns the controller's fragment error count, or 0
// without a FragmentError hook.
func (h Hooks) FragmentErrorCount() int {
	if h.FragmentError != nil {
		return h.FragmentError()
	}
	return 0
}

// Handle is one live adapter instance.
type Handle interface {
	Kind() Kind

	// Preload starts fetching without touching the element.
	Preload() error
	// Attach binds the adapter to el and starts playback plumbing.
	Attach(el media.Element) error
	// Detach releases el but keeps the adapter reusable.
	Detach()
	// Destroy releases everything. Safe to call more than once.
	Destroy()

	SetLevel(tier string)
	Levels() []parser.QualityLevel
	CurrentLevel() int
	ProxyEngaged() bool
}

// Options configure a new adapter.
type Options struct {
	URL           string
	ProxyEndpoint string
	UseProxy      bool   // Route through the proxy from the start
	PageSecure    bool   // Embedding page is HTTPS
	Tier          string // Initial quality tier
	Network       media.NetworkHint
	Scheduler     eventloop.Scheduler
	Hooks         Hooks
}

// MixedContent reports whether an HTTPS page would load a plain HTTP stream.
func (o Options) MixedContent() bool {
	return o.PageSecure && strings.HasPrefix(strings.ToLower(o.URL), "http://")
}

// SourceURL returns the URL the demuxer should load: the proxied form when
// the proxy is engaged and the URL does not already point at it.
func (o Options) SourceURL(useProxy bool) string {
	if !useProxy || o.ProxyEndpoint == "" || parser.IsProxied(o.ProxyEndpoint, o.URL) {
		return o.URL
	}
	return parser.ProxyURL(o.ProxyEndpoint, o.URL)
}

// Factory creates an adapter.
type Factory func(opts Options) (Handle, error)

// LogFault writes the player error log line for a fault.
func LogFault(f *Fault, streamURL string, fatal bool) {
	logger.Warn("{adapter/adapter - LogFault} player error: type=%s detail=%s status=%d url=%s adapter=%s fatal=%t",
		f.Kind, f.Detail, f.Status, utils.ObfuscateURL(streamURL), f.Adapter, fatal)
}

// RecordRecovery counts an in-place recovery action.
func RecordRecovery(kind Kind, action string) {
	metrics.PlayerRecoveries.WithLabelValues(string(kind), action).Inc()
	logger.Debug("{adapter/adapter - RecordRecovery} %s recovery: %s", kind, action)
}

// User-facing messages for network faults.
const (
	MessageProxyMissing = "Stream proxy returned 404: the edge function is not deployed or is misconfigured"
	MessageOrigin       = "The stream source could not be reached"
)

// NetworkMessage picks the user-facing message of a network fault. A 404
// from the proxy means the proxy itself is missing, not the stream.
func NetworkMessage(status int, proxied bool) string {
	if proxied && status == 404 {
		return MessageProxyMissing
	}
	return MessageOrigin
}
