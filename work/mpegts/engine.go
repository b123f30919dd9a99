// Package mpegts adapts a continuous MPEG-TS demuxing engine to the player
// and keeps it healthy over long live sessions.
package mpegts

import (
	"streamguard/work/media"
	"streamguard/work/parser"
)

// ErrorType is the top-level class of an engine error.
type ErrorType string

const (
	NetworkError ErrorType = "NetworkError"
	MediaError   ErrorType = "MediaError"
	OtherError   ErrorType = "OtherError"
)

// Error details reported by the engine.
const (
	NetworkException             = "Exception"
	NetworkStatusCodeInvalid     = "HttpStatusCodeInvalid"
	NetworkTimeout               = "ConnectingTimeout"
	NetworkUnrecoverableEarlyEOF = "UnrecoverableEarlyEof"
	MediaMSEError                = "MediaMSEError"
	MediaFormatError             = "FormatError"
	MediaCodecUnsupported        = "CodecUnsupported"
)

// ErrorData describes one engine error.
type ErrorData struct {
	Type   ErrorType
	Detail string
	Status int // HTTP status of a failed connection, 0 when not applicable
}

// MediaInfo is reported once the first stream headers are demuxed.
type MediaInfo struct {
	HasVideo bool
	HasAudio bool
	Width    int
	Height   int
	MimeType string
}

// Listener receives engine events on the scheduler loop.
type Listener struct {
	MediaInfo func(MediaInfo)
	Error     func(ErrorData)
}

// Config is the engine configuration. Durations are in seconds.
type Config struct {
	URL    string
	IsLive bool

	EnableStashBuffer bool
	StashInitialSize  int // bytes

	AutoCleanupSourceBuffer        bool
	AutoCleanupMaxBackwardDuration float64
	AutoCleanupMinBackwardDuration float64

	LiveBufferLatencyChasing    bool
	LiveBufferLatencyMaxLatency float64
	LiveBufferLatencyMinRemain  float64
}

// Profile is a live-buffering profile keyed by network speed.
type Profile struct {
	Name       string
	StashSize  int
	CleanupMax float64
	CleanupMin float64
	MaxLatency float64
}

var profiles = map[string]Profile{
	media.SpeedFast:   {Name: media.SpeedFast, StashSize: 4 << 20, CleanupMax: 120, CleanupMin: 60, MaxLatency: 6},
	media.SpeedMedium: {Name: media.SpeedMedium, StashSize: 2 << 20, CleanupMax: 90, CleanupMin: 45, MaxLatency: 10},
	media.SpeedSlow:   {Name: media.SpeedSlow, StashSize: 1 << 20, CleanupMax: 60, CleanupMin: 30, MaxLatency: 15},
}

// ProfileFor returns the profile of a speed class, fast when unknown.
func ProfileFor(speed string) Profile {
	if p, ok := profiles[speed]; ok {
		return p
	}
	return profiles[media.SpeedFast]
}

// ProfileForTier maps a quality tier onto a profile. auto follows the
// network classification.
func ProfileForTier(tier string, hint media.NetworkHint) Profile {
	switch tier {
	case parser.TierLow:
		return ProfileFor(media.SpeedSlow)
	case parser.TierMedium:
		return ProfileFor(media.SpeedMedium)
	case parser.TierHigh:
		return ProfileFor(media.SpeedFast)
	default:
		return ProfileFor(media.Classify(hint))
	}
}

// ConfigFor builds the engine configuration for url under profile p.
func ConfigFor(url string, p Profile) Config {
	return Config{
		URL:                            url,
		IsLive:                         true,
		EnableStashBuffer:              true,
		StashInitialSize:               p.StashSize,
		AutoCleanupSourceBuffer:        true,
		AutoCleanupMaxBackwardDuration: p.CleanupMax,
		AutoCleanupMinBackwardDuration: p.CleanupMin,
		LiveBufferLatencyChasing:       true,
		LiveBufferLatencyMaxLatency:    p.MaxLatency,
		LiveBufferLatencyMinRemain:     p.MaxLatency / 3,
	}
}

// Engine is the MPEG-TS demuxing library the adapter drives.
type Engine interface {
	SetListener(l Listener)
	AttachMediaElement(el media.Element)
	DetachMediaElement()
	Load()
	Unload()
	Destroy()
}

// EngineFactory builds an engine from a configuration.
type EngineFactory func(cfg Config) Engine
