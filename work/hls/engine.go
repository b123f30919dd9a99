package hls

import (
	"streamguard/work/media"
)

// ErrorType is the top-level class of an engine error.
type ErrorType string

const (
	NetworkError ErrorType = "networkError"
	MediaError   ErrorType = "mediaError"
	MuxError     ErrorType = "muxError"
	OtherError   ErrorType = "otherError"
)

// Error details reported by the engine.
const (
	ManifestLoadError    = "manifestLoadError"
	ManifestLoadTimeOut  = "manifestLoadTimeOut"
	ManifestParsingError = "manifestParsingError"
	LevelLoadError       = "levelLoadError"
	LevelLoadTimeOut     = "levelLoadTimeOut"
	FragLoadError        = "fragLoadError"
	FragLoadTimeOut      = "fragLoadTimeOut"
	FragParsingError     = "fragParsingError"
	FragDecryptError     = "fragDecryptError"
	KeyLoadError         = "keyLoadError"
	BufferStalledError   = "bufferStalledError"
	BufferSeekOverHole   = "bufferSeekOverHole"
	BufferAppendError    = "bufferAppendError"
	BufferNudgeOnStall   = "bufferNudgeOnStall"
	InternalException    = "internalException"
)

// ErrorData describes one engine error.
type ErrorData struct {
	Type    ErrorType
	Details string
	Fatal   bool
	Status  int // HTTP status of the failed load, 0 when not applicable
}

// Level is one rendition known to the engine, in engine order.
type Level struct {
	Bitrate int
	Width   int
	Height  int
	Codecs  string
	URL     string
}

// Listener receives engine events. Engines must deliver them on the
// scheduler loop that owns the adapter.
type Listener struct {
	ManifestParsed func(levels []Level)
	LevelLoaded    func()
	FragLoaded     func()
	Error          func(ErrorData)
}

// Config tunes buffering and ABR. Durations are in seconds.
type Config struct {
	MaxBufferLength             float64
	MaxMaxBufferLength          float64
	MaxBufferSize               int
	LiveSyncDurationCount       int
	LiveMaxLatencyDurationCount int
	ABRBandWidthUpFactor        float64
	ABRBandWidthFactor          float64
	LowLatencyMode              bool

	// RewriteURL is applied to every manifest, playlist and fragment
	// request before it is issued.
	RewriteURL func(string) string
}

// DefaultConfig favors stability over latency: two minutes of forward
// buffer, slow ABR up-switching and a live sync point five segments back.
func DefaultConfig() Config {
	return Config{
		MaxBufferLength:             120,
		MaxMaxBufferLength:          180,
		MaxBufferSize:               100 * 1000 * 1000,
		LiveSyncDurationCount:       5,
		LiveMaxLatencyDurationCount: 12,
		ABRBandWidthUpFactor:        0.65,
		ABRBandWidthFactor:          0.9,
		LowLatencyMode:              false,
	}
}

// Engine is the HLS demuxing library the adapter drives.
type Engine interface {
	SetListener(l Listener)
	LoadSource(url string)
	AttachMedia(el media.Element)
	DetachMedia()
	// StartLoad begins loading at position seconds; negative means the
	// engine's default start point.
	StartLoad(position float64)
	StopLoad()
	RecoverMediaError()
	SwapAudioCodec()
	Levels() []Level
	// CurrentLevel is the playing level index, -1 before one is chosen.
	CurrentLevel() int
	// SetCurrentLevel pins a level; -1 returns to automatic selection.
	SetCurrentLevel(idx int)
	// LiveSyncPosition is the target playback position near the live edge.
	LiveSyncPosition() (float64, bool)
	Destroy()
}

// EngineFactory builds an engine from a configuration.
type EngineFactory func(cfg Config) Engine
