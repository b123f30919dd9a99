// Package hls adapts an HLS demuxing engine to the player: buffering and
// ABR profile, the error recovery ladders, live-edge correction and long
// session maintenance.
package hls

import (
	"errors"
	"fmt"
	"time"

	"streamguard/work/adapter"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/parser"
	"streamguard/work/retry"
	"streamguard/work/timers"
	"streamguard/work/utils"
)

const (
	liveEdgeInterval    = 5 * time.Second
	maintenanceInterval = time.Minute
	maintenanceWarmup   = 15 * time.Minute
	maintenancePeriod   = time.Hour

	// live-edge distances, seconds behind the sync point
	seekDistance     = 120.0
	catchUpDistance  = 60.0
	settleDistance   = 30.0
	tooCloseDistance = 10.0
	relaxDistance    = 15.0
	seekBehindSync   = 10.0
	catchUpRate      = 1.15
	slowDownRate     = 0.95

	maxDroppedPct      = 8.0
	minFramesForDrops  = 100
	maxBufferedSpan    = 180.0
	manifestStaleAfter = 2 * time.Minute

	maxNetworkRestarts = 3
	nudgeSeconds       = 0.1
)

// fragmentRetry is the in-place budget for fatal fragment errors.
var fragmentRetry = retry.Policy{MaxAttempts: 8, BaseDelay: 300 * time.Millisecond, Factor: 1.8}

// ErrNoScheduler is returned when Options carry no scheduler.
var ErrNoScheduler = errors.New("hls adapter requires a scheduler")

// Adapter drives one Engine instance.
type Adapter struct {
	opts   adapter.Options
	cfg    Config
	engine Engine
	reg    *timers.Registry
	el     media.Element
	source string

	levels []parser.QualityLevel
	tier   string

	startedAt       time.Time
	lastManifest    time.Time
	nextMaintenance time.Time
	lastFrames      media.FrameStats

	mediaRecoveries int
	networkRestarts int
	loaded          bool
	faulted         bool
	destroyed       bool

	liveTimer  timers.ID
	maintTimer timers.ID
}

// NewFactory returns an adapter.Factory building HLS adapters on engines
// from ef.
func NewFactory(ef EngineFactory) adapter.Factory {
	return func(opts adapter.Options) (adapter.Handle, error) {
		return New(opts, ef)
	}
}

// New creates an adapter and its engine. Nothing is loaded until Preload
// or Attach.
//
// Parameters:
//   - opts: stream URL, scheduler, hooks and proxy settings
//   - ef: builds the playback engine
//
// Returns:
//   - *Adapter: the adapter, idle
//   - error: ErrNoScheduler when opts has no scheduler, or the engine error
func New(opts adapter.Options, ef EngineFactory) (*Adapter, error) {
	if opts.Scheduler == nil {
		return nil, ErrNoScheduler
	}
	if opts.URL == "" {
		return nil, errors.New("hls adapter: empty stream url")
	}

	a := &Adapter{
		opts: opts,
		reg:  timers.NewRegistry(opts.Scheduler, "hls adapter"),
		tier: opts.Tier,
	}

	a.cfg = DefaultConfig()
	a.cfg.RewriteURL = a.rewriteURL
	a.source = a.rewriteURL(opts.URL)

	a.engine = ef(a.cfg)
	a.engine.SetListener(Listener{
		ManifestParsed: a.onManifestParsed,
		LevelLoaded:    a.onLevelLoaded,
		FragLoaded:     a.onFragLoaded,
		Error:          a.onError,
	})

	now := opts.Scheduler.Now()
	a.startedAt = now
	a.lastManifest = now
	a.nextMaintenance = now.Add(maintenanceWarmup)

	logger.Debug("{hls/adapter - New} created adapter for %s", utils.ObfuscateURL(opts.URL))
	return a, nil
}

// rewriteURL routes a request through the fetch proxy unless it already
// goes there.
func (a *Adapter) rewriteURL(u string) string {
	ep := a.opts.ProxyEndpoint
	if ep == "" || parser.IsProxied(ep, u) {
		return u
	}
	return parser.ProxyURL(ep, u)
}

// Kind reports adapter.KindHLS.
func (a *Adapter) Kind() adapter.Kind { return adapter.KindHLS }

// ProxyEngaged is true whenever a proxy endpoint is configured, since every
// request is rewritten through it.
func (a *Adapter) ProxyEngaged() bool { return a.opts.ProxyEndpoint != "" }

// Config is the engine configuration in use.
func (a *Adapter) Config() Config { return a.cfg }

// Preload starts loading the manifest without media attached.
func (a *Adapter) Preload() error {
	if a.destroyed {
		return errors.New("hls adapter destroyed")
	}
	if !a.loaded {
		a.engine.LoadSource(a.source)
		a.loaded = true
	}
	return nil
}

// Attach binds el and starts the live-edge and maintenance timers.
func (a *Adapter) Attach(el media.Element) error {
	if a.destroyed {
		return errors.New("hls adapter destroyed")
	}
	a.el = el
	a.lastFrames = el.FrameStats()

	a.engine.AttachMedia(el)
	if err := a.Preload(); err != nil {
		return err
	}

	a.liveTimer = a.reg.Every(liveEdgeInterval, a.syncLiveEdge)
	a.maintTimer = a.reg.Every(maintenanceInterval, a.maintain)
	return nil
}

// Detach releases the element and stops element-bound timers.
func (a *Adapter) Detach() {
	if a.el == nil {
		return
	}
	a.reg.Cancel(a.liveTimer)
	a.reg.Cancel(a.maintTimer)
	a.engine.DetachMedia()
	a.el = nil
}

// Destroy tears the engine down and cancels every timer.
func (a *Adapter) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.reg.Close()
	a.engine.Destroy()
	a.el = nil
	logger.Debug("{hls/adapter - Destroy} adapter destroyed")
}

// Levels returns the quality levels of the last parsed manifest, highest
// bandwidth first. The slice is replaced, never modified, on a re-parse.
func (a *Adapter) Levels() []parser.QualityLevel { return a.levels }

// CurrentLevel is the position in Levels of the playing rendition, or -1.
func (a *Adapter) CurrentLevel() int {
	cur := a.engine.CurrentLevel()
	for i, l := range a.levels {
		if l.Index == cur {
			return i
		}
	}
	return -1
}

// SetLevel pins a quality tier; auto hands selection back to the engine.
// Before the manifest is parsed the tier is remembered and applied then.
func (a *Adapter) SetLevel(tier string) {
	a.tier = tier
	if len(a.levels) == 0 || a.destroyed {
		return
	}

	idx := parser.SelectTier(a.levels, tier)
	if idx < 0 {
		a.engine.SetCurrentLevel(-1)
		return
	}
	a.engine.SetCurrentLevel(a.levels[idx].Index)
}

func (a *Adapter) onManifestParsed(levels []Level) {
	if a.destroyed {
		return
	}
	a.lastManifest = a.opts.Scheduler.Now()

	// a fresh slice: the previous one was already handed to the hooks
	parsed := make([]parser.QualityLevel, 0, len(levels))
	for i, l := range levels {
		resolution := ""
		if l.Width > 0 && l.Height > 0 {
			resolution = fmt.Sprintf("%dx%d", l.Width, l.Height)
		}
		parsed = append(parsed, parser.NewQualityLevel(i, l.Bitrate, resolution, l.Codecs, l.URL))
	}
	parser.SortByBandwidth(parsed)
	a.levels = parsed

	a.opts.Hooks.Levels(a.levels)
	if a.tier != "" && a.tier != parser.TierAuto {
		a.SetLevel(a.tier)
	}
	a.opts.Hooks.Ready()
}

func (a *Adapter) onLevelLoaded() {
	if a.destroyed {
		return
	}
	a.lastManifest = a.opts.Scheduler.Now()
}

func (a *Adapter) onFragLoaded() {
	if a.destroyed {
		return
	}
	a.networkRestarts = 0
	a.opts.Hooks.Fragment()
}

// onError applies the recovery ladder matching the error class.
func (a *Adapter) onError(data ErrorData) {
	if a.destroyed || a.faulted {
		return
	}

	if !data.Fatal {
		switch data.Details {
		case BufferStalledError, BufferSeekOverHole, BufferAppendError, BufferNudgeOnStall:
			a.nudge()
		}
		return
	}

	kind := classify(data)
	adapter.LogFault(&adapter.Fault{Adapter: adapter.KindHLS, Kind: kind, Detail: data.Details, Status: data.Status}, a.opts.URL, true)

	switch kind {
	case adapter.FaultFragment:
		a.recoverFragment(data)
	case adapter.FaultManifest:
		a.fail(adapter.FaultManifest, data)
	case adapter.FaultMedia:
		a.recoverMedia(data)
	case adapter.FaultNetwork:
		a.recoverNetwork(data)
	default:
		a.fail(adapter.FaultOther, data)
	}
}

func classify(data ErrorData) adapter.FaultKind {
	switch data.Details {
	case FragLoadError, FragLoadTimeOut, FragParsingError:
		return adapter.FaultFragment
	case ManifestLoadError, ManifestLoadTimeOut, ManifestParsingError:
		return adapter.FaultManifest
	}

	switch data.Type {
	case MediaError:
		return adapter.FaultMedia
	case NetworkError:
		return adapter.FaultNetwork
	default:
		return adapter.FaultOther
	}
}

// nudge heals a non-fatal stall without touching any counter.
func (a *Adapter) nudge() {
	if a.el == nil {
		return
	}
	if a.el.Paused() {
		if err := a.el.Play(); err != nil {
			logger.Debug("{hls/adapter - nudge} play after stall failed: %v", err)
		}
	} else {
		a.el.SetCurrentTime(a.el.CurrentTime() + nudgeSeconds)
	}
	adapter.RecordRecovery(adapter.KindHLS, "nudge")
}

func (a *Adapter) recoverFragment(data ErrorData) {
	n := a.opts.Hooks.FragmentErrorCount()

	switch {
	case fragmentRetry.Allows(n - 1):
		delay := fragmentRetry.Delay(n - 1)
		logger.Debug("{hls/adapter - recoverFragment} fragment error %d/%d (%s), reloading in %v", n, fragmentRetry.MaxAttempts, data.Details, delay)
		a.reg.After(delay, func() { a.engine.StartLoad(-1) })
		adapter.RecordRecovery(adapter.KindHLS, "fragment_retry")

	case n == fragmentRetry.MaxAttempts+1:
		a.levelDown()
		a.engine.StartLoad(-1)
		adapter.RecordRecovery(adapter.KindHLS, "level_down")

	default:
		a.fail(adapter.FaultFragment, data)
	}
}

// levelDown pins the rendition just below the current one in bitrate, or
// the lowest one when the engine has not chosen yet.
func (a *Adapter) levelDown() {
	levels := a.engine.Levels()
	if len(levels) < 2 {
		return
	}

	cur := a.engine.CurrentLevel()
	target := -1
	if cur < 0 || cur >= len(levels) {
		target = 0
		for i, l := range levels {
			if l.Bitrate < levels[target].Bitrate {
				target = i
			}
		}
	} else {
		for i, l := range levels {
			if l.Bitrate >= levels[cur].Bitrate {
				continue
			}
			if target < 0 || l.Bitrate > levels[target].Bitrate {
				target = i
			}
		}
	}
	if target < 0 {
		return
	}

	logger.Info("{hls/adapter - levelDown} dropping to level %d at %d bps", target, levels[target].Bitrate)
	a.engine.SetCurrentLevel(target)
}

func (a *Adapter) recoverMedia(data ErrorData) {
	switch a.mediaRecoveries {
	case 0:
		a.engine.RecoverMediaError()
		adapter.RecordRecovery(adapter.KindHLS, "recover_media")
	case 1:
		a.engine.SwapAudioCodec()
		a.engine.RecoverMediaError()
		adapter.RecordRecovery(adapter.KindHLS, "swap_audio_codec")
	default:
		a.fail(adapter.FaultMedia, data)
		return
	}
	a.mediaRecoveries++
}

func (a *Adapter) recoverNetwork(data ErrorData) {
	if a.networkRestarts >= maxNetworkRestarts {
		a.fail(adapter.FaultNetwork, data)
		return
	}
	a.networkRestarts++
	a.engine.StopLoad()
	a.engine.StartLoad(-1)
	adapter.RecordRecovery(adapter.KindHLS, "restart_load")
}

// fail hands the error to the controller. The adapter stays silent
// afterwards; the controller is expected to destroy it.
func (a *Adapter) fail(kind adapter.FaultKind, data ErrorData) {
	a.faulted = true

	f := &adapter.Fault{
		Adapter: adapter.KindHLS,
		Kind:    kind,
		Detail:  data.Details,
		Status:  data.Status,
	}
	if kind == adapter.FaultNetwork || kind == adapter.FaultManifest {
		f.Message = adapter.NetworkMessage(data.Status, a.ProxyEngaged())
	}
	a.opts.Hooks.Fault(f)
}

// syncLiveEdge keeps the playhead within a band behind the live sync point.
func (a *Adapter) syncLiveEdge() {
	el := a.el
	if el == nil || el.Paused() {
		return
	}
	sync, ok := a.engine.LiveSyncPosition()
	if !ok {
		return
	}

	distance := sync - el.CurrentTime()
	rate := el.PlaybackRate()

	switch {
	case distance > seekDistance:
		el.SetCurrentTime(sync - seekBehindSync)
		el.SetPlaybackRate(1)
		adapter.RecordRecovery(adapter.KindHLS, "live_seek")
	case distance > catchUpDistance:
		if rate != catchUpRate {
			el.SetPlaybackRate(catchUpRate)
		}
	case rate > 1 && distance < settleDistance:
		el.SetPlaybackRate(1)
	case distance < tooCloseDistance:
		if rate != slowDownRate {
			el.SetPlaybackRate(slowDownRate)
		}
	case rate < 1 && distance >= relaxDistance:
		el.SetPlaybackRate(1)
	}
}

// maintain runs the hourly long-session checks once the warm-up passed.
func (a *Adapter) maintain() {
	el := a.el
	if el == nil {
		return
	}
	now := a.opts.Scheduler.Now()
	if now.Before(a.nextMaintenance) {
		return
	}
	a.nextMaintenance = now.Add(maintenancePeriod)

	frames := el.FrameStats()
	delta := frames.Since(a.lastFrames)
	a.lastFrames = frames
	if delta.Total > minFramesForDrops && delta.DroppedPct() > maxDroppedPct {
		logger.Warn("{hls/adapter - maintain} dropped frames at %.1f%%, recovering media", delta.DroppedPct())
		a.engine.RecoverMediaError()
		adapter.RecordRecovery(adapter.KindHLS, "maintenance_recover_media")
	}

	ct := el.CurrentTime()
	if span := el.Buffered().Span(); span > maxBufferedSpan {
		logger.Warn("{hls/adapter - maintain} buffered span %.0fs, trimming", span)
		a.engine.StopLoad()
		a.engine.StartLoad(ct)
		adapter.RecordRecovery(adapter.KindHLS, "maintenance_trim")
	}

	if stale := now.Sub(a.lastManifest); stale > manifestStaleAfter {
		logger.Warn("{hls/adapter - maintain} manifest not refreshed for %v, reloading", stale)
		a.engine.LoadSource(a.source)
		a.engine.StartLoad(ct)
		a.lastManifest = now
		adapter.RecordRecovery(adapter.KindHLS, "manifest_reload")
	}
}
