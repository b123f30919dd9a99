package mpegts

import (
	"errors"
	"time"

	"streamguard/work/adapter"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/parser"
	"streamguard/work/timers"
	"streamguard/work/utils"
	"streamguard/work/watchdog"
)

const (
	stallInterval       = time.Second
	frozenWindow        = 1500 * time.Millisecond
	maintenanceInterval = 20 * time.Minute

	minBufferAhead   = 5.0
	softNudges       = 2
	reloadRewind     = 1.0
	nudgeSeconds     = 0.1
	maxDroppedPct    = 5.0
	minFramesChecked = 100
	dropChecks       = 3
	maxBufferedSpan  = 90.0
)

var (
	ErrNoScheduler = errors.New("mpegts adapter requires a scheduler")
	ErrDestroyed   = errors.New("mpegts adapter destroyed")
)

// Adapter drives one Engine instance against the shared element.
type Adapter struct {
	opts     adapter.Options
	factory  EngineFactory
	engine   Engine
	cfg      Config
	profile  Profile
	reg      *timers.Registry
	useProxy bool

	el       media.Element
	wd       *watchdog.Watchdog
	unlisten []func()

	stalls     int
	dropStreak int
	lastFrames media.FrameStats

	faulted   bool
	destroyed bool
}

// NewFactory returns an adapter.Factory building MPEG-TS adapters on
// engines from ef.
func NewFactory(ef EngineFactory) adapter.Factory {
	return func(opts adapter.Options) (adapter.Handle, error) {
		return New(opts, ef)
	}
}

// New creates an adapter. An HTTPS page loading an HTTP stream always goes
// through the proxy.
func New(opts adapter.Options, ef EngineFactory) (*Adapter, error) {
	if opts.Scheduler == nil {
		return nil, ErrNoScheduler
	}
	if opts.URL == "" {
		return nil, errors.New("mpegts adapter: empty stream url")
	}

	a := &Adapter{
		opts:     opts,
		factory:  ef,
		reg:      timers.NewRegistry(opts.Scheduler, "mpegts adapter"),
		useProxy: opts.UseProxy,
	}
	if opts.MixedContent() && opts.ProxyEndpoint != "" {
		logger.Info("{mpegts/adapter - New} mixed content detected, forcing proxy for %s", utils.ObfuscateURL(opts.URL))
		a.useProxy = true
	}

	a.profile = ProfileForTier(opts.Tier, opts.Network)
	a.createEngine()

	logger.Debug("{mpegts/adapter - New} created adapter with %s profile, proxy=%t", a.profile.Name, a.useProxy)
	return a, nil
}

func (a *Adapter) createEngine() {
	a.cfg = ConfigFor(a.opts.SourceURL(a.useProxy), a.profile)
	a.engine = a.factory(a.cfg)
	a.engine.SetListener(Listener{
		MediaInfo: a.onMediaInfo,
		Error:     a.onError,
	})
}

// Kind reports adapter.KindMPEGTS.
func (a *Adapter) Kind() adapter.Kind { return adapter.KindMPEGTS }

// ProxyEngaged reports whether the stream is fetched through the proxy,
// either after a network error or because the page is served over HTTPS.
func (a *Adapter) ProxyEngaged() bool { return a.useProxy }

// Config is the engine configuration in use.
func (a *Adapter) Config() Config { return a.cfg }

// Profile is the buffering profile in use.
func (a *Adapter) Profile() Profile { return a.profile }

// Preload is a no-op: a transport stream only starts flowing once it has an
// element to feed.
func (a *Adapter) Preload() error {
	if a.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Attach binds el, starts loading and starts the stall and maintenance
// timers.
func (a *Adapter) Attach(el media.Element) error {
	if a.destroyed {
		return ErrDestroyed
	}
	a.el = el
	a.wd = watchdog.New(el, a.reg.Now)
	a.lastFrames = el.FrameStats()

	a.engine.AttachMediaElement(el)
	a.engine.Load()

	a.unlisten = append(a.unlisten,
		el.On(media.EventEnded, a.onEnded),
		el.On(media.EventTimeUpdate, a.wd.MarkProgress),
	)

	a.reg.Every(stallInterval, a.checkStall)
	a.reg.Every(maintenanceInterval, a.maintain)
	return nil
}

// Detach unloads the engine and releases el.
func (a *Adapter) Detach() {
	if a.el == nil {
		return
	}
	for _, fn := range a.unlisten {
		fn()
	}
	a.unlisten = nil

	a.reg.Close()
	a.reg = timers.NewRegistry(a.opts.Scheduler, "mpegts adapter")

	a.engine.Unload()
	a.engine.DetachMediaElement()
	a.el = nil
}

// Destroy releases the engine and every timer. Safe to call twice.
func (a *Adapter) Destroy() {
	if a.destroyed {
		return
	}
	a.Detach()
	a.destroyed = true
	a.reg.Close()
	a.engine.Destroy()
	logger.Debug("{mpegts/adapter - Destroy} adapter destroyed")
}

// Levels is always empty: a transport stream carries one rendition.
func (a *Adapter) Levels() []parser.QualityLevel { return nil }

// CurrentLevel is always -1: a transport stream has a single rendition.
func (a *Adapter) CurrentLevel() int { return -1 }

// SetLevel recreates the engine with the profile of tier, keeping the
// playhead and the play state.
func (a *Adapter) SetLevel(tier string) {
	if a.destroyed {
		return
	}
	profile := ProfileForTier(tier, a.opts.Network)
	if profile.Name == a.profile.Name {
		return
	}
	a.profile = profile

	el := a.el
	var position float64
	wasPlaying := false
	if el != nil {
		position = el.CurrentTime()
		wasPlaying = !el.Paused()
		a.engine.Unload()
		a.engine.DetachMediaElement()
	}
	a.engine.Destroy()
	a.createEngine()

	logger.Info("{mpegts/adapter - SetLevel} switched to %s profile", profile.Name)
	if el == nil {
		return
	}

	a.engine.AttachMediaElement(el)
	a.engine.Load()
	el.SetCurrentTime(position)
	a.wd.Reset()
	if wasPlaying {
		if err := el.Play(); err != nil {
			logger.Debug("{mpegts/adapter - SetLevel} resume after profile switch failed: %v", err)
		}
	}
}

func (a *Adapter) onMediaInfo(info MediaInfo) {
	if a.destroyed {
		return
	}
	logger.Debug("{mpegts/adapter - onMediaInfo} media info: video=%t audio=%t %dx%d", info.HasVideo, info.HasAudio, info.Width, info.Height)
	a.opts.Hooks.Ready()
	a.opts.Hooks.Fragment()
}

// onError reports every engine error to the controller. A network error
// before the proxy is engaged asks for it.
func (a *Adapter) onError(data ErrorData) {
	if a.destroyed || a.faulted {
		return
	}

	f := &adapter.Fault{
		Adapter: adapter.KindMPEGTS,
		Detail:  data.Detail,
		Status:  data.Status,
	}
	switch data.Type {
	case NetworkError:
		f.Kind = adapter.FaultNetwork
		f.WantProxy = !a.useProxy && a.opts.ProxyEndpoint != ""
		f.Message = adapter.NetworkMessage(data.Status, a.useProxy)
	case MediaError:
		f.Kind = adapter.FaultMedia
	default:
		f.Kind = adapter.FaultOther
	}

	adapter.LogFault(f, a.opts.URL, true)
	a.faulted = true
	a.opts.Hooks.Fault(f)
}

// onEnded treats the end of a live transport stream as a recoverable fault.
func (a *Adapter) onEnded() {
	if a.destroyed || a.faulted {
		return
	}
	a.faulted = true
	f := &adapter.Fault{Adapter: adapter.KindMPEGTS, Kind: adapter.FaultEnded, Detail: media.EventEnded}
	adapter.LogFault(f, a.opts.URL, false)
	a.opts.Hooks.Fault(f)
}

// checkStall runs the one-second stall ladder and the frozen-playhead
// check.
func (a *Adapter) checkStall() {
	el := a.el
	if el == nil || el.Paused() {
		return
	}
	s := a.wd.Sample()

	if s.BufferAhead < minBufferAhead {
		a.stalls++
		if a.stalls > softNudges {
			logger.Warn("{mpegts/adapter - checkStall} buffer at %.1fs after %d nudges, reloading", s.BufferAhead, softNudges)
			a.reload(s.Position-reloadRewind, "stall_reload")
			a.stalls = 0
			return
		}
		a.nudge()
	} else {
		a.stalls = 0
	}

	if a.wd.Frozen(s, frozenWindow) {
		if err := el.Play(); err != nil {
			logger.Warn("{mpegts/adapter - checkStall} playhead frozen and play rejected: %v", err)
			a.reload(s.Position, "frozen_reload")
			return
		}
		a.wd.MarkProgress()
		adapter.RecordRecovery(adapter.KindMPEGTS, "frozen_play")
	}
}

func (a *Adapter) nudge() {
	if a.el.Paused() {
		if err := a.el.Play(); err != nil {
			logger.Debug("{mpegts/adapter - nudge} play failed: %v", err)
		}
	} else {
		a.el.SetCurrentTime(a.el.CurrentTime() + nudgeSeconds)
	}
	adapter.RecordRecovery(adapter.KindMPEGTS, "nudge")
}

// reload unloads and reloads the engine, seeking to position afterwards.
func (a *Adapter) reload(position float64, action string) {
	if position < 0 {
		position = 0
	}
	a.engine.Unload()
	a.engine.Load()
	a.el.SetCurrentTime(position)
	a.wd.Reset()
	adapter.RecordRecovery(adapter.KindMPEGTS, action)
}

// maintain bounds memory and decode health over long sessions.
func (a *Adapter) maintain() {
	el := a.el
	if el == nil {
		return
	}

	frames := el.FrameStats()
	delta := frames.Since(a.lastFrames)
	a.lastFrames = frames

	if delta.Total > minFramesChecked && delta.DroppedPct() > maxDroppedPct {
		a.dropStreak++
		logger.Warn("{mpegts/adapter - maintain} dropped frames at %.1f%% (%d/%d checks)", delta.DroppedPct(), a.dropStreak, dropChecks)
	} else {
		a.dropStreak = 0
	}

	if a.dropStreak >= dropChecks {
		a.dropStreak = 0
		a.reload(el.CurrentTime(), "maintenance_soft_reload")
		return
	}

	if span := el.Buffered().Span(); span > maxBufferedSpan {
		logger.Warn("{mpegts/adapter - maintain} buffered span %.0fs, reloading", span)
		a.reload(el.CurrentTime(), "maintenance_trim")
	}
}
