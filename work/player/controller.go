// Package player implements the playback controller: the state machine that
// picks an adapter for a stream, owns the shared media element and the retry
// counters, and decides between retry and fatal stop.
//
// A Controller is not safe for concurrent use. Every method, and every
// adapter callback, runs on the scheduler loop passed in Options.
package player

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"streamguard/work/adapter"
	"streamguard/work/detect"
	"streamguard/work/eventloop"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/metrics"
	"streamguard/work/parser"
	"streamguard/work/retry"
	"streamguard/work/timers"
	"streamguard/work/utils"
)

// MaxRetries is the number of consecutive fatal faults that stop playback.
const MaxRetries = 5

const (
	healthInterval = time.Second
	swapTimeout    = 6 * time.Second
)

// User-facing messages.
const (
	MessageRetryExhausted = "Unable to play this stream. Please try again."
	MessageConfig         = "Stream playback is not configured: the proxy endpoint is missing."
)

var sessionRetry = retry.Policy{
	MaxAttempts: MaxRetries,
	BaseDelay:   time.Second,
	Factor:      2,
	MaxDelay:    10 * time.Second,
}

var (
	ErrProxyNotConfigured = errors.New("stream proxy endpoint is not configured")
	ErrNoStream           = errors.New("no stream loaded")
	ErrDestroyed          = errors.New("player destroyed")
)

// Options wire a controller to its collaborators.
type Options struct {
	Scheduler  eventloop.Scheduler
	Element    media.Element
	HLSFactory adapter.Factory
	TSFactory  adapter.Factory

	ProxyEndpoint string
	PageSecure    bool
	Network       media.NetworkHint
	Autoplay      bool

	// State receives every observable change. A fresh one is created when
	// nil.
	State *State
}

// session is one adapter instance and the timers scoped to it.
type session struct {
	id      int
	url     string
	format  detect.Format
	handle  adapter.Handle
	reg     *timers.Registry
	health  timers.ID
	started bool // first media data arrived
}

// Controller is the playback state machine.
type Controller struct {
	opts  Options
	el    media.Element
	state *State

	status  Status
	url     string
	tier    string
	current *session
	pending *session
	nextID  int

	// Written only by the controller; adapters reach them through hooks.
	retryCount     int
	fragmentErrors int
	proxyEngaged   bool

	unlisten  []func()
	destroyed bool
}

// New creates an idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("player requires a scheduler")
	}
	if opts.Element == nil {
		return nil, errors.New("player requires a media element")
	}
	if opts.HLSFactory == nil || opts.TSFactory == nil {
		return nil, errors.New("player requires both adapter factories")
	}
	if opts.State == nil {
		opts.State = NewState()
	}

	c := &Controller{
		opts:   opts,
		el:     opts.Element,
		state:  opts.State,
		status: Idle,
		tier:   parser.TierAuto,
	}

	c.unlisten = []func(){
		c.el.On(media.EventPlay, func() { c.state.update(func(s *Snapshot) { s.IsPlaying = true }) }),
		c.el.On(media.EventPlaying, func() { c.state.update(func(s *Snapshot) { s.IsPlaying = true }) }),
		c.el.On(media.EventPause, func() { c.state.update(func(s *Snapshot) { s.IsPlaying = false }) }),
	}
	return c, nil
}

// State returns the observable state store.
func (c *Controller) State() *State { return c.state }

// Status is the current state machine position.
func (c *Controller) Status() Status { return c.status }

// RetryCount is the number of fatal faults since the last success.
func (c *Controller) RetryCount() int { return c.retryCount }

// FragmentErrors is the fragment error count of the current session.
func (c *Controller) FragmentErrors() int { return c.fragmentErrors }

// ProxyEngaged reports whether playback goes through the fetch proxy.
func (c *Controller) ProxyEngaged() bool {
	if c.proxyEngaged {
		return true
	}
	return c.current != nil && c.current.handle != nil && c.current.handle.ProxyEngaged()
}

// Initialize starts playing url from scratch. Any previous session is torn
// down first and the retry budget is reset.
//
// Parameters:
//   - url: the stream, HLS or MPEG-TS
//
// Returns:
//   - error: ErrDestroyed, ErrNoStream when url is empty, or
//     ErrProxyNotConfigured for a stream that needs the proxy
func (c *Controller) Initialize(url string) error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.opts.ProxyEndpoint == "" {
		c.url = url
		c.toFatal(MessageConfig, false)
		logger.Error("{player/controller - Initialize} %v", ErrProxyNotConfigured)
		return ErrProxyNotConfigured
	}
	if url == "" {
		return ErrNoStream
	}

	c.url = url
	c.retryCount = 0
	c.proxyEngaged = false
	c.state.update(func(s *Snapshot) {
		s.URL = url
		s.AvailableQualities = nil
		s.CurrentLevel = -1
		s.MutedByBrowser = false
	})

	logger.Info("{player/controller - Initialize} loading %s", utils.ObfuscateURL(url))
	c.start()
	return nil
}

// RetryNow restarts the current stream with a fresh retry budget.
func (c *Controller) RetryNow() error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.opts.ProxyEndpoint == "" {
		return ErrProxyNotConfigured
	}
	if c.url == "" {
		return ErrNoStream
	}
	logger.Info("{player/controller - RetryNow} manual retry of %s", utils.ObfuscateURL(c.url))
	c.retryCount = 0
	c.start()
	return nil
}

// SwapStream changes the stream. A same-format change while playing loads
// the new stream next to the old one and switches over on its first media
// data, or after swapTimeout. Anything else is a fresh Initialize.
//
// Parameters:
//   - url: the stream to switch to
//
// Returns:
//   - error: ErrDestroyed, or whatever Initialize returns
func (c *Controller) SwapStream(url string) error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.opts.ProxyEndpoint == "" || url == "" || c.current == nil || c.status != Playing ||
		detect.Detect(url) != c.current.format {
		return c.Initialize(url)
	}

	c.discardPending()
	c.url = url
	c.retryCount = 0
	c.setStatus(Swapping)
	c.state.update(func(s *Snapshot) { s.URL = url })

	p, err := c.newSession(url)
	if err != nil {
		return c.Initialize(url)
	}
	c.pending = p

	if err := p.handle.Preload(); err != nil {
		logger.Warn("{player/controller - SwapStream} preload failed, reinitializing: %v", err)
		c.discardPending()
		return c.Initialize(url)
	}
	p.reg.After(swapTimeout, func() {
		logger.Debug("{player/controller - SwapStream} no media data within %v, switching anyway", swapTimeout)
		c.promote(p)
	})

	logger.Info("{player/controller - SwapStream} preloading %s", utils.ObfuscateURL(url))
	return nil
}

// Play resumes playback.
func (c *Controller) Play() error {
	if c.current == nil {
		return ErrNoStream
	}
	return c.el.Play()
}

// Pause pauses playback.
func (c *Controller) Pause() {
	c.el.Pause()
}

// SetQuality selects a tier: auto, low, medium or high.
func (c *Controller) SetQuality(tier string) {
	switch tier {
	case parser.TierAuto, parser.TierLow, parser.TierMedium, parser.TierHigh:
	default:
		logger.Warn("{player/controller - SetQuality} unknown quality tier %q", tier)
		return
	}
	c.tier = tier
	if c.current == nil || c.current.handle == nil {
		return
	}
	c.current.handle.SetLevel(tier)
	level := c.current.handle.CurrentLevel()
	c.state.update(func(s *Snapshot) { s.CurrentLevel = level })
}

// Destroy tears down playback and detaches from the element.
func (c *Controller) Destroy() {
	if c.destroyed {
		return
	}
	c.cleanup()
	for _, fn := range c.unlisten {
		fn()
	}
	c.unlisten = nil
	c.destroyed = true
	c.setStatus(Idle)
}

// start tears down whatever runs and brings up a new session for c.url.
// Teardown finishes before the new adapter touches the element.
func (c *Controller) start() {
	c.cleanup()
	c.fragmentErrors = 0
	c.setStatus(Initializing)
	c.state.update(func(s *Snapshot) {
		s.IsLoading = true
		s.ErrorMessage = ""
		s.CanRetry = false
		s.RetryAttempt = c.retryCount
	})

	s, err := c.newSession(c.url)
	c.current = s
	if err != nil {
		c.onFault(s, &adapter.Fault{Adapter: adapter.KindFor(s.format), Kind: adapter.FaultOther, Detail: err.Error()})
		return
	}
	c.attach(s)
}

// newSession creates the adapter for url. On error the session comes back
// without a handle.
func (c *Controller) newSession(url string) (*session, error) {
	c.nextID++
	format := detect.Detect(url)
	s := &session{
		id:     c.nextID,
		url:    url,
		format: format,
		reg:    timers.NewRegistry(c.opts.Scheduler, fmt.Sprintf("session %d", c.nextID)),
	}

	factory := c.opts.TSFactory
	if format == detect.HLS {
		factory = c.opts.HLSFactory
	}

	h, err := factory(adapter.Options{
		URL:           url,
		ProxyEndpoint: c.opts.ProxyEndpoint,
		UseProxy:      c.proxyEngaged,
		PageSecure:    c.opts.PageSecure,
		Tier:          c.tier,
		Network:       c.opts.Network,
		Scheduler:     c.opts.Scheduler,
		Hooks:         c.hooksFor(s),
	})
	if err != nil {
		logger.Error("{player/controller - newSession} failed to create %s adapter: %v", format, err)
		return s, err
	}
	s.handle = h

	c.state.update(func(snap *Snapshot) { snap.Format = format.String() })
	logger.Debug("{player/controller - newSession} session %d uses %s adapter", s.id, format)
	return s, nil
}

func (c *Controller) attach(s *session) {
	if err := s.handle.Attach(c.el); err != nil {
		c.onFault(s, &adapter.Fault{Adapter: s.handle.Kind(), Kind: adapter.FaultOther, Detail: err.Error()})
		return
	}
	s.health = s.reg.Every(healthInterval, func() { c.sampleHealth(s) })
	c.state.update(func(snap *Snapshot) { snap.ProxyEngaged = c.ProxyEngaged() })
}

// hooksFor binds adapter callbacks to s. Callbacks from a session that is
// neither current nor pending are dropped.
func (c *Controller) hooksFor(s *session) adapter.Hooks {
	return adapter.Hooks{
		OnReady: func() {
			if c.current == s {
				c.onReady(s)
			}
		},
		OnFragment: func() {
			switch s {
			case c.current:
				c.onFragment(s)
			case c.pending:
				c.promote(s)
			}
		},
		OnFault: func(f *adapter.Fault) {
			switch s {
			case c.current:
				c.onFault(s, f)
			case c.pending:
				logger.Warn("{player/controller - hooksFor} swap target failed (%v), reinitializing", f)
				c.discardPending()
				if err := c.Initialize(s.url); err != nil {
					logger.Error("{player/controller - hooksFor} reinitialize failed: %v", err)
				}
			}
		},
		OnLevels: func(levels []parser.QualityLevel) {
			if c.current == s || c.pending == s {
				levels = slices.Clone(levels)
				c.state.update(func(snap *Snapshot) { snap.AvailableQualities = levels })
			}
		},
		FragmentError: func() int {
			c.fragmentErrors++
			return c.fragmentErrors
		},
	}
}

func (c *Controller) onReady(s *session) {
	if c.opts.Autoplay {
		c.autoplay()
	}
	level := s.handle.CurrentLevel()
	c.state.update(func(snap *Snapshot) { snap.CurrentLevel = level })
}

// autoplay starts playback, falling back to muted playback when the
// browser rejects audible autoplay.
func (c *Controller) autoplay() {
	if !c.el.Paused() {
		return
	}
	err := c.el.Play()
	if err == nil {
		return
	}
	logger.Debug("{player/controller - autoplay} play rejected (%v), retrying muted", err)

	c.el.SetMuted(true)
	if err := c.el.Play(); err != nil {
		logger.Warn("{player/controller - autoplay} muted autoplay rejected: %v", err)
		return
	}
	c.state.update(func(snap *Snapshot) { snap.MutedByBrowser = true })
}

// onFragment marks the session healthy: the first media data ends a retry
// streak.
func (c *Controller) onFragment(s *session) {
	c.fragmentErrors = 0
	if s.started {
		return
	}
	s.started = true

	if c.retryCount > 0 {
		logger.Info("{player/controller - onFragment} recovered after %d retries", c.retryCount)
	}
	c.retryCount = 0
	c.setStatus(Playing)
	c.state.update(func(snap *Snapshot) {
		snap.IsLoading = false
		snap.ErrorMessage = ""
		snap.RetryAttempt = 0
		snap.ProxyEngaged = c.ProxyEngaged()
	})
}

// onFault is the single place retry-vs-fatal is decided.
func (c *Controller) onFault(s *session, f *adapter.Fault) {
	if f.WantProxy && !c.proxyEngaged {
		logger.Info("{player/controller - onFault} engaging stream proxy after %v", f)
		c.proxyEngaged = true
	}

	if s.handle != nil {
		s.handle.Destroy()
		s.handle = nil
	}
	s.reg.Cancel(s.health)

	c.retryCount++
	metrics.PlayerRetries.WithLabelValues(s.format.String()).Inc()

	if !sessionRetry.Allows(c.retryCount) {
		logger.Error("{player/controller - onFault} giving up on %s after %d faults, last: %v", utils.ObfuscateURL(s.url), c.retryCount, f)
		msg := f.Message
		if msg == "" {
			msg = MessageRetryExhausted
		}
		c.toFatal(msg, true)
		return
	}

	delay := sessionRetry.Delay(c.retryCount - 1)
	logger.Warn("{player/controller - onFault} %v, retry %d/%d in %v", f, c.retryCount, MaxRetries, delay)

	c.setStatus(Retrying)
	c.state.update(func(snap *Snapshot) {
		snap.IsLoading = true
		snap.ErrorMessage = f.Message
		snap.RetryAttempt = c.retryCount
		snap.ProxyEngaged = c.proxyEngaged
	})

	// scheduled on the failed session so any teardown cancels it
	s.reg.After(delay, func() {
		if c.current == s {
			c.start()
		}
	})
}

func (c *Controller) toFatal(msg string, canRetry bool) {
	c.cleanup()
	c.setStatus(Fatal)
	c.state.update(func(snap *Snapshot) {
		snap.IsLoading = false
		snap.IsPlaying = false
		snap.ErrorMessage = msg
		snap.CanRetry = canRetry
		snap.RetryAttempt = c.retryCount
	})
}

// promote makes the pending swap session current.
func (c *Controller) promote(p *session) {
	if c.pending != p {
		return
	}
	c.pending = nil

	old := c.current
	if old != nil {
		old.reg.Close()
		if old.handle != nil {
			old.handle.Destroy()
		}
	}
	// the old stream's position and buffer must not leak into the new one
	resume := c.opts.Autoplay || !c.el.Paused()
	c.el.ClearSource()
	c.current = p
	c.fragmentErrors = 0

	c.attach(p)
	if p.handle == nil {
		return
	}
	if resume {
		c.autoplay()
	}

	p.started = true
	c.setStatus(Playing)
	c.state.update(func(snap *Snapshot) {
		snap.IsLoading = false
		snap.ErrorMessage = ""
		snap.CurrentLevel = p.handle.CurrentLevel()
	})
	logger.Info("{player/controller - promote} switched to %s", utils.ObfuscateURL(p.url))
}

func (c *Controller) discardPending() {
	if c.pending == nil {
		return
	}
	c.pending.reg.Close()
	if c.pending.handle != nil {
		c.pending.handle.Destroy()
	}
	c.pending = nil
}

// cleanup stops every timer, destroys every adapter and empties the
// element.
func (c *Controller) cleanup() {
	c.discardPending()
	if s := c.current; s != nil {
		s.reg.Close()
		if s.handle != nil {
			s.handle.Destroy()
			s.handle = nil
		}
		c.current = nil
	}
	c.el.ClearSource()
}

func (c *Controller) sampleHealth(s *session) {
	health := media.EstimateLiveLatency(c.el)
	metrics.BufferAhead.WithLabelValues(s.format.String()).Set(health.Seconds)

	level := -1
	if s.handle != nil {
		level = s.handle.CurrentLevel()
	}
	c.state.update(func(snap *Snapshot) {
		snap.BufferHealth = health
		snap.CurrentLevel = level
	})
}

func (c *Controller) setStatus(next Status) {
	if c.status == next {
		return
	}
	prev := c.status
	c.status = next
	metrics.PlayerStateTransitions.WithLabelValues(string(prev), string(next)).Inc()
	logger.Debug("{player/controller - setStatus} %s -> %s", prev, next)
	c.state.update(func(snap *Snapshot) { snap.State = next })
}
