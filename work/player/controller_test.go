package player

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/work/eventloop"
	"streamguard/work/hls"
	"streamguard/work/media"
	"streamguard/work/media/mediatest"
	"streamguard/work/mpegts"
	"streamguard/work/parser"
)

const (
	endpoint  = "https://edge.example.com/stream-proxy"
	hlsStream = "https://x/live.m3u8"
	tsStream  = "http://origin.example.com/live/user/pass/7.ts"
)

// journal records engine lifecycle calls across every engine of a test in
// order.
type journal struct{ entries []string }

func (j *journal) add(format string, args ...any) {
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) index(entry string) int {
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

type hlsEngine struct {
	id        int
	j         *journal
	listener  hls.Listener
	sources   []string
	attached  bool
	destroyed bool
	pinned    []int
	current   int
	levels    []hls.Level
	// calls made after Destroy
	late int
}

func (e *hlsEngine) touch() {
	if e.destroyed {
		e.late++
	}
}

func (e *hlsEngine) SetListener(l hls.Listener) { e.listener = l }
func (e *hlsEngine) LoadSource(url string)      { e.touch(); e.sources = append(e.sources, url) }
func (e *hlsEngine) AttachMedia(media.Element) {
	e.touch()
	e.attached = true
	e.j.add("hls%d attach", e.id)
}
func (e *hlsEngine) DetachMedia()        { e.touch(); e.attached = false }
func (e *hlsEngine) StartLoad(float64)   { e.touch() }
func (e *hlsEngine) StopLoad()           { e.touch() }
func (e *hlsEngine) RecoverMediaError()  { e.touch() }
func (e *hlsEngine) SwapAudioCodec()     { e.touch() }
func (e *hlsEngine) Levels() []hls.Level { return e.levels }
func (e *hlsEngine) CurrentLevel() int   { return e.current }
func (e *hlsEngine) SetCurrentLevel(idx int) {
	e.touch()
	e.current = idx
	e.pinned = append(e.pinned, idx)
}
func (e *hlsEngine) LiveSyncPosition() (float64, bool) {
	e.touch()
	return 0, false
}
func (e *hlsEngine) Destroy() {
	e.destroyed = true
	e.j.add("hls%d destroy", e.id)
}

type tsEngine struct {
	id        int
	j         *journal
	cfg       mpegts.Config
	listener  mpegts.Listener
	destroyed bool
	loads     int
	late      int
}

func (e *tsEngine) touch() {
	if e.destroyed {
		e.late++
	}
}

func (e *tsEngine) SetListener(l mpegts.Listener) { e.listener = l }
func (e *tsEngine) AttachMediaElement(media.Element) {
	e.touch()
	e.j.add("ts%d attach", e.id)
}
func (e *tsEngine) DetachMediaElement() { e.touch() }
func (e *tsEngine) Load()               { e.touch(); e.loads++ }
func (e *tsEngine) Unload()             { e.touch() }
func (e *tsEngine) Destroy() {
	e.destroyed = true
	e.j.add("ts%d destroy", e.id)
}

type harness struct {
	loop *eventloop.Virtual
	el   *mediatest.Element
	j    *journal
	hls  []*hlsEngine
	ts   []*tsEngine
	c    *Controller
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		loop: eventloop.NewVirtual(time.Unix(10_000, 0)),
		el:   mediatest.New(),
		j:    &journal{},
	}

	opts := Options{
		Scheduler: h.loop,
		Element:   h.el,
		HLSFactory: hls.NewFactory(func(hls.Config) hls.Engine {
			e := &hlsEngine{id: len(h.hls) + 1, j: h.j, current: -1}
			h.hls = append(h.hls, e)
			return e
		}),
		TSFactory: mpegts.NewFactory(func(cfg mpegts.Config) mpegts.Engine {
			e := &tsEngine{id: len(h.ts) + 1, j: h.j, cfg: cfg}
			h.ts = append(h.ts, e)
			return e
		}),
		ProxyEndpoint: endpoint,
		Autoplay:      true,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) lastHLS() *hlsEngine { return h.hls[len(h.hls)-1] }
func (h *harness) lastTS() *tsEngine   { return h.ts[len(h.ts)-1] }

func (h *harness) snap() Snapshot { return h.c.State().Snapshot() }

// playHLS brings up an HLS session and delivers its first fragment.
func (h *harness) playHLS(t *testing.T, url string) *hlsEngine {
	t.Helper()
	require.NoError(t, h.c.Initialize(url))
	e := h.lastHLS()
	e.listener.ManifestParsed([]hls.Level{{Bitrate: 3_000_000, Width: 1280, Height: 720}, {Bitrate: 900_000, Width: 640, Height: 360}})
	e.listener.FragLoaded()
	require.Equal(t, Playing, h.c.Status())
	return e
}

func networkFailure(status int) mpegts.ErrorData {
	return mpegts.ErrorData{Type: mpegts.NetworkError, Detail: mpegts.NetworkStatusCodeInvalid, Status: status}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Scheduler: eventloop.NewVirtual(time.Unix(0, 0)), Element: mediatest.New()})
	assert.Error(t, err)
}

func TestColdStartSuccess(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.Initialize(hlsStream))
	assert.Equal(t, Initializing, h.c.Status())
	assert.True(t, h.snap().IsLoading)
	assert.Equal(t, "hls", h.snap().Format)

	require.Len(t, h.hls, 1)
	e := h.hls[0]
	assert.True(t, e.attached)
	assert.Equal(t, []string{parser.ProxyURL(endpoint, hlsStream)}, e.sources)

	e.listener.ManifestParsed([]hls.Level{{Bitrate: 3_000_000, Width: 1280, Height: 720}})
	assert.Equal(t, 1, h.el.PlayCalls, "autoplay on ready")
	assert.True(t, h.snap().IsPlaying)
	assert.Len(t, h.snap().AvailableQualities, 1)
	assert.Equal(t, Initializing, h.c.Status())

	e.listener.FragLoaded()
	snap := h.snap()
	assert.Equal(t, Playing, snap.State)
	assert.False(t, snap.IsLoading)
	assert.Empty(t, snap.ErrorMessage)
	assert.True(t, snap.ProxyEngaged)
	assert.Zero(t, h.c.RetryCount())
}

func TestProxyRescue(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.Initialize(tsStream))
	require.Len(t, h.ts, 1)
	assert.Equal(t, tsStream, h.ts[0].cfg.URL, "first attempt goes direct")
	assert.False(t, h.c.ProxyEngaged())

	h.ts[0].listener.Error(networkFailure(403))
	assert.Equal(t, Retrying, h.c.Status())
	assert.Equal(t, 1, h.c.RetryCount())
	assert.True(t, h.c.ProxyEngaged())
	assert.True(t, h.ts[0].destroyed)

	h.loop.Advance(time.Second)
	require.Len(t, h.ts, 2)
	assert.Equal(t, parser.ProxyURL(endpoint, tsStream), h.ts[1].cfg.URL)

	h.ts[1].listener.MediaInfo(mpegts.MediaInfo{HasVideo: true})
	assert.Equal(t, Playing, h.c.Status())
	assert.Zero(t, h.c.RetryCount())
	assert.True(t, h.snap().ProxyEngaged)
}

func TestRetryBudgetExhausts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Initialize(tsStream))

	for i := 0; i < MaxRetries; i++ {
		require.Len(t, h.ts, i+1)
		h.lastTS().listener.Error(networkFailure(502))
		if i == MaxRetries-1 {
			break
		}

		assert.Equal(t, Retrying, h.c.Status())
		assert.Equal(t, i+1, h.snap().RetryAttempt)

		delay := sessionRetry.Delay(i)
		h.loop.Advance(delay - time.Millisecond)
		assert.Len(t, h.ts, i+1, "retry %d waits its full backoff", i+1)
		h.loop.Advance(time.Millisecond)
	}

	snap := h.snap()
	assert.Equal(t, Fatal, snap.State)
	assert.True(t, snap.CanRetry)
	assert.NotEmpty(t, snap.ErrorMessage)
	assert.False(t, snap.IsLoading)

	h.loop.Advance(time.Hour)
	assert.Len(t, h.ts, MaxRetries, "no automatic retry after fatal")
	assert.Zero(t, h.loop.Pending())

	require.NoError(t, h.c.RetryNow())
	assert.Zero(t, h.c.RetryCount())
	assert.Equal(t, Initializing, h.c.Status())
	assert.Len(t, h.ts, MaxRetries+1)
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, time.Second, sessionRetry.Delay(0))
	assert.Equal(t, 8*time.Second, sessionRetry.Delay(3))
	assert.Equal(t, 10*time.Second, sessionRetry.Delay(4))
}

func TestProxyMissingIs404Message(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Initialize(tsStream))

	h.lastTS().listener.Error(networkFailure(502))
	h.loop.Advance(time.Second)
	h.lastTS().listener.Error(networkFailure(404))

	assert.Equal(t, Retrying, h.c.Status())
	assert.Contains(t, h.snap().ErrorMessage, "404")
}

func TestNewSourceTearsDownPreviousFirst(t *testing.T) {
	h := newHarness(t)
	a := h.playHLS(t, hlsStream)
	h.el.PausedState = false
	clears := h.el.SourceClears

	require.NoError(t, h.c.Initialize(tsStream))

	destroyed := h.j.index("hls1 destroy")
	attached := h.j.index("ts1 attach")
	require.NotEqual(t, -1, destroyed)
	require.NotEqual(t, -1, attached)
	assert.Less(t, destroyed, attached, "old adapter is gone before the new one attaches")
	assert.Greater(t, h.el.SourceClears, clears)

	h.loop.Advance(time.Hour)
	assert.Zero(t, a.late, "no timer of the first session fires after the second starts")
}

func TestNewSourceCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Initialize(hlsStream))
	h.lastHLS().listener.Error(hls.ErrorData{Type: hls.NetworkError, Details: hls.ManifestLoadError, Fatal: true, Status: 502})
	require.Equal(t, Retrying, h.c.Status())

	require.NoError(t, h.c.Initialize(tsStream))
	h.loop.Advance(time.Minute)

	assert.Len(t, h.hls, 1, "the superseded retry never fires")
	assert.Len(t, h.ts, 1)
	assert.Zero(t, h.c.RetryCount())
}

func TestFragmentErrorCounterIsControllerOwned(t *testing.T) {
	h := newHarness(t)
	e := h.playHLS(t, hlsStream)

	for i := 0; i < 3; i++ {
		e.listener.Error(hls.ErrorData{Type: hls.NetworkError, Details: hls.FragLoadError, Fatal: true})
	}
	assert.Equal(t, 3, h.c.FragmentErrors())

	e.listener.FragLoaded()
	assert.Zero(t, h.c.FragmentErrors())
}

func TestSwapStreamHandsOverOnFirstFragment(t *testing.T) {
	h := newHarness(t)
	old := h.playHLS(t, hlsStream)

	require.NoError(t, h.c.SwapStream("https://x/other.m3u8"))
	assert.Equal(t, Swapping, h.c.Status())
	require.Len(t, h.hls, 2)

	next := h.hls[1]
	assert.Len(t, next.sources, 1, "new stream preloads")
	assert.False(t, next.attached)
	assert.False(t, old.destroyed, "old stream keeps playing meanwhile")

	clears := h.el.SourceClears
	h.el.OnClear = func() { h.j.add("clear") }
	h.el.Buffer(0, 40)

	next.listener.FragLoaded()
	assert.True(t, old.destroyed)
	assert.True(t, next.attached)
	assert.Equal(t, Playing, h.c.Status())
	assert.Equal(t, clears+1, h.el.SourceClears)
	assert.Empty(t, h.el.Ranges, "old buffer does not carry over")
	assert.Less(t, h.j.index("hls1 destroy"), h.j.index("clear"))
	assert.Less(t, h.j.index("clear"), h.j.index("hls2 attach"))
	assert.Equal(t, "https://x/other.m3u8", h.snap().URL)
}

func TestSnapshotReadsDuringLevelUpdates(t *testing.T) {
	h := newHarness(t)
	e := h.playHLS(t, hlsStream)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, q := range h.c.State().Snapshot().AvailableQualities {
				_ = q.Label
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		e.listener.ManifestParsed([]hls.Level{{Bitrate: 3_000_000 + i, Height: 720}, {Bitrate: 900_000, Height: 360}})
	}
	close(done)
	<-finished

	qualities := h.snap().AvailableQualities
	require.Len(t, qualities, 2)
	assert.Equal(t, 3_000_000+1999, qualities[0].BandwidthBps)
}

func TestSwapStreamTimeout(t *testing.T) {
	h := newHarness(t)
	old := h.playHLS(t, hlsStream)

	require.NoError(t, h.c.SwapStream("https://x/other.m3u8"))
	h.loop.Advance(swapTimeout - time.Millisecond)
	assert.False(t, old.destroyed)

	h.loop.Advance(time.Millisecond)
	assert.True(t, old.destroyed)
	assert.True(t, h.hls[1].attached)
}

func TestSwapAcrossFormatsReinitializes(t *testing.T) {
	h := newHarness(t)
	old := h.playHLS(t, hlsStream)

	require.NoError(t, h.c.SwapStream(tsStream))
	assert.True(t, old.destroyed)
	assert.Equal(t, Initializing, h.c.Status())
	require.Len(t, h.ts, 1)
}

func TestSwapTargetFaultFallsBackToInitialize(t *testing.T) {
	h := newHarness(t)
	old := h.playHLS(t, hlsStream)

	require.NoError(t, h.c.SwapStream("https://x/other.m3u8"))
	h.hls[1].listener.Error(hls.ErrorData{Type: hls.NetworkError, Details: hls.ManifestLoadError, Fatal: true})

	assert.True(t, old.destroyed)
	assert.True(t, h.hls[1].destroyed)
	require.Len(t, h.hls, 3)
	assert.True(t, h.hls[2].attached)
	assert.Equal(t, Initializing, h.c.Status())
}

func TestMissingProxyEndpointFailsFast(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ProxyEndpoint = "" })

	err := h.c.Initialize(hlsStream)
	assert.ErrorIs(t, err, ErrProxyNotConfigured)

	snap := h.snap()
	assert.Equal(t, Fatal, snap.State)
	assert.False(t, snap.CanRetry)
	assert.Equal(t, MessageConfig, snap.ErrorMessage)
	assert.Empty(t, h.hls)
	assert.ErrorIs(t, h.c.RetryNow(), ErrProxyNotConfigured)
}

func TestAutoplayFallsBackToMuted(t *testing.T) {
	h := newHarness(t)
	h.el.PlayErr = errors.New("NotAllowedError")

	require.NoError(t, h.c.Initialize(hlsStream))
	h.lastHLS().listener.ManifestParsed(nil)

	assert.Equal(t, 2, h.el.PlayCalls)
	assert.True(t, h.el.MutedState)
	assert.True(t, h.snap().MutedByBrowser)
	assert.True(t, h.snap().IsPlaying)
}

func TestSetQuality(t *testing.T) {
	h := newHarness(t)
	e := h.playHLS(t, hlsStream)

	h.c.SetQuality(parser.TierLow)
	assert.Equal(t, []int{1}, e.pinned)
	assert.Equal(t, 1, h.snap().CurrentLevel)

	h.c.SetQuality("ultra")
	assert.Len(t, e.pinned, 1)
}

func TestPlayPause(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Autoplay = false })
	assert.ErrorIs(t, h.c.Play(), ErrNoStream)

	h.playHLS(t, hlsStream)
	assert.False(t, h.snap().IsPlaying)

	require.NoError(t, h.c.Play())
	assert.True(t, h.snap().IsPlaying)

	h.c.Pause()
	assert.False(t, h.snap().IsPlaying)
}

func TestHealthSampling(t *testing.T) {
	h := newHarness(t)
	h.playHLS(t, hlsStream)
	h.el.Time = 50
	h.el.Buffer(40, 51.5)

	h.loop.Advance(time.Second)
	health := h.snap().BufferHealth
	assert.InDelta(t, 1.5, health.Seconds, 0.001)
	assert.Equal(t, media.HealthWarning, health.Class)
}

func TestSubscribersSeeTransitions(t *testing.T) {
	h := newHarness(t)
	var seen []Status
	cancel := h.c.State().Subscribe(func(s Snapshot) {
		if len(seen) == 0 || seen[len(seen)-1] != s.State {
			seen = append(seen, s.State)
		}
	})

	h.playHLS(t, hlsStream)
	cancel()
	h.c.Pause()

	assert.Equal(t, []Status{Idle, Initializing, Playing}, seen)
}

func TestDestroy(t *testing.T) {
	h := newHarness(t)
	e := h.playHLS(t, hlsStream)

	h.c.Destroy()
	assert.True(t, e.destroyed)
	assert.Equal(t, Idle, h.c.Status())
	assert.Zero(t, h.el.Listeners())
	assert.Zero(t, h.loop.Pending())
	assert.ErrorIs(t, h.c.Initialize(hlsStream), ErrDestroyed)
}
