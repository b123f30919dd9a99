package hls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/work/adapter"
	"streamguard/work/eventloop"
	"streamguard/work/media"
	"streamguard/work/media/mediatest"
	"streamguard/work/parser"
)

const (
	testEndpoint = "https://edge.example.com/stream-proxy"
	testStream   = "https://origin.example.com/live/master.m3u8"
)

type fakeEngine struct {
	cfg      Config
	listener Listener

	sources    []string
	attached   media.Element
	detaches   int
	startLoads []float64
	stopLoads  int
	recovers   int
	swaps      int
	destroys   int

	levels    []Level
	current   int
	pinned    []int
	sync      float64
	syncKnown bool
}

func (e *fakeEngine) SetListener(l Listener)            { e.listener = l }
func (e *fakeEngine) LoadSource(url string)             { e.sources = append(e.sources, url) }
func (e *fakeEngine) AttachMedia(el media.Element)      { e.attached = el }
func (e *fakeEngine) DetachMedia()                      { e.detaches++; e.attached = nil }
func (e *fakeEngine) StartLoad(position float64)        { e.startLoads = append(e.startLoads, position) }
func (e *fakeEngine) StopLoad()                         { e.stopLoads++ }
func (e *fakeEngine) RecoverMediaError()                { e.recovers++ }
func (e *fakeEngine) SwapAudioCodec()                   { e.swaps++ }
func (e *fakeEngine) Levels() []Level                   { return e.levels }
func (e *fakeEngine) CurrentLevel() int                 { return e.current }
func (e *fakeEngine) LiveSyncPosition() (float64, bool) { return e.sync, e.syncKnown }
func (e *fakeEngine) Destroy()                          { e.destroys++ }

func (e *fakeEngine) SetCurrentLevel(idx int) {
	e.current = idx
	e.pinned = append(e.pinned, idx)
}

type recorder struct {
	ready      int
	fragments  int
	faults     []*adapter.Fault
	levels     []parser.QualityLevel
	fragErrors int
}

func (r *recorder) hooks() adapter.Hooks {
	return adapter.Hooks{
		OnReady:    func() { r.ready++ },
		OnFragment: func() { r.fragments++; r.fragErrors = 0 },
		OnFault:    func(f *adapter.Fault) { r.faults = append(r.faults, f) },
		OnLevels:   func(l []parser.QualityLevel) { r.levels = l },
		FragmentError: func() int {
			r.fragErrors++
			return r.fragErrors
		},
	}
}

type fixture struct {
	loop   *eventloop.Virtual
	engine *fakeEngine
	rec    *recorder
	el     *mediatest.Element
	a      *Adapter
}

func newFixture(t *testing.T, tier string) *fixture {
	t.Helper()

	f := &fixture{
		loop:   eventloop.NewVirtual(time.Unix(1_000, 0)),
		engine: &fakeEngine{current: -1},
		rec:    &recorder{},
		el:     mediatest.New(),
	}

	a, err := New(adapter.Options{
		URL:           testStream,
		ProxyEndpoint: testEndpoint,
		Tier:          tier,
		Scheduler:     f.loop,
		Hooks:         f.rec.hooks(),
	}, func(cfg Config) Engine {
		f.engine.cfg = cfg
		return f.engine
	})
	require.NoError(t, err)
	f.a = a
	return f
}

func fatal(typ ErrorType, details string) ErrorData {
	return ErrorData{Type: typ, Details: details, Fatal: true}
}

func TestNewRequiresSchedulerAndURL(t *testing.T) {
	_, err := New(adapter.Options{URL: testStream}, func(Config) Engine { return &fakeEngine{} })
	assert.ErrorIs(t, err, ErrNoScheduler)

	_, err = New(adapter.Options{Scheduler: eventloop.NewVirtual(time.Unix(0, 0))}, func(Config) Engine { return &fakeEngine{} })
	assert.Error(t, err)
}

func TestConfigAndProxyRewrite(t *testing.T) {
	f := newFixture(t, parser.TierAuto)

	cfg := f.engine.cfg
	assert.Equal(t, 120.0, cfg.MaxBufferLength)
	assert.Equal(t, 5, cfg.LiveSyncDurationCount)
	assert.False(t, cfg.LowLatencyMode)
	require.NotNil(t, cfg.RewriteURL)

	proxied := cfg.RewriteURL("https://origin.example.com/live/seg1.ts")
	assert.Equal(t, parser.ProxyURL(testEndpoint, "https://origin.example.com/live/seg1.ts"), proxied)
	assert.Equal(t, proxied, cfg.RewriteURL(proxied), "already proxied urls are left alone")
	assert.True(t, f.a.ProxyEngaged())
	assert.Equal(t, adapter.KindHLS, f.a.Kind())
}

func TestAttachLoadsOnce(t *testing.T) {
	f := newFixture(t, parser.TierAuto)

	require.NoError(t, f.a.Preload())
	require.NoError(t, f.a.Attach(f.el))

	require.Len(t, f.engine.sources, 1)
	assert.Equal(t, parser.ProxyURL(testEndpoint, testStream), f.engine.sources[0])
	assert.Equal(t, f.el, f.engine.attached)

	f.a.Detach()
	assert.Equal(t, 1, f.engine.detaches)
	assert.Zero(t, f.a.reg.Active())
}

func TestManifestParsedPublishesLevelsAndTier(t *testing.T) {
	f := newFixture(t, parser.TierLow)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.levels = []Level{
		{Bitrate: 2_500_000, Width: 1280, Height: 720},
		{Bitrate: 800_000, Width: 640, Height: 360},
		{Bitrate: 5_000_000, Width: 1920, Height: 1080},
	}
	f.engine.listener.ManifestParsed(f.engine.levels)

	assert.Equal(t, 1, f.rec.ready)
	require.Len(t, f.rec.levels, 3)
	assert.Equal(t, "FHD 1080p", f.rec.levels[0].Label)
	assert.Equal(t, "SD 360p", f.rec.levels[2].Label)
	assert.Equal(t, []int{1}, f.engine.pinned, "low tier pins the lowest engine level")
	assert.Equal(t, 2, f.a.CurrentLevel())

	f.a.SetLevel(parser.TierAuto)
	assert.Equal(t, -1, f.engine.current)
}

func TestManifestReparseLeavesPublishedLevelsIntact(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.listener.ManifestParsed([]Level{{Bitrate: 5_000_000, Width: 1920, Height: 1080}, {Bitrate: 800_000, Width: 640, Height: 360}})
	first := f.rec.levels
	require.Len(t, first, 2)

	f.engine.listener.ManifestParsed([]Level{{Bitrate: 2_500_000, Height: 720}, {Bitrate: 400_000}})

	assert.Equal(t, 5_000_000, first[0].BandwidthBps, "levels handed out earlier are never rewritten")
	assert.Equal(t, "FHD 1080p", first[0].Label)
	assert.Equal(t, 2_500_000, f.rec.levels[0].BandwidthBps)
	assert.Equal(t, f.rec.levels, f.a.Levels())
}

func TestFragmentLadder(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))
	f.engine.levels = []Level{{Bitrate: 5_000_000}, {Bitrate: 2_500_000}, {Bitrate: 800_000}}
	f.engine.current = 0

	for i := 0; i < 8; i++ {
		f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	}
	assert.Empty(t, f.engine.startLoads, "fragment reloads wait for their backoff")

	f.loop.Advance(time.Minute)
	assert.Len(t, f.engine.startLoads, 8)
	assert.Empty(t, f.rec.faults)

	f.engine.listener.Error(fatal(NetworkError, FragLoadTimeOut))
	assert.Equal(t, []int{1}, f.engine.pinned, "ninth error drops one level")
	assert.Len(t, f.engine.startLoads, 9)
	assert.Empty(t, f.rec.faults)

	f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	require.Len(t, f.rec.faults, 1)
	assert.Equal(t, adapter.FaultFragment, f.rec.faults[0].Kind)
	assert.Equal(t, FragLoadError, f.rec.faults[0].Detail)

	f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	assert.Len(t, f.rec.faults, 1, "a faulted adapter stays silent")
}

func TestFragmentBackoffGrows(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	f.loop.Advance(299 * time.Millisecond)
	assert.Empty(t, f.engine.startLoads)
	f.loop.Advance(time.Millisecond)
	assert.Equal(t, []float64{-1}, f.engine.startLoads)

	f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	f.loop.Advance(500 * time.Millisecond)
	assert.Len(t, f.engine.startLoads, 1)
	f.loop.Advance(40 * time.Millisecond)
	assert.Len(t, f.engine.startLoads, 2)
}

func TestFragmentSuccessResetsLadder(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	for i := 0; i < 8; i++ {
		f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	}
	f.engine.listener.FragLoaded()
	assert.Equal(t, 1, f.rec.fragments)

	f.engine.listener.Error(fatal(NetworkError, FragLoadError))
	assert.Empty(t, f.engine.pinned)
	assert.Empty(t, f.rec.faults)
}

func TestManifestErrorFaults(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.listener.Error(ErrorData{Type: NetworkError, Details: ManifestLoadError, Fatal: true, Status: 404})
	require.Len(t, f.rec.faults, 1)
	assert.Equal(t, adapter.FaultManifest, f.rec.faults[0].Kind)
	assert.Equal(t, adapter.MessageProxyMissing, f.rec.faults[0].Message)
}

func TestMediaLadder(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.listener.Error(fatal(MediaError, "bufferAddCodecError"))
	assert.Equal(t, 1, f.engine.recovers)
	assert.Zero(t, f.engine.swaps)

	f.engine.listener.Error(fatal(MediaError, "bufferAddCodecError"))
	assert.Equal(t, 2, f.engine.recovers)
	assert.Equal(t, 1, f.engine.swaps)
	assert.Empty(t, f.rec.faults)

	f.engine.listener.Error(fatal(MediaError, "bufferAddCodecError"))
	require.Len(t, f.rec.faults, 1)
	assert.Equal(t, adapter.FaultMedia, f.rec.faults[0].Kind)
}

func TestNetworkRestarts(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	for i := 0; i < 3; i++ {
		f.engine.listener.Error(ErrorData{Type: NetworkError, Details: LevelLoadError, Fatal: true, Status: 503})
	}
	assert.Equal(t, 3, f.engine.stopLoads)
	assert.Len(t, f.engine.startLoads, 3)

	// fragment data restores the restart budget
	f.engine.listener.FragLoaded()
	f.engine.listener.Error(ErrorData{Type: NetworkError, Details: LevelLoadError, Fatal: true, Status: 503})
	assert.Empty(t, f.rec.faults)

	for i := 0; i < 3; i++ {
		f.engine.listener.Error(ErrorData{Type: NetworkError, Details: KeyLoadError, Fatal: true, Status: 503})
	}
	require.Len(t, f.rec.faults, 1)
	assert.Equal(t, adapter.FaultNetwork, f.rec.faults[0].Kind)
	assert.Equal(t, adapter.MessageOrigin, f.rec.faults[0].Message)
	assert.Equal(t, 503, f.rec.faults[0].Status)
}

func TestOtherErrorFaults(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.engine.listener.Error(fatal(OtherError, InternalException))
	require.Len(t, f.rec.faults, 1)
	assert.Equal(t, adapter.FaultOther, f.rec.faults[0].Kind)
}

func TestNonFatalStallNudges(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))

	f.el.PausedState = false
	f.el.Time = 10
	f.engine.listener.Error(ErrorData{Type: MediaError, Details: BufferStalledError})
	assert.InDelta(t, 10.1, f.el.Time, 0.0001)

	f.el.PausedState = true
	f.engine.listener.Error(ErrorData{Type: MediaError, Details: BufferNudgeOnStall})
	assert.Equal(t, 1, f.el.PlayCalls)

	f.engine.listener.Error(ErrorData{Type: NetworkError, Details: FragLoadError})
	assert.Empty(t, f.rec.faults)
	assert.Zero(t, f.rec.fragErrors, "non-fatal errors never count")
}

func TestLiveEdgeSync(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))
	f.el.PausedState = false
	f.engine.syncKnown = true

	tick := func(sync, position float64) {
		f.engine.sync = sync
		f.el.Time = position
		f.loop.Advance(liveEdgeInterval)
	}

	tick(300, 150)
	assert.Equal(t, []float64{290}, f.el.SeekHistory, "far behind jumps to ten seconds before sync")
	assert.Equal(t, 1.0, f.el.Rate)

	tick(300, 220)
	assert.Equal(t, catchUpRate, f.el.Rate)

	tick(300, 250)
	assert.Equal(t, catchUpRate, f.el.Rate, "keeps catching up between 30 and 60 seconds")

	tick(300, 280)
	assert.Equal(t, 1.0, f.el.Rate)

	tick(300, 295)
	assert.Equal(t, slowDownRate, f.el.Rate)

	tick(300, 288)
	assert.Equal(t, slowDownRate, f.el.Rate)

	tick(300, 280)
	assert.Equal(t, 1.0, f.el.Rate)

	f.el.PausedState = true
	tick(600, 0)
	assert.Len(t, f.el.SeekHistory, 1, "paused playback is not corrected")
}

func TestMaintenanceWaitsForWarmup(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))
	f.el.PausedState = false
	f.el.Time = 500
	f.el.Buffer(300, 700)

	f.loop.Advance(14 * time.Minute)
	assert.Zero(t, f.engine.stopLoads)
	assert.Len(t, f.engine.sources, 1)

	f.el.Frames = media.FrameStats{Dropped: 30, Total: 200}
	f.loop.Advance(time.Minute)

	assert.Equal(t, 1, f.engine.recovers, "dropped frames above 8% trigger media recovery")
	assert.Equal(t, 1, f.engine.stopLoads, "oversized buffer is trimmed")
	assert.Contains(t, f.engine.startLoads, 500.0)
	assert.Len(t, f.engine.sources, 2, "stale manifest is reloaded")

	f.loop.Advance(30 * time.Minute)
	assert.Equal(t, 1, f.engine.stopLoads, "next pass is an hour later")

	f.loop.Advance(30 * time.Minute)
	assert.Equal(t, 2, f.engine.stopLoads)
}

func TestMaintenanceHealthySession(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))
	f.el.PausedState = false
	f.el.Buffer(0, 60)

	for i := 0; i < 16; i++ {
		f.loop.Advance(time.Minute)
		f.engine.listener.LevelLoaded()
	}

	assert.Zero(t, f.engine.recovers)
	assert.Zero(t, f.engine.stopLoads)
	assert.Len(t, f.engine.sources, 1)
}

func TestDestroyIsFinal(t *testing.T) {
	f := newFixture(t, parser.TierAuto)
	require.NoError(t, f.a.Attach(f.el))
	f.engine.listener.Error(fatal(NetworkError, FragLoadError))

	f.a.Destroy()
	f.a.Destroy()
	assert.Equal(t, 1, f.engine.destroys)
	assert.Zero(t, f.a.reg.Active())

	f.loop.Advance(time.Hour)
	assert.Empty(t, f.engine.startLoads, "pending reloads never fire after destroy")

	f.engine.listener.FragLoaded()
	f.engine.listener.Error(fatal(OtherError, InternalException))
	assert.Zero(t, f.rec.fragments)
	assert.Empty(t, f.rec.faults)
	assert.Error(t, f.a.Attach(f.el))
}
