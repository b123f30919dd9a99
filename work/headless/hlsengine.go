package headless

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/valyala/bytebufferpool"

	"streamguard/work/eventloop"
	"streamguard/work/hls"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/utils"
)

const (
	minRefresh      = time.Second
	maxRefresh      = 6 * time.Second
	trackedSegments = 256
)

var errNoVariants = errors.New("master playlist has no playable variants")

// appender is implemented by elements that accept demuxed media.
type appender interface {
	Append(seconds float64)
}

// HLSEngine is an hls.Engine that polls live playlists over HTTP and
// feeds segment durations into the attached element. Network work runs on
// a worker goroutine; every event is posted back to the scheduler and
// dropped when a newer load superseded the worker that produced it.
type HLSEngine struct {
	cfg      hls.Config
	sched    eventloop.Scheduler
	fetch    *Fetcher
	listener hls.Listener

	el      media.Element
	sink    appender
	pending float64

	src     string
	levels  []hls.Level
	pinned  int
	playing int
	target  float64

	gen       int
	cancel    context.CancelFunc
	tracker   *SegmentTracker
	destroyed bool
}

// NewHLSEngine returns an idle engine.
func NewHLSEngine(sched eventloop.Scheduler, fetch *Fetcher, cfg hls.Config) *HLSEngine {
	return &HLSEngine{
		cfg:     cfg,
		sched:   sched,
		fetch:   fetch,
		pinned:  -1,
		playing: -1,
		tracker: NewSegmentTracker(trackedSegments),
	}
}

// HLSFactory builds engines sharing one scheduler and fetcher.
func HLSFactory(sched eventloop.Scheduler, fetch *Fetcher) hls.EngineFactory {
	return func(cfg hls.Config) hls.Engine {
		return NewHLSEngine(sched, fetch, cfg)
	}
}

func (e *HLSEngine) SetListener(l hls.Listener) { e.listener = l }

// LoadSource forgets everything known about the previous source and starts
// loading url.
func (e *HLSEngine) LoadSource(url string) {
	if e.destroyed {
		return
	}
	e.src = url
	e.levels = nil
	e.playing = -1
	e.tracker.Reset()
	e.restart()
}

func (e *HLSEngine) AttachMedia(el media.Element) {
	e.el = el
	e.sink, _ = el.(appender)
	el.SetSource("mediasource:hls")

	if e.sink != nil && e.pending > 0 {
		e.sink.Append(e.pending)
		e.pending = 0
	}
}

func (e *HLSEngine) DetachMedia() {
	e.el = nil
	e.sink = nil
}

// StartLoad (re)starts loading. Positions are not seekable on a live
// window, so position only shows up in the log.
func (e *HLSEngine) StartLoad(position float64) {
	if e.destroyed || e.src == "" {
		return
	}
	logger.Debug("{headless/hlsengine - StartLoad} Loading from %.1f", position)
	e.restart()
}

func (e *HLSEngine) StopLoad() { e.stop() }

func (e *HLSEngine) RecoverMediaError() {
	if e.destroyed || e.src == "" {
		return
	}
	logger.Debug("{headless/hlsengine - RecoverMediaError} Restarting load")
	e.restart()
}

func (e *HLSEngine) SwapAudioCodec() {
	logger.Debug("{headless/hlsengine - SwapAudioCodec} No codec switching without a decoder")
}

func (e *HLSEngine) Levels() []hls.Level { return slices.Clone(e.levels) }

func (e *HLSEngine) CurrentLevel() int { return e.playing }

// SetCurrentLevel pins a level and restarts a running load on it.
func (e *HLSEngine) SetCurrentLevel(idx int) {
	if idx >= len(e.levels) {
		return
	}
	if idx < 0 {
		idx = -1
	}
	e.pinned = idx
	if idx >= 0 {
		e.playing = idx
	}
	if e.cancel != nil {
		e.restart()
	}
}

// LiveSyncPosition sits LiveSyncDurationCount target durations behind the
// end of the buffered media.
func (e *HLSEngine) LiveSyncPosition() (float64, bool) {
	if e.el == nil || e.target <= 0 {
		return 0, false
	}
	end := e.el.Buffered().End()
	if end <= 0 {
		return 0, false
	}
	return max(end-float64(e.cfg.LiveSyncDurationCount)*e.target, 0), true
}

func (e *HLSEngine) Destroy() {
	e.stop()
	e.destroyed = true
	e.el = nil
	e.sink = nil
	e.listener = hls.Listener{}
}

func (e *HLSEngine) stop() {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *HLSEngine) restart() {
	e.stop()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx, e.gen, e.src, slices.Clone(e.levels), e.pinned)
}

// post runs fn on the scheduler unless gen was superseded meanwhile.
func (e *HLSEngine) post(gen int, fn func()) {
	e.sched.Post(func() {
		if gen != e.gen || e.destroyed {
			return
		}
		fn()
	})
}

func (e *HLSEngine) run(ctx context.Context, gen int, src string, levels []hls.Level, level int) {
	if len(levels) == 0 {
		parsed, err := e.loadManifest(ctx, src)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.fail(gen, hls.ManifestLoadError, err)
			return
		}
		levels = parsed

		published := slices.Clone(parsed)
		e.post(gen, func() {
			e.levels = published
			if e.listener.ManifestParsed != nil {
				e.listener.ManifestParsed(slices.Clone(published))
			}
		})
	}

	if level < 0 || level >= len(levels) {
		level = 0
	}
	e.poll(ctx, gen, level, levels[level].URL)
}

func (e *HLSEngine) loadManifest(ctx context.Context, url string) ([]hls.Level, error) {
	body, err := e.get(ctx, url)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, &parseError{err}
	}

	// a bare media playlist is its own single level
	if listType == m3u8.MEDIA {
		return []hls.Level{{URL: url}}, nil
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, &parseError{errNoVariants}
	}

	base := utils.BaseOf(url)
	var levels []hls.Level
	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		w, h := dimensions(v.Resolution)
		levels = append(levels, hls.Level{
			Bitrate: int(v.Bandwidth),
			Width:   w,
			Height:  h,
			Codecs:  v.Codecs,
			URL:     utils.ResolveReference(base, v.URI),
		})
	}
	if len(levels) == 0 {
		return nil, &parseError{errNoVariants}
	}
	return levels, nil
}

func (e *HLSEngine) poll(ctx context.Context, gen, level int, url string) {
	base := utils.BaseOf(url)

	for {
		body, err := e.get(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.fail(gen, hls.LevelLoadError, err)
			return
		}

		playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
		if err != nil || listType != m3u8.MEDIA {
			e.fail(gen, hls.LevelLoadError, &parseError{err})
			return
		}
		mp := playlist.(*m3u8.MediaPlaylist)
		target := float64(mp.TargetDuration)

		e.post(gen, func() {
			e.playing = level
			e.target = target
			if e.listener.LevelLoaded != nil {
				e.listener.LevelLoaded()
			}
		})

		segments := e.pendingSegments(mp, base)
		for _, s := range segments {
			if err := e.loadFragment(ctx, gen, s.url, s.duration); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.fail(gen, hls.FragLoadError, err)
				return
			}
			e.tracker.Mark(s.url)
		}

		if mp.Closed {
			logger.Debug("{headless/hlsengine - poll} Playlist ended")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval(target)):
		}
	}
}

type segment struct {
	url      string
	duration float64
}

// pendingSegments lists the playlist's segments not fetched yet. A live
// playlist none of whose segments were seen is joined near its edge, which
// is what a fresh load and a level switch both need.
func (e *HLSEngine) pendingSegments(mp *m3u8.MediaPlaylist, base string) []segment {
	var all []segment
	seen := false
	for _, s := range mp.Segments {
		if s == nil {
			break
		}
		u := utils.ResolveReference(base, s.URI)
		if e.tracker.Seen(u) {
			seen = true
			continue
		}
		all = append(all, segment{url: u, duration: s.Duration})
	}

	if !seen && !mp.Closed {
		if skip := len(all) - e.cfg.LiveSyncDurationCount; skip > 0 && e.cfg.LiveSyncDurationCount > 0 {
			for _, s := range all[:skip] {
				e.tracker.Mark(s.url)
			}
			all = all[skip:]
		}
	}
	return all
}

func (e *HLSEngine) loadFragment(ctx context.Context, gen int, url string, duration float64) error {
	ctx, cancel := context.WithTimeout(ctx, e.fetch.timeout())
	defer cancel()

	resp, err := e.fetch.open(ctx, e.rewrite(url))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}

	e.post(gen, func() {
		e.appendMedia(duration)
		if e.listener.FragLoaded != nil {
			e.listener.FragLoaded()
		}
	})
	return nil
}

func (e *HLSEngine) appendMedia(seconds float64) {
	if e.sink != nil {
		e.sink.Append(seconds)
		return
	}
	e.pending += seconds
}

// get reads a playlist body.
func (e *HLSEngine) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetch.timeout())
	defer cancel()

	resp, err := e.fetch.open(ctx, e.rewrite(url))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.B), nil
}

func (e *HLSEngine) rewrite(url string) string {
	if e.cfg.RewriteURL == nil {
		return url
	}
	return e.cfg.RewriteURL(url)
}

// fail reports a fatal load error and stops loading.
func (e *HLSEngine) fail(gen int, details string, err error) {
	var pe *parseError
	switch {
	case errors.As(err, &pe):
		details = hls.ManifestParsingError
	case timedOut(err):
		details = timeoutDetail(details)
	}
	status := statusOf(err)

	logger.Warn("{headless/hlsengine - fail} %s (status %d): %v", details, status, err)

	e.post(gen, func() {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		if e.listener.Error != nil {
			e.listener.Error(hls.ErrorData{Type: hls.NetworkError, Details: details, Fatal: true, Status: status})
		}
	})
}

func timeoutDetail(details string) string {
	switch details {
	case hls.ManifestLoadError:
		return hls.ManifestLoadTimeOut
	case hls.LevelLoadError:
		return hls.LevelLoadTimeOut
	case hls.FragLoadError:
		return hls.FragLoadTimeOut
	}
	return details
}

type parseError struct{ err error }

func (p *parseError) Error() string {
	if p.err == nil {
		return "not a media playlist"
	}
	return "playlist parse: " + p.err.Error()
}

func (p *parseError) Unwrap() error { return p.err }

func refreshInterval(target float64) time.Duration {
	d := time.Duration(target / 2 * float64(time.Second))
	return min(max(d, minRefresh), maxRefresh)
}

func dimensions(resolution string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0, 0
	}
	width, _ := strconv.Atoi(strings.TrimSpace(w))
	height, _ := strconv.Atoi(strings.TrimSpace(h))
	return width, height
}
