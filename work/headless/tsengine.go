package headless

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astits"

	"streamguard/work/eventloop"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/mpegts"
)

const (
	ptsClock = 90000
	ptsWrap  = int64(1) << 33
	// larger PTS jumps are discontinuities, not elapsed media
	maxPTSJump = 10 * ptsClock
	// media is handed to the element in slices of at least this much
	appendStep = ptsClock / 2

	minStash = 64 << 10
)

// TSEngine is an mpegts.Engine that reads one continuous transport stream
// over HTTP, demuxes it with go-astits and converts presentation
// timestamps into buffered seconds on the attached element.
type TSEngine struct {
	cfg      mpegts.Config
	sched    eventloop.Scheduler
	fetch    *Fetcher
	listener mpegts.Listener

	el   media.Element
	sink appender

	gen       int
	cancel    context.CancelFunc
	destroyed bool
}

// NewTSEngine returns an unloaded engine for cfg.URL.
func NewTSEngine(sched eventloop.Scheduler, fetch *Fetcher, cfg mpegts.Config) *TSEngine {
	return &TSEngine{cfg: cfg, sched: sched, fetch: fetch}
}

// TSFactory builds engines sharing one scheduler and fetcher.
func TSFactory(sched eventloop.Scheduler, fetch *Fetcher) mpegts.EngineFactory {
	return func(cfg mpegts.Config) mpegts.Engine {
		return NewTSEngine(sched, fetch, cfg)
	}
}

func (e *TSEngine) SetListener(l mpegts.Listener) { e.listener = l }

func (e *TSEngine) AttachMediaElement(el media.Element) {
	e.el = el
	e.sink, _ = el.(appender)
	el.SetSource("mediasource:mpegts")
}

func (e *TSEngine) DetachMediaElement() {
	e.el = nil
	e.sink = nil
}

// Load opens the stream. A running load is replaced.
func (e *TSEngine) Load() {
	if e.destroyed {
		return
	}
	e.Unload()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx, e.gen, e.cfg.URL)
}

func (e *TSEngine) Unload() {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *TSEngine) Destroy() {
	e.Unload()
	e.destroyed = true
	e.el = nil
	e.sink = nil
	e.listener = mpegts.Listener{}
}

func (e *TSEngine) post(gen int, fn func()) {
	e.sched.Post(func() {
		if gen != e.gen || e.destroyed {
			return
		}
		fn()
	})
}

func (e *TSEngine) run(ctx context.Context, gen int, url string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the timeout covers connecting only; the body streams indefinitely
	var expired atomic.Bool
	connect := time.AfterFunc(e.fetch.timeout(), func() {
		expired.Store(true)
		cancel()
	})
	resp, err := e.fetch.open(ctx, url)
	connect.Stop()

	if err != nil {
		switch {
		case expired.Load():
			e.fail(gen, mpegts.ErrorData{Type: mpegts.NetworkError, Detail: mpegts.NetworkTimeout}, err)
		case ctx.Err() != nil:
		case statusOf(err) != 0:
			e.fail(gen, mpegts.ErrorData{Type: mpegts.NetworkError, Detail: mpegts.NetworkStatusCodeInvalid, Status: statusOf(err)}, err)
		default:
			e.fail(gen, mpegts.ErrorData{Type: mpegts.NetworkError, Detail: mpegts.NetworkException}, err)
		}
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if e.cfg.EnableStashBuffer {
		body = bufio.NewReaderSize(resp.Body, max(e.cfg.StashInitialSize, minStash))
	}

	e.demux(ctx, gen, body)
}

// demux walks the stream until it ends or ctx is cancelled. Elapsed media
// is measured on the first elementary stream that carries timestamps.
func (e *TSEngine) demux(ctx context.Context, gen int, r io.Reader) {
	dmx := astits.NewDemuxer(ctx, r, astits.DemuxerOptPacketSize(tsPacketSize))

	var (
		info      mpegts.MediaInfo
		announced bool
		clockPID  = -1
		last      int64
		elapsed   int64
	)
	info.MimeType = "video/mp2t"

	for {
		d, err := dmx.NextData()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				e.fail(gen, mpegts.ErrorData{Type: mpegts.NetworkError, Detail: mpegts.NetworkUnrecoverableEarlyEOF}, err)
			} else {
				e.fail(gen, mpegts.ErrorData{Type: mpegts.MediaError, Detail: mpegts.MediaFormatError}, err)
			}
			return
		}

		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				switch {
				case isVideoStream(uint8(es.StreamType)):
					info.HasVideo = true
				case isAudioStream(uint8(es.StreamType)):
					info.HasAudio = true
				}
			}
		}

		if d.PES == nil || d.PES.Header == nil || d.FirstPacket == nil {
			continue
		}
		sid := d.PES.Header.StreamID
		switch {
		case sid >= 0xE0 && sid <= 0xEF:
			info.HasVideo = true
		case sid >= 0xC0 && sid <= 0xDF:
			info.HasAudio = true
		}

		oh := d.PES.Header.OptionalHeader
		if oh == nil || oh.PTS == nil {
			continue
		}

		pid := int(d.FirstPacket.Header.PID)
		if clockPID < 0 {
			clockPID = pid
			last = oh.PTS.Base
		}

		if !announced {
			announced = true
			mi := info
			e.post(gen, func() {
				if e.listener.MediaInfo != nil {
					e.listener.MediaInfo(mi)
				}
			})
		}

		if pid != clockPID {
			continue
		}

		delta := oh.PTS.Base - last
		if delta < 0 {
			delta += ptsWrap
		}
		last = oh.PTS.Base
		if delta > maxPTSJump {
			logger.Debug("{headless/tsengine - demux} Timestamp discontinuity of %.1fs", float64(delta)/ptsClock)
			continue
		}

		elapsed += delta
		if elapsed >= appendStep {
			seconds := float64(elapsed) / ptsClock
			elapsed = 0
			e.post(gen, func() {
				if e.sink != nil {
					e.sink.Append(seconds)
				}
			})
		}
	}
}

func (e *TSEngine) fail(gen int, data mpegts.ErrorData, err error) {
	logger.Warn("{headless/tsengine - fail} %s %s (status %d): %v", data.Type, data.Detail, data.Status, err)

	e.post(gen, func() {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		if e.listener.Error != nil {
			e.listener.Error(data)
		}
	})
}

const tsPacketSize = 188

func isVideoStream(t uint8) bool {
	switch t {
	case 0x01, 0x02, 0x10, 0x1B, 0x24:
		return true
	}
	return false
}

func isAudioStream(t uint8) bool {
	switch t {
	case 0x03, 0x04, 0x0F, 0x11, 0x81, 0x87:
		return true
	}
	return false
}
