package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"streamguard/work/detect"
	"streamguard/work/eventloop"
	"streamguard/work/headless"
	"streamguard/work/hls"
	"streamguard/work/logger"
	"streamguard/work/media"
	"streamguard/work/mpegts"
	"streamguard/work/parser"
	"streamguard/work/player"
	"streamguard/work/proxy"
	"streamguard/work/utils"
)

const (
	// enough for a playlist header or two transport packets
	sniffBytes  = 4096
	maxPlaylist = 4 << 20

	reportInterval = 10 * time.Second
)

// ProbeResult describes one probed stream.
type ProbeResult struct {
	URL         string                `json:"url"`
	Detected    string                `json:"detected"`          // from the URL alone
	DetectedBy  string                `json:"detectedBy"`        // marker that decided Detected
	Sniffed     string                `json:"sniffed,omitempty"` // from the first bytes of the body
	Status      int                   `json:"status,omitempty"`
	ContentType string                `json:"contentType,omitempty"`
	Master      bool                  `json:"master,omitempty"`
	Levels      []parser.QualityLevel `json:"levels,omitempty"`
	Recommended *int                  `json:"recommended,omitempty"` // index into Levels for the given bandwidth
	Error       string                `json:"error,omitempty"`
}

// Values of ProbeResult.DetectedBy.
const (
	markerPlaylist  = "playlist-marker"
	markerTransport = "ts-marker"
	markerFallback  = "fallback"
)

// detectedBy names what made Detect classify target the way it did.
func detectedBy(target string, f detect.Format) string {
	switch {
	case f == detect.HLS:
		return markerPlaylist
	case detect.IsTransportStreamURL(target):
		return markerTransport
	default:
		return markerFallback
	}
}

// probeStream fetches target through the proxy strategy chain and reports
// what it is. When bandwidthBps is positive and target is an HLS master,
// the level that bandwidth can sustain is reported as Recommended.
func probeStream(ctx context.Context, sp *proxy.StreamProxy, target string, bandwidthBps int) ProbeResult {
	format := detect.Detect(target)
	res := ProbeResult{
		URL:        utils.LogURL(sp.Config, target),
		Detected:   format.String(),
		DetectedBy: detectedBy(target, format),
	}

	resp, err := sp.Fetch(ctx, target, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")

	body := bufio.NewReaderSize(resp.Body, sniffBytes)
	prefix, err := body.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		res.Error = err.Error()
		return res
	}

	sniffed := detect.Sniff(prefix)
	res.Sniffed = sniffed.String()
	if sniffed != detect.HLS {
		return res
	}

	levels, isMaster, err := parser.ParseQualityLevels(io.LimitReader(body, maxPlaylist), target)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Master = isMaster
	res.Levels = levels
	if bandwidthBps > 0 && len(levels) > 0 {
		idx := parser.Recommend(levels, bandwidthBps)
		res.Recommended = &idx
	}
	return res
}

func newProbeCmd() *cobra.Command {
	var (
		timeout   time.Duration
		bandwidth int
	)

	cmd := &cobra.Command{
		Use:   "probe <url>...",
		Short: "Classify streams and list their quality levels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			sp, workerPool, err := newProxy(cfg)
			if err != nil {
				return err
			}
			defer workerPool.Release()

			results := make([]ProbeResult, len(args))
			var wg sync.WaitGroup

			// a separate pool so probes never starve the proxy's own workers
			probes, err := ants.NewPoolWithFunc(min(len(args), cfg.WorkerThreads), func(i interface{}) {
				defer wg.Done()
				idx := i.(int)

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				results[idx] = probeStream(ctx, sp, args[idx], bandwidth)
			})
			if err != nil {
				return fmt.Errorf("failed to create probe pool: %w", err)
			}
			defer probes.Release()

			for i := range args {
				wg.Add(1)
				if err := probes.Invoke(i); err != nil {
					wg.Done()
					results[i] = ProbeResult{URL: utils.LogURL(cfg, args[i]), Error: err.Error()}
				}
			}
			wg.Wait()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-stream probe timeout")
	cmd.Flags().IntVar(&bandwidth, "bandwidth", 0, "measured bandwidth in bits/s; recommends a quality level when set")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		duration time.Duration
		quality  string
		network  string
	)

	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Play a stream headlessly and log every recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if err := cfg.RequirePlayer(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			// the loop outlives ctx so teardown can still run on it
			loopCtx, stopLoop := context.WithCancel(context.Background())
			defer stopLoop()
			loop := eventloop.New(nil)
			go loop.Run(loopCtx)

			fetch := headless.NewFetcher(cfg)
			state := player.NewState()

			last := player.Idle
			state.Subscribe(func(s player.Snapshot) {
				if s.State == last {
					return
				}
				logger.Info("{main/commands - watch} %s -> %s (retry %d/%d) %s", last, s.State, s.RetryAttempt, s.MaxRetries, s.ErrorMessage)
				last = s.State
			})

			var (
				ctrl    *player.Controller
				el      *headless.Element
				initErr error
			)
			loop.Do(func() {
				el = headless.NewElement(loop)
				ctrl, initErr = player.New(player.Options{
					Scheduler:     loop,
					Element:       el,
					HLSFactory:    hls.NewFactory(headless.HLSFactory(loop, fetch)),
					TSFactory:     mpegts.NewFactory(headless.TSFactory(loop, fetch)),
					ProxyEndpoint: cfg.Player.ProxyEndpoint,
					PageSecure:    cfg.Player.PageSecure,
					Network:       media.StaticHint(network),
					Autoplay:      cfg.Player.Autoplay,
					State:         state,
				})
				if initErr != nil {
					return
				}
				ctrl.SetQuality(quality)
				initErr = ctrl.Initialize(args[0])
			})
			if initErr != nil {
				return initErr
			}

			report := time.NewTicker(reportInterval)
			defer report.Stop()

		watching:
			for {
				select {
				case <-ctx.Done():
					break watching
				case <-report.C:
					s := state.Snapshot()
					logger.Info("{main/commands - watch} state=%s buffer=%s level=%d/%d playing=%v proxy=%v",
						s.State, s.BufferHealth, s.CurrentLevel, len(s.AvailableQualities), s.IsPlaying, s.ProxyEngaged)
				}
			}

			final := state.Snapshot()
			loop.Do(func() {
				ctrl.Destroy()
				el.Close()
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(final); err != nil {
				return err
			}

			if final.State == player.Fatal {
				return fmt.Errorf("playback failed: %s", final.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&quality, "quality", parser.TierAuto, "quality tier: auto, low, medium or high")
	cmd.Flags().StringVar(&network, "network", "", "connection type hint such as 4g or 3g (empty means unknown)")
	return cmd
}
