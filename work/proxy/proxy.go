package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/singleflight"

	"streamguard/work/buffer"
	"streamguard/work/cache"
	"streamguard/work/client"
	"streamguard/work/config"
	"streamguard/work/logger"
	"streamguard/work/metrics"
	"streamguard/work/retry"
	"streamguard/work/utils"
)

var (
	// ErrMissingURL is returned when a proxy request carries no url parameter.
	ErrMissingURL = errors.New("missing url parameter")

	// ErrAllStrategiesFailed is wrapped by every UpstreamError.
	ErrAllStrategiesFailed = errors.New("all upstream strategies failed")
)

// StatusError is a retryable origin response: a 5xx or 429.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// UpstreamError reports that no strategy produced a 2xx response.
type UpstreamError struct {
	Strategy string // Last strategy tried
	Status   int    // Last origin status seen; 0 when no response arrived
	Err      error  // Last transport or retryable error; nil when only non-retryable statuses were seen
}

// Error returns the message surfaced to the caller in the 502 body: the last
// retryable failure, or the final status when every strategy was rejected.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("Stream inaccessible with status: %d", e.Status)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAllStrategiesFailed}
	}
	return []error{ErrAllStrategiesFailed, e.Err}
}

// Stats is a snapshot of proxy counters for the admin API.
type Stats struct {
	Requests         int64 `json:"requests"`
	CacheHits        int64 `json:"cacheHits"`
	CacheMisses      int64 `json:"cacheMisses"`
	UpstreamFailures int64 `json:"upstreamFailures"`
	BytesRelayed     int64 `json:"bytesRelayed"`
	CachedManifests  int   `json:"cachedManifests"`
	TrackedHosts     int   `json:"trackedHosts"`
}

// StreamProxy is the origin fetch proxy. It walks the header strategy chain
// with per-strategy retries, rewrites playlists so every reference flows
// back through itself, and relays segment bodies unchanged.
type StreamProxy struct {
	Config       *config.Config                          // application configuration
	Cache        *cache.ManifestCache                    // short-lived rewritten manifests
	BufferPool   *buffer.BufferPool                      // copy buffers for segment relay
	HttpClient   *client.HeaderSettingClient             // upstream client with tuned transport
	WorkerPool   *ants.Pool                              // bounds concurrent upstream header waits
	Strategies   []client.Strategy                       // header strategy chain, in order
	HostLimiters *xsync.MapOf[string, ratelimit.Limiter] // per-origin-host request pacing

	manifests singleflight.Group // coalesces concurrent fetches of one playlist
	sleep     retry.SleepFunc    // nil uses the retry package default

	requests         atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	upstreamFailures atomic.Int64
	bytesRelayed     atomic.Int64
}

// New wires a StreamProxy from its collaborators. workerPool may be nil, in
// which case upstream requests run on the calling goroutine.
func New(cfg *config.Config, bufferPool *buffer.BufferPool, httpClient *client.HeaderSettingClient, workerPool *ants.Pool, manifestCache *cache.ManifestCache) *StreamProxy {
	logger.Debug("{proxy/proxy - New} Initializing stream proxy (strategies=%d, cache ttl=%v)", len(client.Chain(cfg)), cfg.ManifestCacheTTL)

	return &StreamProxy{
		Config:       cfg,
		Cache:        manifestCache,
		BufferPool:   bufferPool,
		HttpClient:   httpClient,
		WorkerPool:   workerPool,
		Strategies:   client.Chain(cfg),
		HostLimiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Stats returns a snapshot of the proxy counters.
func (sp *StreamProxy) Stats() Stats {
	return Stats{
		Requests:         sp.requests.Load(),
		CacheHits:        sp.cacheHits.Load(),
		CacheMisses:      sp.cacheMisses.Load(),
		UpstreamFailures: sp.upstreamFailures.Load(),
		BytesRelayed:     sp.bytesRelayed.Load(),
		CachedManifests:  sp.Cache.Len(),
		TrackedHosts:     sp.HostLimiters.Size(),
	}
}

// getRateLimiterForHost returns the pacing limiter of an origin host,
// creating it on first use.
func (sp *StreamProxy) getRateLimiterForHost(host string) ratelimit.Limiter {
	if limiter, ok := sp.HostLimiters.Load(host); ok {
		return limiter
	}

	limiter, loaded := sp.HostLimiters.LoadOrCompute(host, func() ratelimit.Limiter {
		return ratelimit.New(sp.Config.UpstreamRatePerHost)
	})
	if !loaded {
		logger.Debug("{proxy/proxy - getRateLimiterForHost} Created rate limiter for host %s: %d req/sec", host, sp.Config.UpstreamRatePerHost)
	}
	return limiter
}

// policyFor builds the retry policy of one strategy.
func (sp *StreamProxy) policyFor(s client.Strategy) retry.Policy {
	rc := sp.Config.Retry
	return retry.Policy{
		MaxAttempts: s.Attempts,
		BaseDelay:   rc.BaseDelay,
		Factor:      rc.Factor,
		Timeout:     rc.Timeout,
		TimeoutStep: rc.TimeoutStep,
	}
}

// Fetch runs the strategy chain against target and returns the first 2xx
// response. A 5xx, 429 or transport error is retried within the strategy;
// any other status ends the strategy at once and the chain moves on. The
// returned body must be closed by the caller.
//
// Parameters:
//   - ctx: request context; cancelling it aborts every attempt
//   - target: absolute origin URL
//   - caller: headers of the incoming request, used by pass-through and Range
//
// Returns:
//   - *http.Response: the successful origin response
//   - error: *UpstreamError when no strategy succeeded
func (sp *StreamProxy) Fetch(ctx context.Context, target string, caller http.Header) (*http.Response, error) {
	limiter := sp.getRateLimiterForHost(utils.HostOf(target))

	var (
		lastErr    error
		lastStatus int
		lastName   string
	)

	for _, strategy := range sp.Strategies {
		lastName = strategy.Name
		policy := sp.policyFor(strategy)

		var resp *http.Response
		opts := []retry.Option{
			retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
				logger.Warn("{proxy/proxy - Fetch} [%s] attempt %d/%d failed for %s: %v, retrying in %v",
					strategy.Name, attempt+1, policy.MaxAttempts, utils.LogURL(sp.Config, target), err, delay)
			}),
		}
		if sp.sleep != nil {
			opts = append(opts, retry.WithSleep(sp.sleep))
		}

		err := retry.Do(ctx, policy, func(attempt int) error {
			limiter.Take()
			// the caller may have gone away while waiting for the host's turn
			if err := ctx.Err(); err != nil {
				return retry.Permanent(err)
			}

			r, err := sp.attempt(ctx, target, strategy, caller, policy.AttemptTimeout(attempt))
			if err != nil {
				return err
			}

			lastStatus = r.StatusCode
			switch {
			case r.StatusCode >= 200 && r.StatusCode < 300:
				metrics.UpstreamAttempts.WithLabelValues(strategy.Name, "ok").Inc()
				resp = r
				return nil

			case r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests:
				metrics.UpstreamAttempts.WithLabelValues(strategy.Name, "retry").Inc()
				drainAndClose(r.Body)
				return &StatusError{Status: r.StatusCode}

			default:
				metrics.UpstreamAttempts.WithLabelValues(strategy.Name, "rejected").Inc()
				drainAndClose(r.Body)
				return retry.Permanent(&StatusError{Status: r.StatusCode})
			}
		}, opts...)

		if err == nil {
			logger.Debug("{proxy/proxy - Fetch} [%s] success for %s", strategy.Name, utils.LogURL(sp.Config, target))
			return resp, nil
		}

		var se *StatusError
		if !errors.As(err, &se) || se.Status >= 500 || se.Status == http.StatusTooManyRequests {
			lastErr = err
		}
		logger.Debug("{proxy/proxy - Fetch} [%s] gave up on %s: %v", strategy.Name, utils.LogURL(sp.Config, target), err)

		if ctx.Err() != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &UpstreamError{Strategy: lastName, Status: lastStatus, Err: err}
	}
	sp.upstreamFailures.Add(1)
	return nil, &UpstreamError{Strategy: lastName, Status: lastStatus, Err: lastErr}
}

// attempt performs one upstream request. The timeout bounds the wait for
// response headers; once headers arrive the body lives until it is closed.
func (sp *StreamProxy) attempt(ctx context.Context, target string, s client.Strategy, caller http.Header, timeout time.Duration) (*http.Response, error) {
	actx, cancel := context.WithCancel(ctx)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	req, err := http.NewRequestWithContext(actx, http.MethodGet, target, nil)
	if err != nil {
		stopTimer()
		cancel()
		return nil, retry.Permanent(err)
	}

	resp, err := sp.submit(req, s, caller)
	if !stopTimer() && err == nil {
		// the deadline fired while the headers were arriving
		drainAndClose(resp.Body)
		cancel()
		metrics.UpstreamAttempts.WithLabelValues(s.Name, "retry").Inc()
		return nil, fmt.Errorf("timeout after %v", timeout)
	}
	if err != nil {
		cancel()
		metrics.UpstreamAttempts.WithLabelValues(s.Name, "retry").Inc()
		if actx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("timeout after %v", timeout)
		}
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// submit runs the request on the worker pool and waits for its headers. A
// saturated or closed pool falls back to the calling goroutine.
func (sp *StreamProxy) submit(req *http.Request, s client.Strategy, caller http.Header) (*http.Response, error) {
	if sp.WorkerPool == nil {
		return sp.HttpClient.Do(req, s, caller)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)

	err := sp.WorkerPool.Submit(func() {
		resp, err := sp.HttpClient.Do(req, s, caller)
		done <- result{resp: resp, err: err}
	})
	if err != nil {
		logger.Debug("{proxy/proxy - submit} worker pool unavailable (%v), fetching inline", err)
		return sp.HttpClient.Do(req, s, caller)
	}

	r := <-done
	return r.resp, r.err
}

// cancelOnClose releases the attempt context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
