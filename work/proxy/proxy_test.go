package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamguard/work/buffer"
	"streamguard/work/cache"
	"streamguard/work/client"
	"streamguard/work/config"
	"streamguard/work/parser"
	"streamguard/work/utils"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.UpstreamRatePerHost = 10000
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.Timeout = 2 * time.Second
	cfg.Retry.TimeoutStep = 0
	return cfg
}

func newTestProxy(t *testing.T, cfg *config.Config, ttl time.Duration) *StreamProxy {
	t.Helper()

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	sp := New(cfg, buffer.NewBufferPool(cfg.BufferSize), client.NewHeaderSettingClient(), pool, cache.NewManifestCache(ttl, cfg.ManifestCacheSize))
	sp.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return sp
}

func proxyRequest(method, target string) *http.Request {
	u := "http://edge.test/stream-proxy"
	if target != "" {
		u += "?url=" + url.QueryEscape(target) + "&type=stream"
	}
	return httptest.NewRequest(method, u, nil)
}

func serve(sp *StreamProxy, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	sp.HandleProxy(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

// byAgent counts origin hits per header strategy.
type byAgent struct {
	stb, media, browser atomic.Int32
}

func (b *byAgent) record(r *http.Request) string {
	ua := r.Header.Get("User-Agent")
	switch {
	case strings.Contains(ua, "MAG200"):
		b.stb.Add(1)
		return client.StrategySTB
	case strings.HasPrefix(ua, "VLC/"):
		b.media.Add(1)
		return client.StrategyMedia
	default:
		b.browser.Add(1)
		return client.StrategyPassthrough
	}
}

func TestOptionsPreflight(t *testing.T) {
	sp := newTestProxy(t, testConfig(), time.Second)

	rec := serve(sp, proxyRequest(http.MethodOptions, ""))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())
}

func TestMissingURL(t *testing.T) {
	sp := newTestProxy(t, testConfig(), time.Second)

	rec := serve(sp, proxyRequest(http.MethodGet, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing url parameter", errorBody(t, rec))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInvalidURL(t *testing.T) {
	sp := newTestProxy(t, testConfig(), time.Second)

	rec := serve(sp, proxyRequest(http.MethodGet, "ftp://files.example.com/a.ts"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrategyChainFallsThrough(t *testing.T) {
	hits := &byAgent{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.record(r) {
		case client.StrategySTB:
			w.WriteHeader(http.StatusServiceUnavailable)
		case client.StrategyMedia:
			w.WriteHeader(http.StatusForbidden)
		default:
			w.Header().Set("Content-Type", "video/mp2t")
			_, _ = io.WriteString(w, "TSDATA")
		}
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Second)
	rec := serve(sp, proxyRequest(http.MethodGet, origin.URL+"/live/1.ts"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TSDATA", rec.Body.String())

	assert.Equal(t, int32(3), hits.stb.Load(), "5xx is retried up to the strategy budget")
	assert.Equal(t, int32(1), hits.media.Load(), "4xx ends the strategy without retry")
	assert.Equal(t, int32(1), hits.browser.Load())
}

func TestAllStrategiesFailWithServerErrors(t *testing.T) {
	hits := &byAgent{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.record(r)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Second)
	rec := serve(sp, proxyRequest(http.MethodGet, origin.URL+"/live/1.ts"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "HTTP 502", errorBody(t, rec))
	assert.Equal(t, int32(3), hits.stb.Load())
	assert.Equal(t, int32(2), hits.media.Load())
	assert.Equal(t, int32(1), hits.browser.Load())
	assert.Equal(t, int64(1), sp.Stats().UpstreamFailures)
}

func TestAllStrategiesRejected(t *testing.T) {
	var count atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Second)
	rec := serve(sp, proxyRequest(http.MethodGet, origin.URL+"/gone.ts"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Stream inaccessible with status: 404", errorBody(t, rec))
	assert.Equal(t, int32(3), count.Load(), "one attempt per strategy")
}

func TestFetchErrorTypes(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Second)
	_, err := sp.Fetch(context.Background(), origin.URL+"/a.ts", nil)
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, client.StrategyPassthrough, upstream.Strategy)
	assert.Equal(t, http.StatusTooManyRequests, upstream.Status)
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)

	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusTooManyRequests, status.Status)
}

func TestAttemptTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer origin.Close()

	cfg := testConfig()
	cfg.Retry.Timeout = 30 * time.Millisecond
	sp := newTestProxy(t, cfg, time.Second)

	rec := serve(sp, proxyRequest(http.MethodGet, origin.URL+"/slow.ts"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, errorBody(t, rec), "timeout")
}

const originPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:6.0,\nseg1.ts\n#EXTINF:6.0,\nsub/seg2.ts\n"

func TestManifestRewriteAndCache(t *testing.T) {
	var count atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, originPlaylist)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Minute)
	manifestURL := origin.URL + "/live/ch1/index.m3u8"

	first := serve(sp, proxyRequest(http.MethodGet, manifestURL))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, PlaylistContentType, first.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	endpoint := "http://edge.test/stream-proxy"
	lines := strings.Split(first.Body.String(), "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, parser.ProxyURL(endpoint, origin.URL+"/live/ch1/seg1.ts"), lines[4])
	assert.Equal(t, parser.ProxyURL(endpoint, origin.URL+"/live/ch1/sub/seg2.ts"), lines[6])

	second := serve(sp, proxyRequest(http.MethodGet, manifestURL))
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), count.Load())

	stats := sp.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, 1, stats.CachedManifests)
}

func TestManifestCacheExpiry(t *testing.T) {
	var count atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		_, _ = io.WriteString(w, originPlaylist)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), 40*time.Millisecond)
	manifestURL := origin.URL + "/index.m3u8"

	assert.Equal(t, "MISS", serve(sp, proxyRequest(http.MethodGet, manifestURL)).Header().Get("X-Cache"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, "MISS", serve(sp, proxyRequest(http.MethodGet, manifestURL)).Header().Get("X-Cache"))
	assert.Equal(t, int32(2), count.Load())
}

func TestManifestFetchesAreCoalesced(t *testing.T) {
	var count atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(w, originPlaylist)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Minute)
	manifestURL := origin.URL + "/index.m3u8"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := serve(sp, proxyRequest(http.MethodGet, manifestURL))
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), count.Load())
}

func TestSniffedManifestWithoutHints(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, originPlaylist)
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Minute)
	rec := serve(sp, proxyRequest(http.MethodGet, origin.URL+"/get.php?id=42"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PlaylistContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), url.QueryEscape(origin.URL+"/seg1.ts"))
}

func TestSegmentRelay(t *testing.T) {
	payload := strings.Repeat("\x47", 188*4)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-187", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 0-187/752")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("X-Origin-Secret", "hidden")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, payload[:188])
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Minute)
	req := proxyRequest(http.MethodGet, origin.URL+"/live/seg7.ts")
	req.Header.Set("Range", "bytes=0-187")
	rec := serve(sp, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, payload[:188], rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 0-187/752", rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, immutableCacheControl, rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("X-Origin-Secret"))
	assert.Equal(t, int64(188), sp.Stats().BytesRelayed)
}

func TestNonSegmentHasNoImmutableCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, "<VAST/>")
	}))
	defer origin.Close()

	sp := newTestProxy(t, testConfig(), time.Minute)
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/stream-proxy?url="+url.QueryEscape(origin.URL+"/ad.xml")+"&type=vast", nil)
	rec := serve(sp, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<VAST/>", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Cache-Control"))
}

func TestEndpointFor(t *testing.T) {
	cfg := testConfig()
	sp := newTestProxy(t, cfg, time.Second)

	req := httptest.NewRequest(http.MethodGet, "http://internal:8080/stream-proxy?url=x", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "tv.example.com")
	assert.Equal(t, "https://tv.example.com/stream-proxy", sp.endpointFor(req))

	cfg.BaseURL = "https://cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com/stream-proxy", sp.endpointFor(req))
}

func TestHostLimitersArePerHost(t *testing.T) {
	sp := newTestProxy(t, testConfig(), time.Second)

	a := sp.getRateLimiterForHost("a.example.com")
	assert.Same(t, a, sp.getRateLimiterForHost("a.example.com"))
	sp.getRateLimiterForHost("b.example.com")

	assert.Equal(t, 2, sp.Stats().TrackedHosts)
}

func TestFetchAbandonsAttemptWhenCallerLeavesDuringPacing(t *testing.T) {
	var count atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		_, _ = io.WriteString(w, "TSDATA")
	}))
	defer origin.Close()

	cfg := testConfig()
	cfg.UpstreamRatePerHost = 2
	sp := newTestProxy(t, cfg, time.Second)

	target := origin.URL + "/live/1.ts"
	// use up the host's slot so the next request waits its turn
	sp.getRateLimiterForHost(utils.HostOf(target)).Take()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sp.Fetch(ctx, target, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, count.Load(), "no request is sent for a caller that is gone")
	assert.Zero(t, sp.Stats().UpstreamFailures, "a departed caller is not an origin failure")
}
