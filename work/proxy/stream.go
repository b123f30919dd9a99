package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/valyala/bytebufferpool"

	"streamguard/work/cache"
	"streamguard/work/detect"
	"streamguard/work/logger"
	"streamguard/work/metrics"
	"streamguard/work/middleware"
	"streamguard/work/parser"
	"streamguard/work/utils"
)

const (
	// PlaylistContentType is the content type of every rewritten manifest.
	PlaylistContentType = "application/vnd.apple.mpegurl"

	// immutableCacheControl marks segments as never changing.
	immutableCacheControl = "public, max-age=31536000, immutable"

	// maxManifestBytes bounds how much of a playlist body is read.
	maxManifestBytes = 8 << 20

	// sniffBytes is how much of an ambiguous body is inspected for #EXTM3U.
	sniffBytes = 512
)

// forwardedHeaders are copied from a segment origin response.
var forwardedHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"}

// HandleProxy serves GET <ProxyPath>?url=<origin>&type=stream|vast|vast-tracking.
func (sp *StreamProxy) HandleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := middleware.NewStatusRecorder(w)
	label := "preflight"

	defer func() {
		metrics.ProxyRequests.WithLabelValues(label, strconv.Itoa(rec.Status)).Inc()
	}()

	middleware.SetCORSHeaders(rec.Header())
	if r.Method == http.MethodOptions {
		rec.WriteHeader(http.StatusNoContent)
		return
	}

	sp.requests.Add(1)

	query := r.URL.Query()
	target := strings.TrimSpace(query.Get("url"))
	switch label = query.Get("type"); label {
	case parser.KindVAST, parser.KindVASTTracking:
	default:
		label = parser.KindStream
	}

	if target == "" {
		logger.Debug("{proxy/stream - HandleProxy} request without url parameter from %s", r.RemoteAddr)
		writeJSONError(rec, http.StatusBadRequest, "Missing url parameter")
		return
	}

	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSONError(rec, http.StatusBadRequest, "Invalid url parameter")
		return
	}

	endpoint := sp.endpointFor(r)
	key := cacheKey(endpoint, target)

	if entry, ok := sp.Cache.Get(key); ok {
		label = "manifest"
		sp.cacheHits.Add(1)
		metrics.ManifestCache.WithLabelValues("hit").Inc()
		sp.writeManifest(rec, r, entry, "HIT", start)
		return
	}

	if strings.Contains(target, ".m3u8") {
		label = "manifest"
		sp.serveCoalescedManifest(rec, r, target, endpoint, key, start)
		return
	}

	resp, err := sp.Fetch(r.Context(), target, r.Header)
	if err != nil {
		sp.writeUpstreamError(rec, target, err)
		return
	}
	defer resp.Body.Close()

	body := bufio.NewReaderSize(resp.Body, sniffBytes)
	if isPlaylist(resp, target, body) {
		label = "manifest"
		entry, err := sp.rewriteAndStore(body, target, endpoint, key)
		if err != nil {
			sp.writeUpstreamError(rec, target, err)
			return
		}
		sp.cacheMisses.Add(1)
		metrics.ManifestCache.WithLabelValues("miss").Inc()
		sp.writeManifest(rec, r, entry, "MISS", start)
		return
	}

	if label == parser.KindStream {
		label = "segment"
	}
	sp.relaySegment(rec, resp, body, target, label, start)
}

// serveCoalescedManifest fetches a playlist once for all concurrent callers
// asking for the same URL.
func (sp *StreamProxy) serveCoalescedManifest(w http.ResponseWriter, r *http.Request, target, endpoint, key string, start time.Time) {
	// detached so one caller going away does not fail the others
	ctx := context.WithoutCancel(r.Context())

	v, err, shared := sp.manifests.Do(key, func() (any, error) {
		if entry, ok := sp.Cache.Get(key); ok {
			return entry, nil
		}

		resp, err := sp.Fetch(ctx, target, r.Header)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		return sp.rewriteAndStore(resp.Body, target, endpoint, key)
	})
	if err != nil {
		sp.writeUpstreamError(w, target, err)
		return
	}

	if shared {
		logger.Debug("{proxy/stream - serveCoalescedManifest} shared in-flight fetch for %s", utils.LogURL(sp.Config, target))
	}

	sp.cacheMisses.Add(1)
	metrics.ManifestCache.WithLabelValues("miss").Inc()
	sp.writeManifest(w, r, v.(cache.Entry), "MISS", start)
}

// rewriteAndStore reads a playlist body, points its references back at the
// proxy and caches the result.
func (sp *StreamProxy) rewriteAndStore(body io.Reader, target, endpoint, key string) (cache.Entry, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if _, err := buf.ReadFrom(io.LimitReader(body, maxManifestBytes)); err != nil {
		return cache.Entry{}, err
	}

	rewritten := parser.RewriteManifest(buf.String(), target, endpoint)
	return sp.Cache.Set(key, rewritten), nil
}

func (sp *StreamProxy) writeManifest(w http.ResponseWriter, r *http.Request, entry cache.Entry, cacheStatus string, start time.Time) {
	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))

	gzw, closeGzip := middleware.NewGzipWriter(w, r)
	defer closeGzip()

	gzw.WriteHeader(http.StatusOK)
	metrics.ProxyLatency.WithLabelValues("manifest").Observe(time.Since(start).Seconds())

	n, err := io.WriteString(gzw, entry.Body)
	sp.bytesRelayed.Add(int64(n))
	metrics.BytesTransferred.WithLabelValues("manifest").Add(float64(n))
	if err != nil {
		logger.Debug("{proxy/stream - writeManifest} client write failed: %v", err)
	}
}

// relaySegment streams a non-playlist origin body to the caller with the
// origin status and the range-related headers.
func (sp *StreamProxy) relaySegment(w http.ResponseWriter, resp *http.Response, body io.Reader, target, label string, start time.Time) {
	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if strings.Contains(target, ".ts") || strings.Contains(target, ".m4s") {
		w.Header().Set("Cache-Control", immutableCacheControl)
	}

	w.WriteHeader(resp.StatusCode)
	metrics.ProxyLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())

	n, err := sp.BufferPool.Copy(w, body)
	sp.bytesRelayed.Add(n)
	metrics.BytesTransferred.WithLabelValues("segment").Add(float64(n))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("{proxy/stream - relaySegment} relay of %s stopped after %s: %v", utils.LogURL(sp.Config, target), utils.FormatBytes(n), err)
	}
}

func (sp *StreamProxy) writeUpstreamError(w http.ResponseWriter, target string, err error) {
	logger.Error("{proxy/stream - HandleProxy} upstream failed for %s: %v", utils.LogURL(sp.Config, target), err)
	writeJSONError(w, http.StatusBadGateway, err.Error())
}

// endpointFor returns the absolute URL of the proxy route as the caller sees
// it. A configured BaseURL wins over request-derived values.
func (sp *StreamProxy) endpointFor(r *http.Request) string {
	if base := strings.TrimRight(sp.Config.BaseURL, "/"); base != "" {
		return base + sp.Config.ProxyPath
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	return scheme + "://" + host + r.URL.Path
}

func cacheKey(endpoint, target string) string {
	return endpoint + "|" + target
}

// isPlaylist decides whether an origin response is an HLS playlist, by
// content type, by URL, and for ambiguous bodies by their first bytes.
func isPlaylist(resp *http.Response, target string, body *bufio.Reader) bool {
	ct := resp.Header.Get("Content-Type")
	if ct != "" {
		mt := contenttype.NewMediaType(ct)
		switch {
		case strings.Contains(strings.ToLower(ct), "mpegurl"):
			return true
		case mt.Type == "video" || mt.Type == "audio" || mt.Type == "image":
			return false
		}
	}

	if strings.Contains(target, ".m3u8") {
		return true
	}
	if resp.StatusCode == http.StatusPartialContent {
		return false
	}

	prefix, _ := body.Peek(sniffBytes)
	return detect.Sniff(prefix) == detect.HLS
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
