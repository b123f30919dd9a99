package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"streamguard/work/logger"
)

// gzipWriterPool holds BestSpeed gzip writers shared by all compressed responses.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter compresses the body written through it. Content-Length
// set by the handler is dropped at WriteHeader time since the compressed size
// differs.
type gzipResponseWriter struct {
	io.Writer                // Embedded gzip writer for compressed output
	http.ResponseWriter      // Embedded original response writer for header access
	wroteHeader         bool // Tracks whether WriteHeader has been called
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush pushes pending compressed bytes to the client.
func (w *gzipResponseWriter) Flush() {
	// flush the gzip writer's internal buffer first
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}

	// then flush the underlying response writer if it supports it
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// NewGzipWriter wraps w with a pooled gzip writer when r accepts gzip.
// The returned close func must be called once the body is complete; for
// clients without gzip support w is returned unchanged with a no-op close.
func NewGzipWriter(w http.ResponseWriter, r *http.Request) (http.ResponseWriter, func()) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return w, func() {}
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")

	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(w)

	closeFn := func() {
		if err := gz.Close(); err != nil {
			logger.Error("{compression - NewGzipWriter} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
		}
		gzipWriterPool.Put(gz)
	}

	return &gzipResponseWriter{Writer: gz, ResponseWriter: w}, closeFn
}

// GzipMiddleware compresses responses for clients that advertise gzip in
// Accept-Encoding. Segment bodies are already compressed media and must not
// be routed through it.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gzw, closeFn := NewGzipWriter(w, r)
		defer closeFn()

		next(gzw, r)
	}
}
