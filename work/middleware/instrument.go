package middleware

import (
	"net/http"
	"strconv"
	"time"

	"streamguard/work/logger"
)

// StatusRecorder captures the status code and body size written by a
// handler while passing everything through to the wrapped writer.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64

	wroteHeader bool
}

// NewStatusRecorder wraps w with a default status of 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (w *StatusRecorder) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.Status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer when it can flush.
func (w *StatusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StatusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestObserver is called once per request after the handler returns.
type RequestObserver func(r *http.Request, status int, bytes int64, elapsed time.Duration)

// Instrument wraps next, reporting status, size and duration of every
// request to observe and logging failures at debug level.
func Instrument(next http.HandlerFunc, observe RequestObserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		next(rec, r)

		elapsed := time.Since(start)
		if rec.Status >= 400 {
			logger.Debug("{middleware/instrument - Instrument} %s %s -> %s in %v", r.Method, r.URL.Path, strconv.Itoa(rec.Status), elapsed)
		}
		if observe != nil {
			observe(r, rec.Status, rec.Bytes, elapsed)
		}
	}
}
