package metrics

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"
)

// statusWriter captures the status code a handler writes so the middleware
// can label the request counter. WHIP responses stream SDP bodies and the
// proxy relays them with io.Copy, so the wrapper forwards Flusher, Hijacker,
// and ReaderFrom when the underlying writer has them.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (sw *statusWriter) ReadFrom(r io.Reader) (int64, error) {
	if readerFrom, ok := sw.ResponseWriter.(io.ReaderFrom); ok {
		return readerFrom.ReadFrom(r)
	}
	return io.Copy(sw.ResponseWriter, r)
}

// HTTPMiddleware counts and times every gateway request on the given
// recorder. A nil recorder falls back to the process-wide default.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		rec.ObserveRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
