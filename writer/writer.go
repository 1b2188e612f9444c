// Package writer wraps http.ResponseWriter to observe what the relay sends
// back: status, byte count and, when asked, a bounded preview of the body.
package writer

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// DefaultPreviewSize is the body preview kept for verbose logging (4KB).
const DefaultPreviewSize = 4 * 1024

// ResponseWriter records the status code and bytes written while passing
// everything through unchanged. Flush and Hijack are forwarded so streaming
// rewrites and WebSocket upgrades keep working behind it.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int   // HTTP status code, 0 until headers are written
	BytesWritten int64 // Total body bytes written

	preview     *LimitedBuffer
	contentType string

	writeHeaderOnce sync.Once
	headerMu        sync.Mutex
}

// WriterOption allows customization of ResponseWriter behavior.
type WriterOption func(*ResponseWriter)

// WithPreview keeps the first size bytes of the body for logging.
//
// Parameters:
// - size: Preview size in bytes; 0 disables the preview.
//
// Returns:
// - WriterOption: The option function
func WithPreview(size int) WriterOption {
	return func(rw *ResponseWriter) {
		if size > 0 {
			rw.preview = NewLimitedBuffer(size)
		}
	}
}

// NewResponseWriter wraps w.
//
// Parameters:
// - w: The underlying http.ResponseWriter
// - opts: Optional configuration options
//
// Returns:
// - *ResponseWriter: The wrapped response writer
func NewResponseWriter(w http.ResponseWriter, opts ...WriterOption) *ResponseWriter {
	rw := &ResponseWriter{ResponseWriter: w}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// WriteHeader records the status code and forwards it once.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.writeHeaderOnce.Do(func() {
		rw.headerMu.Lock()
		rw.StatusCode = statusCode
		rw.contentType = rw.Header().Get("Content-Type")
		rw.headerMu.Unlock()

		rw.ResponseWriter.WriteHeader(statusCode)
	})
}

// Write forwards b, counting it and copying it into the preview while there is room.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.BytesWritten, int64(n))
	if rw.preview != nil && n > 0 {
		_, _ = rw.preview.Write(b[:n])
	}
	return n, err
}

// HeadersWritten returns true if headers have been written.
func (rw *ResponseWriter) HeadersWritten() bool {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.StatusCode != 0
}

// Hijack implements the http.Hijacker interface.
//
// Returns:
// - net.Conn: The network connection
// - *bufio.ReadWriter: Buffered reader/writer
// - error: http.ErrNotSupported if the underlying writer cannot be hijacked
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

// Flush implements the http.Flusher interface.
func (rw *ResponseWriter) Flush() {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying writer for http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ResponseMetrics summarizes a finished response.
type ResponseMetrics struct {
	StatusCode       int    // HTTP status code
	BytesWritten     int64  // Total bytes written
	ContentType      string // Content-Type header value
	PreviewBytes     int    // Bytes held in the preview
	PreviewTruncated bool   // Whether the body was longer than the preview
}

// GetMetrics returns the response summary.
func (rw *ResponseWriter) GetMetrics() ResponseMetrics {
	rw.headerMu.Lock()
	m := ResponseMetrics{StatusCode: rw.StatusCode, ContentType: rw.contentType}
	rw.headerMu.Unlock()

	m.BytesWritten = atomic.LoadInt64(&rw.BytesWritten)
	if rw.preview != nil {
		m.PreviewBytes = rw.preview.Len()
		m.PreviewTruncated = rw.preview.IsOverflow()
	}
	return m
}

// Preview returns the buffered start of the body, or "" without WithPreview.
func (rw *ResponseWriter) Preview() string {
	if rw.preview == nil {
		return ""
	}
	return rw.preview.String()
}
