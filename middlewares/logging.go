package middlewares

import (
	"io"
	"net/http"
	"time"

	"metarelay/app"
	"metarelay/logging"
	"metarelay/metrics"
	"metarelay/writer"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id to the origin and back to the client.
const RequestIDHeader = "X-Request-Id"

// requestBodyPreview bounds how much of a request body the verbose log shows.
const requestBodyPreview = 4 * 1024

// LoggingMiddleware is an HTTP middleware that logs requests and responses.
// It assigns a request id, tracks metrics such as active connections and data
// transferred, and writes one access log line per request. In verbose mode the
// start of the request and response bodies is logged too; bodies are observed
// as they stream, never buffered ahead of the handler.
//
// Parameters:
// - next: The next http.Handler to be called.
// - p: The pipeline whose configuration and logger apply to this request.
//
// Returns:
// - http.Handler: A handler that logs requests, responses, and metrics based on the provided configuration.
func LoggingMiddleware(next http.Handler, p *app.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cfg := p.Config

		if cfg.Metrics.Enabled {
			metrics.UpdateActiveConnections(true)
			defer metrics.UpdateActiveConnections(false)
		}

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(RequestIDHeader, requestID)
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx, info := logging.WithRequestInfo(r.Context(), requestID)
		r = r.WithContext(ctx)

		verbose := cfg.Logging.Enabled && cfg.Logging.Verbose
		var bodyPreview *writer.LimitedBuffer
		if verbose && r.Body != nil && r.Body != http.NoBody {
			bodyPreview = writer.NewLimitedBuffer(requestBodyPreview)
			r.Body = teeBody{Reader: io.TeeReader(r.Body, previewSink{bodyPreview}), Closer: r.Body}
		}

		var opts []writer.WriterOption
		if verbose {
			opts = append(opts, writer.WithPreview(writer.DefaultPreviewSize))
		}
		lrw := writer.NewResponseWriter(w, opts...)

		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		status := lrw.StatusCode
		if status == 0 {
			status = http.StatusOK
		}

		if cfg.Metrics.Enabled {
			kind, route := info.Labels()
			metrics.RecordRequest(r.Method, metrics.RouteLabel(route, kind), status, duration.Seconds())
			metrics.RecordDataTransferred("inbound", r.ContentLength)
			metrics.RecordDataTransferred("outbound", lrw.GetMetrics().BytesWritten)
		}

		if !cfg.Logging.Enabled {
			return
		}
		if verbose {
			var body []byte
			if bodyPreview != nil {
				body = bodyPreview.Bytes()
			}
			logging.LogRequestVerbose(p.Logger, r, body, status, duration)
			logging.LogResponse(p.Logger, lrw)
		}
		logging.LogRequestCompact(p.Logger, r, status, duration)
	})
}

type teeBody struct {
	io.Reader
	io.Closer
}

// previewSink drops ErrBufferFull so the tee keeps streaming once the preview is full.
type previewSink struct {
	buf *writer.LimitedBuffer
}

func (s previewSink) Write(p []byte) (int, error) {
	_, _ = s.buf.Write(p)
	return len(p), nil
}
