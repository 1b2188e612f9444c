package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"metarelay/writer"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

var (
	defaultLogger *slog.Logger
	defaultOnce   sync.Once
)

// Predefined styles for formatting log messages using the `color` package.
var (
	methodStyle       = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()     // methodStyle formats HTTP methods.
	detailStyle       = color.New(color.FgHiWhite, color.BgRed).SprintFunc()       // detailStyle formats detailed log sections.
	boldWhiteStyle    = color.New(color.FgWhite, color.Bold).SprintFunc()          // boldWhiteStyle formats text in bold white.
	urlStyle          = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()    // urlStyle formats URLs.
	headersStyle      = color.New(color.FgHiWhite, color.BgHiMagenta).SprintFunc() // headersStyle formats HTTP headers.
	statusStyle       = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()    // statusStyle formats HTTP status codes.
	responseTimeStyle = color.New(color.FgHiWhite, color.BgHiYellow).SprintFunc()  // responseTimeStyle formats response times.
	warningStyle      = color.New(color.FgHiWhite, color.BgMagenta).SprintFunc()   // warningStyle formats warnings.
)

// ParseLevel maps a configured level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitializeLogger initializes a new logger with the specified log level.
func InitializeLogger(level string) *slog.Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))

	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: levelVar, TimeFormat: time.DateTime})
	return slog.New(handler)
}

// GetLogger returns the process-wide fallback logger, used only when a caller has none.
func GetLogger() *slog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = InitializeLogger("info")
	})
	return defaultLogger
}

// RequestInfo collects what the relay learned about a request while serving it,
// so the access log line can carry it.
type RequestInfo struct {
	mu sync.Mutex

	RequestID string
	Kind      string
	Client    string
	Route     string
	Metadata  string
}

// Set applies fn under the info's lock.
func (i *RequestInfo) Set(fn func(*RequestInfo)) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(i)
}

// Labels returns the request's kind and matched route pattern; both are empty
// when i is nil or the request was never classified.
func (i *RequestInfo) Labels() (kind, route string) {
	if i == nil {
		return "", ""
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Kind, i.Route
}

func (i *RequestInfo) attrs() []any {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	attrs := []any{slog.String("request_id", i.RequestID)}
	if i.Kind != "" {
		attrs = append(attrs, slog.String("kind", i.Kind), slog.String("client", i.Client))
	}
	if i.Route != "" {
		attrs = append(attrs, slog.String("route", i.Route))
	}
	if i.Metadata != "" {
		attrs = append(attrs, slog.String("metadata", i.Metadata))
	}
	return attrs
}

type requestInfoKey struct{}

// WithRequestInfo attaches a fresh RequestInfo to ctx.
func WithRequestInfo(ctx context.Context, requestID string) (context.Context, *RequestInfo) {
	info := &RequestInfo{RequestID: requestID}
	return context.WithValue(ctx, requestInfoKey{}, info), info
}

// RequestInfoFrom returns the RequestInfo attached to ctx, or nil.
func RequestInfoFrom(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info
}

// LogRequestVerbose logs detailed information about the HTTP request and response for debugging purposes.
//
// Parameters:
// - logger: The logger to write to.
// - req: The client request.
// - body: The start of the request body, as captured by the logging middleware.
// - statusCode: The status sent to the client.
// - duration: Time spent serving the request.
func LogRequestVerbose(logger *slog.Logger, req *http.Request, body []byte, statusCode int, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Request Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", methodStyle("Method:"), boldWhiteStyle(req.Method)))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", urlStyle("URL:"), boldWhiteStyle(req.URL.String())))

	sb.WriteString(headersStyle("Request Headers:"))
	sb.WriteString("\n")
	for name, values := range req.Header {
		for _, h := range values {
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), h))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s\n\t%s\n\n", urlStyle("Request Body:"), string(body)))

	sb.WriteString(detailStyle("----------- Response Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n\n", statusStyle("Status Code:"), statusCode))
	sb.WriteString(fmt.Sprintf("%s: %.6f seconds\n\n", boldWhiteStyle("Response Time:"), duration.Seconds()))

	sb.WriteString(detailStyle("---------------------------------------"))

	logger.Debug("Verbose request details", slog.String("formatted_output", sb.String()))
}

// LogRequestCompact logs the HTTP request and response in a compact format using structured logging.
// The request's RequestInfo, when present, adds the request id and classification.
func LogRequestCompact(logger *slog.Logger, r *http.Request, statusCode int, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}

	attrs := []any{
		slog.String("client_ip", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("url", r.URL.Path),
		slog.String("protocol", r.Proto),
		slog.Int("status_code", statusCode),
		slog.String("referer", r.Header.Get("Referer")),
		slog.String("user_agent", r.Header.Get("User-Agent")),
		slog.Float64("duration_seconds", duration.Seconds()),
	}
	attrs = append(attrs, RequestInfoFrom(r.Context()).attrs()...)

	logger.Info("HTTP request processed", attrs...)
}

// LogResponse logs the response headers and body preview captured by lrw.
func LogResponse(logger *slog.Logger, lrw *writer.ResponseWriter) {
	if logger == nil {
		logger = GetLogger()
	}

	metrics := lrw.GetMetrics()

	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Response Details ----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n\n", responseTimeStyle("Status Code:"), metrics.StatusCode))

	if metrics.ContentType != "" {
		sb.WriteString(fmt.Sprintf("%s: %s\n\n", boldWhiteStyle("Content-Type:"), metrics.ContentType))
	}
	sb.WriteString(fmt.Sprintf("%s: %d bytes\n\n", boldWhiteStyle("Total Bytes Written:"), metrics.BytesWritten))

	sb.WriteString(headersStyle("Headers:"))
	sb.WriteString("\n")
	for name, values := range lrw.Header() {
		for _, value := range values {
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), value))
		}
	}

	sb.WriteString("\n")
	switch preview := lrw.Preview(); {
	case preview == "":
		sb.WriteString(fmt.Sprintf("%s: [Empty]\n", responseTimeStyle("Body:")))
	case metrics.PreviewTruncated:
		sb.WriteString(fmt.Sprintf("%s:\n\t%s\n\n", responseTimeStyle("Body (Truncated):"), preview))
		sb.WriteString(fmt.Sprintf("%s: Showing %d of %d bytes.\n",
			warningStyle("NOTE:"), metrics.PreviewBytes, metrics.BytesWritten))
	default:
		sb.WriteString(fmt.Sprintf("%s:\n\t%s\n", responseTimeStyle("Body:"), preview))
	}

	sb.WriteString("\n")
	sb.WriteString(detailStyle("--------------------------------------"))

	logger.Debug("Verbose response details", slog.String("formatted_output", sb.String()))
}

// LogWebSocketMessage logs the details of a WebSocket message using structured logging.
func LogWebSocketMessage(logger *slog.Logger, messageType int, message []byte, err error, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}

	logAttributes := []any{
		slog.String("type", getMessageTypeString(messageType)),
		slog.Float64("duration_seconds", duration.Seconds()),
	}

	if err != nil {
		logAttributes = append(logAttributes, slog.String("error", err.Error()))
		logger.Error("WebSocket message processing error", logAttributes...)
		return
	}

	switch messageType {
	case websocket.TextMessage:
		logAttributes = append(logAttributes, slog.String("message_content", truncateMessage(message)))
		logger.Debug("WebSocket text message relayed", logAttributes...)
	case websocket.PingMessage, websocket.PongMessage:
		logger.Debug("WebSocket ping/pong message relayed", logAttributes...)
	default:
		logAttributes = append(logAttributes, slog.Int("message_size_bytes", len(message)))
		logger.Debug("WebSocket message relayed", logAttributes...)
	}
}

// truncateMessage shortens long text frames for the log.
func truncateMessage(message []byte) string {
	const maxLength = 100
	if len(message) > maxLength {
		return string(message[:maxLength]) + "..."
	}
	return string(message)
}

func getMessageTypeString(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "Text"
	case websocket.BinaryMessage:
		return "Binary"
	case websocket.CloseMessage:
		return "Close"
	case websocket.PingMessage:
		return "Ping"
	case websocket.PongMessage:
		return "Pong"
	default:
		return "Unknown"
	}
}
