package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"metarelay/logging"

	"github.com/gorilla/websocket"
)

// forwardedHeaders are copied from the client handshake to the origin handshake.
var forwardedHeaders = []string{"Cookie", "User-Agent", "Authorization", "Sec-WebSocket-Protocol"}

// TargetURL maps an inbound request onto the origin's WebSocket endpoint,
// switching http(s) to ws(s).
func TargetURL(origin *url.URL, r *http.Request) string {
	target := url.URL{
		Scheme:   "ws",
		Host:     origin.Host,
		Path:     strings.TrimSuffix(origin.Path, "/") + r.URL.Path,
		RawPath:  strings.TrimSuffix(origin.EscapedPath(), "/") + r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
	}
	if origin.Scheme == "https" {
		target.Scheme = "wss"
	}
	return target.String()
}

// HandleWebSocketProxy handles the proxying of WebSocket connections between a client and the origin.
// It dials the origin first, so a failing origin is reported as 502 before the client is upgraded,
// then forwards messages in both directions until either side closes.
//
// Parameters:
//   - w: The HTTP response writer.
//   - r: The HTTP request.
//   - targetURL: The ws(s) URL of the origin endpoint.
//   - host: The virtual host presented to the origin.
//   - logger: The logger instance.
func HandleWebSocketProxy(w http.ResponseWriter, r *http.Request, targetURL, host string, logger *slog.Logger) {
	header := http.Header{}
	for _, name := range forwardedHeaders {
		for _, value := range r.Header.Values(name) {
			header.Add(name, value)
		}
	}
	if host != "" {
		header.Set("Host", host)
	}

	serverConn, resp, err := websocket.DefaultDialer.DialContext(r.Context(), targetURL, header)
	if err != nil {
		logger.Error("Failed to connect to origin WebSocket", slog.String("target", targetURL), slog.Any("details", err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer func() {
		if err := serverConn.Close(); err != nil {
			logger.Debug("Error closing origin WebSocket connection", slog.Any("details", err))
		}
	}()

	var upgradeHeader http.Header
	if protocol := resp.Header.Get("Sec-WebSocket-Protocol"); protocol != "" {
		upgradeHeader = http.Header{"Sec-WebSocket-Protocol": {protocol}}
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	clientConn, err := upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Error("Failed to upgrade to WebSocket", slog.Any("details", err))
		return
	}
	defer func() {
		if err := clientConn.Close(); err != nil {
			logger.Debug("Error closing client WebSocket connection", slog.Any("details", err))
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := CopyWebSocketMessages(clientConn, serverConn, logger); err != nil {
			logger.Debug("Client to origin copy ended", slog.Any("details", err))
		}
		serverConn.Close()
	}()

	if err := CopyWebSocketMessages(serverConn, clientConn, logger); err != nil {
		logger.Debug("Origin to client copy ended", slog.Any("details", err))
	}
	clientConn.Close()
	<-done
}

// CopyWebSocketMessages copies messages from the source WebSocket connection to the destination WebSocket connection.
// It logs the details of the messages and any errors that occur during the process.
//
// Parameters:
//   - src: The source WebSocket connection.
//   - dest: The destination WebSocket connection.
//   - logger: The logger instance.
//
// Returns:
//   - error: The error that ended the copy, including normal closure.
func CopyWebSocketMessages(src, dest *websocket.Conn, logger *slog.Logger) error {
	for {
		startTime := time.Now()
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				_ = dest.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(time.Second))
			}
			return err
		}
		logging.LogWebSocketMessage(logger, messageType, message, nil, time.Since(startTime))

		if err := dest.WriteMessage(messageType, message); err != nil {
			logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			return err
		}
	}
}

// IsWebSocketRequest checks if the given HTTP request is a WebSocket upgrade request.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
