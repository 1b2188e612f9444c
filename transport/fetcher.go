package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"

	"metarelay/classifier"
	"metarelay/config"
	"metarelay/rewrite"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrOriginUnavailable wraps network failures talking to the origin.
var ErrOriginUnavailable = errors.New("origin unavailable")

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher issues upstream requests to the origin application. It never retries.
type Fetcher struct {
	origin *config.OriginConfig
	rt     http.RoundTripper
}

// NewFetcher creates a fetcher sending requests through rt wrapped in Caronte.
func NewFetcher(origin *config.OriginConfig, rt http.RoundTripper) *Fetcher {
	return &Fetcher{origin: origin, rt: NewCaronte(rt, origin)}
}

// OriginURL returns the absolute origin URL for an escaped path and raw query.
func (f *Fetcher) OriginURL(path, query string) string {
	target := f.origin.OriginRoot() + path
	if query != "" {
		target += "?" + query
	}
	return target
}

// Fetch forwards the inbound request to the origin and returns its response
// with X-Robots-Tag removed. Redirects are returned, not followed.
//
// Parameters:
// - ctx: Context bounding the whole exchange, body included.
// - in: The inbound client request; its body is forwarded unchanged.
// - req: The classification of the inbound request.
// - rewritable: Whether the caller may rewrite the body; if so the client's
//   Accept-Encoding is dropped so the origin answers uncompressed.
//
// Returns:
// - *http.Response: The origin response; the caller must close its body.
// - error: An error wrapping ErrOriginUnavailable if the origin could not be reached.
func (f *Fetcher) Fetch(ctx context.Context, in *http.Request, req classifier.Request, rewritable bool) (*http.Response, error) {
	ctx, span := otel.Tracer("metarelay/transport").Start(ctx, "origin.fetch")
	defer span.End()

	target := f.OriginURL(req.OriginPath(), req.Query)
	span.SetAttributes(
		attribute.String("http.method", in.Method),
		attribute.String("origin.url", target),
	)

	body := in.Body
	if in.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building origin request: %w", err)
	}
	out.ContentLength = in.ContentLength
	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)

	if rewritable {
		out.Header.Del("Accept-Encoding")
	}
	setForwardedHeaders(out, in)

	resp, err := f.rt.RoundTrip(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrOriginUnavailable, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	removeHopHeaders(resp.Header)
	rewrite.SanitizeHeaders(resp.Header)
	return resp, nil
}

// ReverseProxy returns a streaming proxy to the origin for responses that are
// relayed as they are. It shares the fetcher's transport and header policy and
// strips X-Robots-Tag from every response.
//
// Parameters:
// - errorHandler: Called when the origin cannot be reached.
//
// Returns:
// - *httputil.ReverseProxy: The proxy, ready to serve a single request.
func (f *Fetcher) ReverseProxy(errorHandler func(http.ResponseWriter, *http.Request, error)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(f.origin.BaseURL)
			// Rewrite drops the inbound chain; SetXForwarded appends to what is on Out.
			if prior := pr.In.Header.Values(XForwardedFor); len(prior) > 0 {
				pr.Out.Header[XForwardedFor] = append([]string(nil), prior...)
			}
			pr.SetXForwarded()
		},
		Transport: f.rt,
		ModifyResponse: func(resp *http.Response) error {
			rewrite.SanitizeHeaders(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			errorHandler(w, r, fmt.Errorf("%w: %w", ErrOriginUnavailable, err))
		},
	}
}

func setForwardedHeaders(out, in *http.Request) {
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Values(XForwardedFor); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		out.Header.Set(XForwardedFor, clientIP)
	}

	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	if p := in.Header.Get(XForwardedProto); p != "" {
		proto = p
	}
	out.Header.Set(XForwardedProto, proto)
	out.Header.Set(XForwardedHost, in.Host)
}

func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
