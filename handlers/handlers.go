package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"metarelay/app"
	"metarelay/classifier"
	"metarelay/config"
	"metarelay/logging"
	"metarelay/metadata"
	"metarelay/metrics"
	cmid "metarelay/middlewares"
	"metarelay/rewrite"
	"metarelay/routes"
	"metarelay/websocket"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	BadGatewayMessage     = "Bad Gateway"
	GatewayTimeoutMessage = "Gateway Timeout"
)

var tracer = otel.Tracer("metarelay/handlers")

// ProxyHandler is the relay's root handler. Each request runs against the
// pipeline current at its start; the middleware chain is rebuilt whenever the
// pipeline is swapped.
type ProxyHandler struct {
	relay *app.Relay
	chain atomic.Pointer[chain]
}

type chain struct {
	pipeline *app.Pipeline
	handler  http.Handler
}

// NewProxyHandler creates the root handler for relay.
func NewProxyHandler(relay *app.Relay) *ProxyHandler {
	return &ProxyHandler{relay: relay}
}

// ServeHTTP serves the metrics endpoint, tunnels WebSocket upgrades, and sends
// everything else through the middleware chain into ServeProxy.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := h.relay.Pipeline()

	if p.Config.Metrics.Enabled && isMetricsEndpoint(r.URL.Path, p.Config.Metrics.Path) {
		p.Logger.Debug("Handling metrics endpoint")
		metrics.ExposeMetricsHandler().ServeHTTP(w, r)
		return
	}

	if websocket.IsWebSocketRequest(r) {
		p.Logger.Info("Upgrading to WebSocket", "path", r.URL.Path)
		websocket.HandleWebSocketProxy(w, r, websocket.TargetURL(p.Config.Origin.BaseURL, r), p.Config.Origin.Host, p.Logger)
		return
	}

	h.chainFor(p).ServeHTTP(w, r)
}

func (h *ProxyHandler) chainFor(p *app.Pipeline) http.Handler {
	if c := h.chain.Load(); c != nil && c.pipeline == p {
		return c.handler
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeProxy(p, w, r)
	})
	c := &chain{pipeline: p, handler: applyMiddlewares(p, handler)}
	h.chain.Store(c)
	return c.handler
}

// applyMiddlewares applies the configured middlewares to the given handler,
// with request logging outermost.
//
// Parameters:
// - p: The pipeline providing configuration, logger and Redis client.
// - handler: The HTTP handler to which the middlewares will be applied.
//
// Returns:
// - http.Handler: The handler with the applied middlewares.
func applyMiddlewares(p *app.Pipeline, handler http.Handler) http.Handler {
	cfg := p.Config
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		switch cfg.Middlewares[i] {
		case "rate-limiter":
			if cfg.RateLimiting.Enabled {
				p.Logger.Debug("Applying Rate Limiter Middleware")
				handler = cmid.RateLimiterMiddleware(handler, cmid.NewIPRateLimiter(cfg.RateLimiting), p.Logger)
			}
		case "rate-limiter-redis":
			if cfg.RateLimiting.Enabled && p.Redis != nil {
				p.Logger.Debug("Applying Redis Rate Limiter Middleware")
				handler = cmid.RateLimiterMiddlewareWithRedis(handler, cfg.RateLimiting, p.Redis, p.Logger)
			}
		}
	}
	return cmid.LoggingMiddleware(handler, p)
}

// ServeProxy classifies the request and runs the matching branch: asset
// redirect or passthrough, page-data patching, or HTML rewriting.
//
// Parameters:
// - p: The pipeline snapshot for this request.
// - w: The HTTP response writer.
// - r: The HTTP request.
func ServeProxy(p *app.Pipeline, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if p.Config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Config.RequestTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "relay.request")
	defer span.End()
	r = r.WithContext(ctx)

	req := p.Classifier.ClassifyRequest(r)
	span.SetAttributes(
		attribute.String("relay.kind", req.Kind.String()),
		attribute.String("relay.client", req.Client()),
	)
	logging.RequestInfoFrom(ctx).Set(func(i *logging.RequestInfo) {
		i.Kind = req.Kind.String()
		i.Client = req.Client()
	})
	if p.Config.Metrics.Enabled {
		metrics.RecordClassification(req.Kind.String(), req.Client())
	}

	switch req.Kind {
	case classifier.KindPageData:
		servePageData(p, w, r, req)
	case classifier.KindAsset:
		// An asset path that is also a route is a page.
		if _, matched := p.Routes.Match(req.Path); !matched {
			serveAsset(p, w, r, req)
			return
		}
		serveHTML(p, w, r, req)
	default:
		serveHTML(p, w, r, req)
	}
}

func serveAsset(p *app.Pipeline, w http.ResponseWriter, r *http.Request, req classifier.Request) {
	idempotent := r.Method == http.MethodGet || r.Method == http.MethodHead
	if idempotent && !req.IsRestrictiveBrowser && p.Config.Origin.AssetMode == config.AssetModeRedirect {
		recordRewrite(p, "redirect", "ok")
		http.Redirect(w, r, p.Fetcher.OriginURL(req.OriginPath(), req.Query), http.StatusFound)
		return
	}

	start := time.Now()
	proxy := p.Fetcher.ReverseProxy(func(w http.ResponseWriter, _ *http.Request, err error) {
		writeOriginError(p, w, err)
	})
	sanitize := proxy.ModifyResponse
	proxy.ModifyResponse = func(resp *http.Response) error {
		if p.Config.Metrics.Enabled {
			metrics.RecordOriginDuration(resp.StatusCode, time.Since(start).Seconds())
		}
		return sanitize(resp)
	}
	recordRewrite(p, "passthrough", "asset")
	proxy.ServeHTTP(w, r)
}

func servePageData(p *app.Pipeline, w http.ResponseWriter, r *http.Request, req classifier.Request) {
	rule, refPath, matched, err := p.Routes.MatchReferer(req.Referer)
	switch {
	case errors.Is(err, routes.ErrMalformedReferer):
		p.Logger.Warn("Ignoring malformed referer for page data", "referer", req.Referer, "error", err)
	case err != nil:
		p.Logger.Debug("Page data requested without referer", "path", req.Path)
	}
	if matched {
		setRoute(r.Context(), rule)
	}

	resp, md, resolved, err := fetchWithMetadata(p, r, req, rule, refPath, matched)
	if err != nil {
		writeOriginError(p, w, err)
		return
	}
	defer resp.Body.Close()

	if !resolved || !isSuccess(resp.StatusCode) || isEncoded(resp) || r.Method == http.MethodHead {
		recordRewrite(p, "passthrough", "page_data")
		copyResponse(p, w, r, resp, resp.Body)
		return
	}

	limit := p.Config.Rewrite.MaxJSONBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		writeOriginError(p, w, err)
		return
	}
	if int64(len(body)) > limit {
		p.Logger.Warn("Page data exceeds rewrite.max_json_bytes, serving unmodified", "path", req.Path, "limit", limit)
		recordRewrite(p, "json", "too_large")
		copyResponse(p, w, r, resp, io.MultiReader(bytes.NewReader(body), resp.Body))
		return
	}

	patched, err := rewrite.PatchPageData(body, md, p.Config.Rewrite.Languages)
	if err != nil {
		p.Logger.Warn("Page data could not be patched, serving unmodified", "path", req.Path, "error", err)
		recordRewrite(p, "json", "invalid")
		copyResponse(p, w, r, resp, bytes.NewReader(body))
		return
	}

	recordRewrite(p, "json", "patched")
	copyHeader(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(patched); err != nil {
		p.Logger.Debug("Writing patched page data failed", "error", err)
	}
}

func serveHTML(p *app.Pipeline, w http.ResponseWriter, r *http.Request, req classifier.Request) {
	rw := p.Config.Rewrite
	rule, matched := p.Routes.Match(req.Path)
	if matched {
		setRoute(r.Context(), rule)
	}
	wantMetadata := matched && (req.IsBot || config.Enabled(rw.TitleInjection) || config.Enabled(rw.StabilityScript))

	resp, md, resolved, err := fetchWithMetadata(p, r, req, rule, routes.Normalize(req.Path), wantMetadata)
	if err != nil {
		writeOriginError(p, w, err)
		return
	}
	defer resp.Body.Close()

	if !isHTML(resp) || isEncoded(resp) {
		recordRewrite(p, "passthrough", "not_html")
		copyResponse(p, w, r, resp, resp.Body)
		return
	}

	resolved = resolved && isSuccess(resp.StatusCode)
	opts := rewrite.HTMLOptions{}
	if req.IsBot {
		if resolved {
			opts.Metadata = md
			opts.InjectMetadata = true
			opts.FaviconURL = p.Config.Origin.FaviconURL()
			opts.DefaultMeta = config.Enabled(rw.DefaultMeta)
		}
	} else {
		if config.Enabled(rw.AssetRewrite) {
			opts.AssetOrigin = p.Config.Origin.OriginRoot()
		}
		if resolved {
			opts.Metadata = md
			opts.InjectTitle = config.Enabled(rw.TitleInjection)
			if config.Enabled(rw.StabilityScript) {
				endpoint := metadata.EndpointURL(rule.Endpoint, metadata.EntityID(req.Path))
				script, err := rewrite.StabilityScript(md, rule, endpoint)
				if err != nil {
					p.Logger.Warn("Title guard script could not be rendered", "error", err)
				}
				opts.HeadScript = script
			}
		}
	}

	copyHeader(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	result := "stripped"
	if opts.InjectMetadata || opts.InjectTitle {
		result = "injected"
	}
	recordRewrite(p, "html", result)
	if err := rewrite.RewriteHTML(w, resp.Body, opts); err != nil {
		// Headers are gone; the client sees a truncated body.
		p.Logger.Warn("HTML rewrite aborted", "path", req.Path, "error", err)
	}
}

// fetchWithMetadata fetches the origin response and, when wantMetadata is set,
// resolves metadata for metaPath concurrently. Metadata failures are logged
// and reported as resolved == false; only origin failures return an error.
func fetchWithMetadata(p *app.Pipeline, r *http.Request, req classifier.Request, rule routes.Rule, metaPath string, wantMetadata bool) (*http.Response, metadata.Metadata, bool, error) {
	ctx := r.Context()
	g, gctx := errgroup.WithContext(ctx)

	var (
		md       metadata.Metadata
		resolved bool
		resp     *http.Response
	)
	if wantMetadata {
		g.Go(func() error {
			result, err := p.Resolver.Resolve(gctx, metaPath, rule.Endpoint)
			if err != nil {
				p.Logger.Warn("Metadata unavailable, serving without it", "path", metaPath, "error", err)
				recordMetadata(p, r.Context(), metrics.OutcomeUnavailable)
				return nil
			}
			md, resolved = result, !result.IsEmpty()
			recordMetadata(p, r.Context(), metrics.OutcomeResolved)
			return nil
		})
	}
	g.Go(func() error {
		// Bound to ctx, not gctx: the body is read after Wait cancels gctx.
		var err error
		resp, err = fetchOrigin(p, r, req)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, metadata.Metadata{}, false, err
	}
	return resp, md, resolved, nil
}

// fetchOrigin requests an uncompressed body that the caller may rewrite.
func fetchOrigin(p *app.Pipeline, r *http.Request, req classifier.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := p.Fetcher.Fetch(r.Context(), r, req, true)
	if err != nil {
		return nil, err
	}
	if p.Config.Metrics.Enabled {
		metrics.RecordOriginDuration(resp.StatusCode, time.Since(start).Seconds())
	}
	return resp, nil
}

// copyResponse relays status, headers and body unchanged.
func copyResponse(p *app.Pipeline, w http.ResponseWriter, r *http.Request, resp *http.Response, body io.Reader) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		p.Logger.Debug("Copying origin body failed", "path", r.URL.Path, "error", err)
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
	rewrite.SanitizeHeaders(dst)
}

// writeOriginError maps an origin failure to 504 on timeout and 502 otherwise.
func writeOriginError(p *app.Pipeline, w http.ResponseWriter, err error) {
	p.Logger.Error("Error proxying request", "error", err)
	if isTimeout(err) {
		http.Error(w, GatewayTimeoutMessage, http.StatusGatewayTimeout)
		return
	}
	http.Error(w, BadGatewayMessage, http.StatusBadGateway)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func isHTML(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}

// isEncoded reports a compressed body, which cannot be rewritten as text.
func isEncoded(resp *http.Response) bool {
	ce := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	return ce != "" && ce != "identity"
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func setRoute(ctx context.Context, rule routes.Rule) {
	logging.RequestInfoFrom(ctx).Set(func(i *logging.RequestInfo) {
		i.Route = rule.Pattern.String()
	})
}

func recordMetadata(p *app.Pipeline, ctx context.Context, outcome string) {
	logging.RequestInfoFrom(ctx).Set(func(i *logging.RequestInfo) {
		i.Metadata = outcome
	})
	if p.Config.Metrics.Enabled {
		metrics.RecordMetadataResolution(outcome)
	}
}

func recordRewrite(p *app.Pipeline, mode, result string) {
	if p.Config.Metrics.Enabled {
		metrics.RecordRewrite(mode, result)
	}
}

// isMetricsEndpoint checks if the request path matches the configured metrics path.
func isMetricsEndpoint(requestPath string, metricsPath string) bool {
	return requestPath == metricsPath
}
