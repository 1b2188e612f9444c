// Package metadata resolves per-entity SEO metadata from the external metadata API.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrUnavailable wraps every resolution failure. Callers degrade to "no metadata".
var ErrUnavailable = errors.New("metadata unavailable")

// maxBodyBytes caps the metadata API response that is decoded.
const maxBodyBytes = 1 << 20

var placeholderPattern = regexp.MustCompile(`\{[^}]+\}`)

// Metadata describes one entity. An empty field means "leave the existing value untouched".
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
}

// IsEmpty reports whether no field is present.
func (m Metadata) IsEmpty() bool {
	return m == Metadata{}
}

// Resolver turns a path and an endpoint template into metadata.
type Resolver interface {
	Resolve(ctx context.Context, path, endpointTemplate string) (Metadata, error)
}

// Cache stores resolved metadata by endpoint URL.
type Cache interface {
	Get(ctx context.Context, key string) (Metadata, bool, error)
	Set(ctx context.Context, key string, md Metadata) error
}

// HTTPResolver fetches metadata over HTTP. It never retries.
type HTTPResolver struct {
	Client  *http.Client
	Timeout time.Duration
	Cache   Cache
	Logger  *slog.Logger
}

// NewHTTPResolver creates a resolver using client with the given per-call deadline.
// cache may be nil.
func NewHTTPResolver(client *http.Client, timeout time.Duration, cache Cache, logger *slog.Logger) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{Client: client, Timeout: timeout, Cache: cache, Logger: logger}
}

// EntityID returns the last segment of path after stripping one trailing slash.
func EntityID(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// EndpointURL substitutes id into the template's {placeholder} token.
func EndpointURL(template, id string) string {
	loc := placeholderPattern.FindStringIndex(template)
	if loc == nil {
		return template
	}
	return template[:loc[0]] + url.PathEscape(id) + template[loc[1]:]
}

// Resolve fetches and decodes the metadata for the entity named by path.
//
// Parameters:
// - ctx: The request context; the configured timeout is applied on top of it.
// - path: The page path, e.g. "/recipe/42/".
// - endpointTemplate: The route's metadata endpoint template.
//
// Returns:
// - Metadata: The resolved metadata.
// - error: An error wrapping ErrUnavailable on any failure.
func (r *HTTPResolver) Resolve(ctx context.Context, path, endpointTemplate string) (Metadata, error) {
	endpoint := EndpointURL(endpointTemplate, EntityID(path))

	ctx, span := otel.Tracer("metarelay/metadata").Start(ctx, "metadata.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("metadata.endpoint", endpoint))

	if r.Cache != nil {
		md, ok, err := r.Cache.Get(ctx, endpoint)
		if err != nil {
			r.Logger.Warn("Metadata cache lookup failed", "endpoint", endpoint, "error", err)
		} else if ok {
			span.SetAttributes(attribute.Bool("metadata.cached", true))
			return md, nil
		}
	}

	md, err := r.fetch(ctx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Metadata{}, err
	}

	if r.Cache != nil {
		if err := r.Cache.Set(ctx, endpoint, md); err != nil {
			r.Logger.Warn("Metadata cache store failed", "endpoint", endpoint, "error", err)
		}
	}
	return md, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, endpoint string) (Metadata, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: building request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Metadata{}, fmt.Errorf("%w: %s returned status %d", ErrUnavailable, endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}
	return Decode(body)
}

// Decode parses a metadata API document. Unknown fields and non-string values are ignored.
func Decode(body []byte) (Metadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Metadata{}, fmt.Errorf("%w: malformed JSON: %v", ErrUnavailable, err)
	}
	return Metadata{
		Title:       stringField(raw, "title"),
		Description: stringField(raw, "description"),
		Image:       stringField(raw, "image"),
		Keywords:    stringField(raw, "keywords"),
	}, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	value, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return ""
	}
	return s
}
