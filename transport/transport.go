package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"metarelay/config"
)

const (
	XForwardedFor   = "X-Forwarded-For"
	XForwardedProto = "X-Forwarded-Proto"
	XForwardedHost  = "X-Forwarded-Host"
)

// Caronte is the RoundTripper used for every origin request. It rewrites the
// virtual-host headers and applies the configured header manipulation before
// handing the request to the underlying transport.
type Caronte struct {
	RT     http.RoundTripper    // The underlying RoundTripper to execute requests.
	Origin *config.OriginConfig // Origin configuration, including headers to manipulate.
}

// NewCaronte wraps rt with the origin's header policy.
func NewCaronte(rt http.RoundTripper, origin *config.OriginConfig) *Caronte {
	return &Caronte{RT: rt, Origin: origin}
}

// RoundTrip executes a single HTTP transaction after manipulating headers.
//
// Parameters:
// - req: The HTTP request to be executed.
//
// Returns:
// - *http.Response: The HTTP response received.
// - error: An error if the request failed.
func (t *Caronte) RoundTrip(req *http.Request) (*http.Response, error) {
	t.AddHeaders(req)
	return t.RT.RoundTrip(req)
}

// AddHeaders manipulates the request headers according to the OriginConfig.
// Host always becomes the origin's virtual host; Origin and Referer, when
// present, are rewritten to point at it as well.
//
// Parameters:
// - req: The HTTP request whose headers will be manipulated.
func (t *Caronte) AddHeaders(req *http.Request) {
	for _, header := range t.Origin.ExcludedHeaders {
		req.Header.Del(header)
	}

	scheme := "https"
	if t.Origin.BaseURL != nil {
		scheme = t.Origin.BaseURL.Scheme
	}
	req.Host = t.Origin.Host

	if req.Header.Get("Origin") != "" {
		req.Header.Set("Origin", scheme+"://"+t.Origin.Host)
	}
	if referer := req.Header.Get("Referer"); referer != "" {
		if u, err := url.Parse(referer); err == nil && u.IsAbs() {
			u.Scheme = scheme
			u.Host = t.Origin.Host
			req.Header.Set("Referer", u.String())
		} else {
			req.Header.Del("Referer")
		}
	}

	for header, value := range t.Origin.AdditionalHeaders {
		req.Header.Set(header, value)
	}
	if hostHeader, ok := t.Origin.AdditionalHeaders["Host"]; ok {
		req.Host = hostHeader
	}
}

// NewHTTPTransport builds the tuned transport used for origin and metadata requests.
// Client TLS material from the origin configuration is loaded once, here.
//
// Parameters:
// - cfg: The HTTP transport tuning.
// - origin: The origin configuration carrying optional cert/key/CA files; may be nil.
//
// Returns:
// - *http.Transport: The configured transport.
// - error: An error if TLS material could not be loaded.
func NewHTTPTransport(cfg config.HTTPTransportConfig, origin *config.OriginConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   durationOr(cfg.DialTimeout, 10*time.Second),
		KeepAlive: durationOr(cfg.KeepAlive, 30*time.Second),
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       durationOr(cfg.IdleConnTimeout, 90*time.Second),
		MaxIdleConns:          intOr(cfg.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   intOr(cfg.MaxIdleConnsPerHost, 20),
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		TLSHandshakeTimeout:   durationOr(cfg.TLSHandshakeTimeout, 10*time.Second),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: durationOr(cfg.ExpectContinueTimeout, time.Second),
		DisableCompression:    cfg.DisableCompression,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if origin != nil && (origin.CertFile != "" || origin.KeyFile != "" || origin.CaFile != "") {
		tlsConfig, err := CreateTLSConfig(origin)
		if err != nil {
			return nil, fmt.Errorf("failed to create custom transport: %w", err)
		}
		tr.TLSClientConfig = tlsConfig
	}

	return tr, nil
}

// CreateTLSConfig creates a client TLS configuration based on the provided certificate files.
//
// Returns:
// - *tls.Config: The TLS configuration.
// - error: An error if the files could not be loaded.
func CreateTLSConfig(origin *config.OriginConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if origin.CaFile != "" {
		caCert, err := os.ReadFile(origin.CaFile)
		if err != nil {
			return nil, fmt.Errorf("error reading CA file: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in CA file %s", origin.CaFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if origin.CertFile != "" || origin.KeyFile != "" {
		if origin.CertFile == "" || origin.KeyFile == "" {
			return nil, fmt.Errorf("cert_file and key_file must be set together")
		}
		clientCert, err := tls.LoadX509KeyPair(origin.CertFile, origin.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error loading client certificate/key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func intOr(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
