package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPTransportConfig holds the configuration settings for the HTTP transport used to reach the origin
// and the metadata API.
//
// Fields:
// - IdleConnTimeout: The maximum amount of time an idle (keep-alive) connection will remain idle before closing.
// - MaxIdleConns: The maximum number of idle (keep-alive) connections across all hosts.
// - MaxIdleConnsPerHost: The maximum number of idle (keep-alive) connections to keep per-host.
// - MaxConnsPerHost: The maximum number of connections per host.
// - TLSHandshakeTimeout: The maximum amount of time allowed for the TLS handshake.
// - ResponseHeaderTimeout: The maximum amount of time to wait for a server's response headers.
// - ExpectContinueTimeout: The maximum amount of time to wait for a server's first response headers after an "Expect: 100-continue".
// - DisableCompression: Whether to disable transparent gzip negotiation.
// - ForceHTTP2: Whether to attempt HTTP/2 connections.
// - DialTimeout: The maximum amount of time to wait for a dial to complete.
// - KeepAlive: The interval between keep-alive probes for an active network connection.
type HTTPTransportConfig struct {
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableCompression    bool          `yaml:"disable_compression"`
	ForceHTTP2            bool          `yaml:"force_http2"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
}

// TransportConfig wraps HTTP transport configuration
type TransportConfig struct {
	HTTP HTTPTransportConfig `yaml:"http"`
}

// MetricsConfig holds the configuration for the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables the metrics endpoint.
	Path    string `yaml:"path"`    // Path the metrics endpoint will respond to.
}

// Logging holds the configuration for logging.
type Logging struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables the access log.
	Verbose bool   `yaml:"verbose"` // Enables/disables verbose request dumps.
	Level   string `yaml:"level"`   // Log level (e.g., debug, info, warn, error).
}

// RedisConfig holds the connection settings for the optional Redis instance.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
}

// RateLimiting holds the configuration for rate limiting.
type RateLimiting struct {
	Enabled           bool    `yaml:"enabled"`             // Enables/disables rate limiting globally.
	RequestsPerSecond float64 `yaml:"requests_per_second"` // Number of requests allowed per second.
	Burst             int     `yaml:"burst"`               // Maximum burst of requests.
}

// OriginConfig describes the hosted application the relay sits in front of.
type OriginConfig struct {
	URL               string            `yaml:"url"`                // Base URL of the origin application.
	Host              string            `yaml:"host"`               // Virtual host override (defaults to the URL host).
	FaviconPath       string            `yaml:"favicon_path"`       // Path (and optional query) of the canonical favicon.
	AssetMode         string            `yaml:"asset_mode"`         // "redirect" or "proxy".
	AdditionalHeaders map[string]string `yaml:"additional_headers"` // Headers added to every origin request.
	ExcludedHeaders   []string          `yaml:"excluded_headers"`   // Headers removed from every origin request.
	CertFile          string            `yaml:"cert_file"`          // Client certificate for mTLS to the origin.
	KeyFile           string            `yaml:"key_file"`           // Client key for mTLS to the origin.
	CaFile            string            `yaml:"ca_file"`            // CA bundle used to verify the origin.

	BaseURL *url.URL `yaml:"-"` // Parsed URL.
}

// RouteConfig maps a path pattern to the metadata endpoint serving entities of that route.
type RouteConfig struct {
	Pattern          string `yaml:"pattern"`
	MetadataEndpoint string `yaml:"metadata_endpoint"`
}

// ClassifierConfig is the policy data the request classifier runs on.
type ClassifierConfig struct {
	BotKeywords         []string `yaml:"bot_keywords"`
	RestrictiveBrowsers []string `yaml:"restrictive_browsers"`
	AssetPrefixes       []string `yaml:"asset_prefixes"`
	AssetExtensions     []string `yaml:"asset_extensions"`
	PageDataPattern     string   `yaml:"page_data_pattern"`
}

// MetadataCache controls caching of resolved metadata in Redis.
type MetadataCache struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetadataConfig controls calls to the metadata API.
type MetadataConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Cache   MetadataCache `yaml:"cache"`
}

// RewriteConfig toggles the individual response transformations.
type RewriteConfig struct {
	Languages       []string `yaml:"languages"`        // Language keys written in page-data JSON.
	AssetRewrite    *bool    `yaml:"asset_rewrite"`    // Absolutize base/script/link URLs for human traffic.
	TitleInjection  *bool    `yaml:"title_injection"`  // Rewrite <title> for human traffic on matched routes.
	StabilityScript *bool    `yaml:"stability_script"` // Inject the title guard script for human traffic.
	DefaultMeta     *bool    `yaml:"default_meta"`     // Inject missing viewport/apple meta tags for bots.
	MaxJSONBytes    int64    `yaml:"max_json_bytes"`   // Largest page-data document that is patched.
}

// ProxyConfig holds the configuration for the relay.
type ProxyConfig struct {
	Port           string           `yaml:"port"`            // Port the relay will listen on.
	HotReload      bool             `yaml:"hot_reload"`      // Enables/disables hot reloading.
	RequestTimeout time.Duration    `yaml:"request_timeout"` // Deadline for a whole proxied request.
	Logging        Logging          `yaml:"logging"`         // Logging configuration.
	Metrics        MetricsConfig    `yaml:"metrics"`         // Metrics configuration.
	Redis          RedisConfig      `yaml:"redis"`           // Redis configuration.
	Middlewares    []string         `yaml:"middlewares"`     // Middlewares applied in front of the relay.
	RateLimiting   RateLimiting     `yaml:"rate_limiting"`   // Rate limiting configuration.
	Origin         OriginConfig     `yaml:"origin"`          // Origin application.
	Routes         []RouteConfig    `yaml:"routes"`          // Ordered route rules, first match wins.
	Classifier     ClassifierConfig `yaml:"classifier"`      // Classification policy.
	Metadata       MetadataConfig   `yaml:"metadata"`        // Metadata API settings.
	Rewrite        RewriteConfig    `yaml:"rewrite"`         // Response transformation settings.
	Transport      TransportConfig  `yaml:"transport"`       // Transport configuration.
}

var placeholderPattern = regexp.MustCompile(`\{[^}]+\}`)

// LoadConfiguration loads the proxy configuration from a YAML file.
//
// Parameters:
// - file: The path to the configuration file.
//
// Returns:
// - *ProxyConfig: A pointer to the loaded ProxyConfig.
// - error: An error if the configuration could not be loaded.
func LoadConfiguration(file string) (*ProxyConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, validates and completes a YAML configuration document.
func Parse(data []byte) (*ProxyConfig, error) {
	var config ProxyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	if err := validateAndSetDefaults(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// validateAndSetDefaults validates the configuration and sets default values where needed.
//
// Parameters:
// - config: The configuration to validate
//
// Returns:
// - error: Any validation error
func validateAndSetDefaults(config *ProxyConfig) error {
	if config.Port == "" {
		config.Port = "8080"
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	config.Logging.Level = strings.ToLower(config.Logging.Level)

	if config.Metrics.Enabled && config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	if config.Redis.Enabled && config.Redis.Port == "" {
		config.Redis.Port = "6379"
	}

	for _, name := range config.Middlewares {
		switch name {
		case "rate-limiter":
		case "rate-limiter-redis":
			if !config.Redis.Enabled {
				return fmt.Errorf("middleware %q requires redis.enabled", name)
			}
		default:
			return fmt.Errorf("unknown middleware %q", name)
		}
	}

	if err := validateOrigin(&config.Origin); err != nil {
		return err
	}

	for i, route := range config.Routes {
		if _, err := regexp.Compile(route.Pattern); err != nil {
			return fmt.Errorf("route %d: error compiling pattern %s: %v", i, route.Pattern, err)
		}
		if n := len(placeholderPattern.FindAllString(route.MetadataEndpoint, -1)); n != 1 {
			return fmt.Errorf("route %d: metadata_endpoint must contain exactly one {placeholder}, found %d", i, n)
		}
	}

	setClassifierDefaults(&config.Classifier)
	if _, err := regexp.Compile(config.Classifier.PageDataPattern); err != nil {
		return fmt.Errorf("classifier: error compiling page_data_pattern: %v", err)
	}

	if config.Metadata.Timeout == 0 {
		config.Metadata.Timeout = 3 * time.Second
	}
	if config.Metadata.Timeout < 0 {
		return fmt.Errorf("metadata.timeout cannot be negative")
	}
	if config.Metadata.Cache.Enabled {
		if !config.Redis.Enabled {
			return fmt.Errorf("metadata.cache requires redis.enabled")
		}
		if config.Metadata.Cache.TTL <= 0 {
			config.Metadata.Cache.TTL = 5 * time.Minute
		}
	}

	setRewriteDefaults(&config.Rewrite)
	if config.Rewrite.MaxJSONBytes < 0 {
		return fmt.Errorf("rewrite.max_json_bytes cannot be negative")
	}

	if config.Transport.HTTP.IdleConnTimeout < 0 ||
		config.Transport.HTTP.TLSHandshakeTimeout < 0 ||
		config.Transport.HTTP.ResponseHeaderTimeout < 0 ||
		config.Transport.HTTP.ExpectContinueTimeout < 0 ||
		config.Transport.HTTP.DialTimeout < 0 ||
		config.Transport.HTTP.KeepAlive < 0 {
		return fmt.Errorf("transport timeouts must be non-negative")
	}

	return nil
}

func validateOrigin(origin *OriginConfig) error {
	if origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	u, err := url.Parse(strings.TrimSuffix(origin.URL, "/"))
	if err != nil {
		return fmt.Errorf("origin.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("origin.url must be an absolute http(s) URL, got %q", origin.URL)
	}
	origin.BaseURL = u
	if origin.Host == "" {
		origin.Host = u.Host
	}

	if origin.FaviconPath == "" {
		origin.FaviconPath = "/favicon.ico"
	}
	if !strings.HasPrefix(origin.FaviconPath, "/") {
		origin.FaviconPath = "/" + origin.FaviconPath
	}

	switch origin.AssetMode {
	case "":
		origin.AssetMode = AssetModeRedirect
	case AssetModeRedirect, AssetModeProxy:
	default:
		return fmt.Errorf("origin.asset_mode must be %q or %q", AssetModeRedirect, AssetModeProxy)
	}
	return nil
}

// Asset delivery modes.
const (
	AssetModeRedirect = "redirect"
	AssetModeProxy    = "proxy"
)

// OriginRoot returns the origin base URL without a trailing slash, e.g. "https://app.example.com".
func (o *OriginConfig) OriginRoot() string {
	if o.BaseURL == nil {
		return strings.TrimSuffix(o.URL, "/")
	}
	u := *o.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// FaviconURL returns the absolute URL of the origin's favicon.
func (o *OriginConfig) FaviconURL() string {
	return o.OriginRoot() + o.FaviconPath
}

// IsConfigDifferent compares two configurations using reflect.DeepEqual to determine if they are different.
//
// Parameters:
// - config1: A pointer to the first ProxyConfig.
// - config2: A pointer to the second ProxyConfig.
//
// Returns:
// - bool: True if the configurations are different, false otherwise.
func IsConfigDifferent(config1, config2 *ProxyConfig) bool {
	return !reflect.DeepEqual(config1, config2)
}
