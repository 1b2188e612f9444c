package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"metarelay/classifier"
	credis "metarelay/client/redis"
	"metarelay/config"
	"metarelay/logging"
	"metarelay/metadata"
	"metarelay/rewrite"
	"metarelay/routes"
	"metarelay/transport"

	"github.com/redis/go-redis/v9"
)

// Pipeline is everything one request needs, built from a single configuration.
// It is never mutated after BuildPipeline returns; a reload builds a new one.
type Pipeline struct {
	Config     *config.ProxyConfig
	Logger     *slog.Logger
	Redis      *redis.Client // nil when Redis is disabled
	Routes     *routes.Registry
	Classifier *classifier.Classifier
	Resolver   metadata.Resolver
	Fetcher    *transport.Fetcher

	transports []*http.Transport
}

// BuildPipeline compiles cfg into a Pipeline.
//
// Parameters:
// - cfg: A validated configuration.
// - redisClient: The Redis client, or nil.
// - logger: The logger shared by every component.
//
// Returns:
// - *Pipeline: The assembled pipeline.
// - error: An error if a component could not be built from cfg, or if the
//   title guard is enabled and a route pattern cannot run in the browser.
func BuildPipeline(cfg *config.ProxyConfig, redisClient *redis.Client, logger *slog.Logger) (*Pipeline, error) {
	registry, err := routes.New(cfg.Routes)
	if err != nil {
		return nil, err
	}
	if config.Enabled(cfg.Rewrite.StabilityScript) {
		for _, route := range cfg.Routes {
			if err := rewrite.CheckScriptPattern(route.Pattern); err != nil {
				return nil, fmt.Errorf("rewrite.stability_script: %w", err)
			}
		}
	}
	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		return nil, err
	}

	originTransport, err := transport.NewHTTPTransport(cfg.Transport.HTTP, &cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin transport: %w", err)
	}
	metadataTransport, err := transport.NewHTTPTransport(cfg.Transport.HTTP, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata transport: %w", err)
	}

	var cache metadata.Cache
	if cfg.Metadata.Cache.Enabled && redisClient != nil {
		cache = metadata.NewRedisCache(redisClient, cfg.Metadata.Cache.TTL)
	}
	resolver := metadata.NewHTTPResolver(&http.Client{Transport: metadataTransport}, cfg.Metadata.Timeout, cache, logger)

	return &Pipeline{
		Config:     cfg,
		Logger:     logger,
		Redis:      redisClient,
		Routes:     registry,
		Classifier: cls,
		Resolver:   resolver,
		Fetcher:    transport.NewFetcher(&cfg.Origin, originTransport),
		transports: []*http.Transport{originTransport, metadataTransport},
	}, nil
}

// Close releases idle upstream connections held by the pipeline.
func (p *Pipeline) Close() {
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

// Relay holds the live pipeline. Requests load it once and keep that snapshot;
// configuration changes swap in a new one.
type Relay struct {
	pipeline atomic.Pointer[Pipeline]
	updateMu sync.Mutex
}

// NewRelay creates a Relay serving p.
func NewRelay(p *Pipeline) *Relay {
	r := &Relay{}
	r.pipeline.Store(p)
	return r
}

// Pipeline returns the current pipeline.
func (r *Relay) Pipeline() *Pipeline {
	return r.pipeline.Load()
}

// GetCurrentConfig returns the configuration of the current pipeline.
func (r *Relay) GetCurrentConfig() *config.ProxyConfig {
	return r.Pipeline().Config
}

// UpdateComponents rebuilds the pipeline for newConfig, re-creating the logger
// and Redis client only when their settings changed. On error the current
// pipeline stays in place.
//
// Parameters:
// - newConfig: The new validated configuration.
//
// Returns:
// - error: An error if the new pipeline could not be built.
func (r *Relay) UpdateComponents(newConfig *config.ProxyConfig) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	current := r.Pipeline()

	logger := current.Logger
	if newConfig.Logging.Level != current.Config.Logging.Level {
		logger = logging.InitializeLogger(newConfig.Logging.Level)
	}

	redisClient := current.Redis
	redisChanged := newConfig.Redis != current.Config.Redis
	if redisChanged {
		redisClient = nil
		if newConfig.Redis.Enabled {
			var err error
			if redisClient, err = credis.InitRedis(logger, newConfig.Redis); err != nil {
				return fmt.Errorf("reloading redis: %w", err)
			}
		}
	}

	next, err := BuildPipeline(newConfig, redisClient, logger)
	if err != nil {
		if redisChanged && redisClient != nil {
			_ = redisClient.Close()
		}
		return err
	}

	r.pipeline.Store(next)
	current.Close()
	if redisChanged && current.Redis != nil {
		if err := current.Redis.Close(); err != nil {
			logger.Warn("Closing previous Redis client failed", "error", err)
		}
	}
	logger.Warn("Configuration updated", "routes", next.Routes.Len())
	return nil
}
