package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metarelay/app"
	credis "metarelay/client/redis"
	"metarelay/config"
	"metarelay/handlers"
	"metarelay/logging"
	"metarelay/metrics"

	"github.com/redis/go-redis/v9"
)

// main loads the configuration, builds the relay pipeline and serves until
// SIGINT or SIGTERM.
func main() {
	configFile := flag.String("f", "config.yaml", "path to the configuration file")
	flag.Parse()

	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		log.Fatalf("Configuration file not found: %s", *configFile)
	}

	cfg, err := config.LoadConfiguration(*configFile)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	logger := logging.InitializeLogger(cfg.Logging.Level)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = credis.InitRedis(logger, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to initialize Redis client: ", err)
		}
	}

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
	}

	pipeline, err := app.BuildPipeline(cfg, redisClient, logger)
	if err != nil {
		log.Fatal("Failed to build relay: ", err)
	}
	relay := app.NewRelay(pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HotReload {
		onChange := func(newConfig *config.ProxyConfig) {
			if newConfig.Metrics.Enabled {
				metrics.InitMetrics()
			}
			if err := relay.UpdateComponents(newConfig); err != nil {
				relay.Pipeline().Logger.Error("Configuration reload rejected, keeping the previous one", "error", err)
			}
		}
		watcher := config.NewWatcher(*configFile, cfg, onChange, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("Configuration watcher stopped", "error", err)
			}
		}()
	}

	StartServer(ctx, relay)
}

// StartServer serves the relay until ctx is cancelled, then shuts down
// gracefully, giving in-flight requests up to 30 seconds to finish.
func StartServer(ctx context.Context, relay *app.Relay) {
	cfg := relay.GetCurrentConfig()
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewProxyHandler(relay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger := relay.Pipeline().Logger
		logger.Info("Shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		} else {
			logger.Info("Server shut down gracefully.")
		}
		relay.Pipeline().Close()
		close(idleConnsClosed)
	}()

	relay.Pipeline().Logger.Info("Relay is ready", "port", cfg.Port, "origin", cfg.Origin.OriginRoot(), "routes", len(cfg.Routes))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}

	<-idleConnsClosed
	relay.Pipeline().Logger.Info("All connections closed, exiting.")
}
