package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"streamguard/work/buffer"
	"streamguard/work/cache"
	"streamguard/work/client"
	"streamguard/work/config"
	"streamguard/work/handlers"
	"streamguard/work/logger"
	"streamguard/work/middleware"
	"streamguard/work/proxy"
	"streamguard/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

var (
	configPath string
	logLevel   string
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamguard",
		Short:         "Origin fetch proxy and resilient live stream player",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default /settings/config.json or ./config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(newServeCmd(), newProbeCmd(), newWatchCmd())
	return root
}

// loadConfig reads the configuration and applies the --log-level override.
func loadConfig() *config.Config {
	cfg := config.LoadConfig(configPath)
	if logLevel != "" {
		cfg.LogLevel = logLevel
		logger.SetLogLevel(logLevel)
	}
	return cfg
}

// newProxy builds the fetch proxy and the worker pool it runs upstream
// attempts on. The caller releases the pool.
func newProxy(cfg *config.Config) (*proxy.StreamProxy, *ants.Pool, error) {
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	sp := proxy.New(
		cfg,
		buffer.NewBufferPool(cfg.BufferSize),
		client.NewHeaderSettingClient(),
		workerPool,
		cache.NewManifestCache(cfg.ManifestCacheTTL, cfg.ManifestCacheSize),
	)
	return sp, workerPool, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch proxy and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()

			sp, workerPool, err := newProxy(cfg)
			if err != nil {
				return err
			}
			defer workerPool.Release()

			router := mux.NewRouter()

			// fetch proxy; preflight is answered by the handler itself
			router.HandleFunc(cfg.ProxyPath, handlers.HandleStreamProxy(sp)).Methods("GET", "OPTIONS")

			router.HandleFunc("/health", middleware.CORSMiddleware(handlers.HandleHealth(sp))).Methods("GET", "OPTIONS")
			router.Handle("/metrics", promhttp.Handler()).Methods("GET")

			setupAdminRoutes(router, sp, workerPool)

			logger.Info("{main - serve} Starting streamguard %s", Version)
			logger.Info("{main - serve} Server configuration:")
			logger.Info("{main - serve}   - Listen Address: %s", cfg.ListenAddr)
			logger.Info("{main - serve}   - Proxy Path: %s", cfg.ProxyPath)
			logger.Info("{main - serve}   - Base URL: %s", cfg.BaseURL)
			logger.Info("{main - serve}   - Worker Threads: %d", cfg.WorkerThreads)
			logger.Info("{main - serve}   - Copy Buffer Size: %s", utils.FormatBytes(cfg.BufferSize))
			logger.Info("{main - serve}   - Manifest Cache: %d entries, %s", cfg.ManifestCacheSize, cfg.ManifestCacheTTL)
			logger.Info("{main - serve}   - Upstream Rate Per Host: %d/s", cfg.UpstreamRatePerHost)
			logger.Info("{main - serve}   - Debug Enabled: %v", cfg.Debug)
			logger.Info("{main - serve}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("{main - serve} Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
