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

	"stalker-proxy/work/buffer"
	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/handlers"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/middleware"
	"stalker-proxy/work/proxy"
	"stalker-proxy/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// CLI flags
var (
	configPath string
	listenAddr string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stalker-proxy",
		Short: "Stalker portal gateway",
		Long:  `stalker-proxy aggregates the channel lists of Stalker portals into one M3U playlist and relays streams with credential failover.`,
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (or set "+config.EnvConfigPath+", default "+config.DefaultConfigPath+")")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address, overrides listenAddr from the config")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stalker-proxy %s\n", Version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "example-config <path>",
		Short: "Write an example configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.CreateExampleConfig(args[0])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		os.Setenv(config.EnvConfigPath, configPath)
	}

	// load our config; a missing mapping keeps the server up but not ready
	cfg, cfgErr := config.LoadConfig()
	if cfgErr != nil {
		logger.Error("{main - run} %v", cfgErr)
		var confErr *types.ConfigurationError
		if !errors.As(cfgErr, &confErr) {
			return cfgErr
		}
		cfg = config.Defaults()
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if verbose || cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
	logger.SetLogLevel(cfg.LogLevel)

	bufferPool := buffer.NewBufferPool(buffer.DefaultChunkSize)

	httpClient := client.NewHeaderSettingClient(client.Timeouts{
		Connect: cfg.ConnectTimeout,
		Read:    cfg.ReadTimeout,
	})

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer workerPool.Release()

	proxyInstance, err := proxy.New(cfg, cfgErr, bufferPool, httpClient, workerPool)
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	handlers.Register(router, proxyInstance, middleware.GzipMiddleware)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	setupAdminRoutes(router, proxyInstance)

	logger.Info("{main - run} Starting Stalker Proxy %s", Version)
	logger.Info("{main - run} Server configuration:")
	logger.Info("{main - run}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main - run}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - run}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - run}   - Providers: %d (%s)", len(cfg.Providers), cfg.Source)
	logger.Info("{main - run}   - Session TTL: %s", cfg.SessionTTL)
	logger.Info("{main - run}   - Catalog TTL: %s", cfg.CatalogTTL)
	logger.Info("{main - run}   - Stall Timeout: %s", cfg.StallTimeout)
	logger.Info("{main - run}   - Max Reconnects: %d", cfg.MaxReconnects)
	logger.Info("{main - run}   - Log Level: %s", logger.GetLogLevel())
	logger.Info("{main - run}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// streams are long lived; the relay bounds upstream silence instead
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("{main - run} Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
