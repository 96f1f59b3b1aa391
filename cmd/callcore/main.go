package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rx3lixir/callcore/internal/bus"
	"github.com/rx3lixir/callcore/internal/config"
	"github.com/rx3lixir/callcore/internal/db"
	"github.com/rx3lixir/callcore/internal/httpserver"
	"github.com/rx3lixir/callcore/internal/hub"
	"github.com/rx3lixir/callcore/internal/identity"
	"github.com/rx3lixir/callcore/internal/metrics"
	"github.com/rx3lixir/callcore/internal/presence"
	"github.com/rx3lixir/callcore/internal/signaling"
	"github.com/rx3lixir/callcore/pkg/jwt"
	"github.com/rx3lixir/callcore/pkg/s3storage"
)

func main() {
	startedAt := time.Now()

	// Setting up logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           log.InfoLevel,
	})

	// Initializing global context instance
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "internal/config/config.yaml"
	}

	// Initializing config manager
	cm, err := config.NewConfigManager(configPath)
	if err != nil {
		logger.Error("Error getting config file", "error", err)
		os.Exit(1)
	}

	c := cm.GetConfig()

	// Validating configuration
	if err := c.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if c.GeneralParams.Env == "dev" {
		logger.SetLevel(log.DebugLevel)
	}

	logger.Info(
		"Configuration loaded",
		"env", c.GeneralParams.Env,
		"http_addr", c.GeneralParams.HTTPaddress,
		"node", c.GeneralParams.NodeName,
		"database", c.MainDBParams.Name,
		"bus", c.BusParams.Host,
	)

	// Creating database connection pool
	pool, err := db.CreatePostgresPool(ctx, c.MainDBParams.GetDSN())
	if err != nil {
		logger.Error(
			"Failed to create postgres pool",
			"error", err,
			"db", c.MainDBParams.Name,
		)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("Database connection established", "db", c.MainDBParams.Name)

	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Error("Failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// Creates database store
	store := db.NewPostgresStore(pool)

	// Initializing JWT service
	jwtService, err := jwt.NewService(c.GeneralParams.SecretKey, c.GeneralParams.TokenTTL)
	if err != nil {
		logger.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	// Initialize signal bus
	valkeyClient, err := bus.NewValkeyClient(c.BusParams.Host, c.BusParams.Password)
	if err != nil {
		logger.Error("Failed to connect to signal bus", "error", err)
		os.Exit(1)
	}
	defer valkeyClient.Close()

	broker := bus.NewValkeyBroker(valkeyClient)
	dispatcher := bus.NewDispatcher(store, broker, logger)
	subscriber := bus.NewSubscriber(broker, store, logger)

	presenceManager := presence.NewManager(valkeyClient, c.GeneralParams.NodeName, c.CallParams.PresenceTTL)

	logger.Info("Signal bus initialized", "host", c.BusParams.Host)

	health := map[string]httpserver.HealthCheck{
		"postgres": pool.Ping,
		"valkey":   broker.Ping,
	}

	// Initialize S3 client
	var signer identity.MediaSigner
	if c.S3Params.S3Enabled() {
		s3Client, err := s3storage.NewMinIOClient(
			c.S3Params.Endpoint,
			c.S3Params.AccessKeyID,
			c.S3Params.SecretAccessKey,
			c.S3Params.BucketName,
			c.S3Params.UseSSL,
		)
		if err != nil {
			logger.Error("Failed to create S3 client", "error", err)
			os.Exit(1)
		}
		signer = s3Client
		health["s3"] = s3Client.Healthy

		logger.Info("S3 storage client initialized", "bucket", c.S3Params.BucketName)
	} else {
		logger.Warn("S3 storage disabled, callers will be shown without photos")
	}

	resolver := identity.NewResolver(store, signer, 1024, 30*time.Second)

	callHub, err := hub.New(hub.Config{
		Signaling: signaling.Config{
			RingTimeout:   c.CallParams.RingTimeout,
			DialGrace:     c.CallParams.DialGrace,
			EnrichTimeout: c.CallParams.EnrichTimeout,
			MediaURLTTL:   c.CallParams.MediaURLTTL,
			RetryBackoff:  c.CallParams.RetryBackoff,
			SeenCacheSize: c.CallParams.SeenCacheSize,
		},
		Heartbeat: c.CallParams.PresenceTTL / 3,
	}, hub.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Identity:   resolver,
		Feed:       subscriber,
		Presence:   presenceManager,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create call hub", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector(callHub, store, startedAt, logger)
	registry := metrics.NewRegistry(collector)

	// Creates HTTP server
	HTTPserver := httpserver.New(
		c.GeneralParams.HTTPaddress,
		httpserver.Deps{
			Hub:      callHub,
			Tokens:   jwtService,
			Presence: presenceManager,
			Records:  store,
			Metrics:  metrics.Handler(registry),
			Health:   health,
		},
		logger,
	)

	sw := &sweeper{
		store:      store,
		presence:   presenceManager,
		staleAfter: c.CallParams.StaleCallAfter,
		logTTL:     c.CallParams.SignalLogTTL,
		logger:     logger,
		now:        time.Now,
	}
	go sw.run(ctx, c.CallParams.SweepInterval)

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	// Start the HTTP server in a gorutine
	go func() {
		serverErrors <- HTTPserver.Start()
	}()

	logger.Info("Server started successfully")

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we recieve a signal or error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		callHub.Close()
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Give outstanding requests 10s to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		// Open calls are hung up before the listener goes away.
		logger.Info("Closing call hub...")
		callHub.Close()

		logger.Info("Shutting down HTTP server...")
		if err := HTTPserver.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}

		cancel()
		logger.Info("Server stopped gracefully")
	}
}
