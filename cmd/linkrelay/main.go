package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/linkrelay/linkrelay/internal/cache"
	"github.com/linkrelay/linkrelay/internal/config"
	"github.com/linkrelay/linkrelay/internal/http/rest"
	"github.com/linkrelay/linkrelay/internal/logctx"
	"github.com/linkrelay/linkrelay/internal/notifier"
	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/linkrelay/linkrelay/internal/resolver/wildshare"
	"github.com/linkrelay/linkrelay/internal/storage/sqlite"
	"github.com/linkrelay/linkrelay/internal/telemetry"
	"github.com/linkrelay/linkrelay/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	// Local development convenience; in production the environment is real.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("link relay starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedLinkRepository(database, tel)

	// =========================================================================
	// Start Transfer Engine
	engine, err := buildEngine(cfg, repo, tel)
	if err != nil {
		return fmt.Errorf("failed to build transfer engine: %w", err)
	}
	defer engine.Close()

	setupFailureNotifications(ctx, engine, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, repo, engine, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"base_url", cfg.BaseURL,
		"cache_dir", cfg.CacheDir,
		"cache_ttl", cfg.CacheTTL.String(),
		"resolver_hosts", cfg.Resolver.Hosts,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// buildEngine wires the cache store, the page resolver and the upstream HTTP
// client into the transfer engine.
func buildEngine(cfg *config.Config, repo *sqlite.InstrumentedLinkRepository, tel *telemetry.Telemetry) (*transfer.Engine, error) {
	cacheStore := cache.NewStore(cfg.CacheDir, cfg.CacheTTL)
	cacheStore.OnEvict = tel.RecordCacheEviction

	res := resolver.NewInstrumentedResolver(
		wildshare.NewClient(cfg.Resolver.UserAgent, cfg.Resolver.Referer, cfg.Resolver.Timeout),
		tel,
	)

	policy := resolver.NewPolicy(cfg.Resolver.Hosts)

	// The upstream client must not carry a whole-request timeout: transfers
	// can legitimately run for hours. Only the wait for response headers is
	// bounded.
	upstream := &http.Client{
		Transport: otelhttp.NewTransport(&http.Transport{
			ResponseHeaderTimeout: cfg.Upstream.Timeout,
			Proxy:                 http.ProxyFromEnvironment,
		}),
	}

	return transfer.NewEngine(repo, cacheStore, res, policy, upstream, transfer.Config{
		ResolverTimeout: cfg.Resolver.Timeout,
		UserAgent:       cfg.Resolver.UserAgent,
		Referer:         cfg.Resolver.Referer,
	}), nil
}

// setupFailureNotifications drains the engine's failure events and forwards
// them to Discord when a webhook is configured.
func setupFailureNotifications(ctx context.Context, engine *transfer.Engine, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for event := range engine.OnDownloadError {
			logger.Error("download failed",
				"record_id", event.RecordID,
				"filename", event.Filename,
				"err", event.Err,
			)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed for " + event.Filename + " (" + event.RecordID + "): " + event.Err.Error(),
			); notifyErr != nil {
				logger.Error("failed to send notification", "record_id", event.RecordID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	repo *sqlite.InstrumentedLinkRepository,
	engine *transfer.Engine,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewLinkHandler(repo, engine, cfg.BaseURL, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)

	if cfg.Telemetry.Enabled {
		r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
		r.Handle("/metrics", tel.Handler())
	}

	r.Mount("/", handler.Routes())

	// No WriteTimeout: downloads stream for as long as they need to.
	return &http.Server{
		Addr:        cfg.Web.BindAddress,
		ReadTimeout: cfg.Web.ReadTimeout,
		IdleTimeout: cfg.Web.IdleTimeout,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
