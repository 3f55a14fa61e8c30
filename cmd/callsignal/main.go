package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/callsignal/internal/api"
	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/config"
	"github.com/flowpbx/callsignal/internal/database"
	"github.com/flowpbx/callsignal/internal/database/pgstore"
	"github.com/flowpbx/callsignal/internal/metrics"
	"github.com/flowpbx/callsignal/internal/push"
	"github.com/flowpbx/callsignal/internal/room"
	callsig "github.com/flowpbx/callsignal/internal/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callsignal",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"db_driver", cfg.DBDriver,
		"push_enabled", cfg.PushEnabled,
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt secret", "error", err)
		os.Exit(1)
	}

	// Push tokens always live in the local sqlite database.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Channel messages go to postgres when several nodes share a store.
	var store channel.Store
	if cfg.DBDriver == "postgres" {
		pg, err := pgstore.New(cfg.DBDSN)
		if err != nil {
			slog.Error("failed to open postgresql store", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		store = database.NewMessageStore(db)
	}

	channels := channel.NewService(store, logger)
	rooms := room.NewRegistry(logger)
	pushTokens := database.NewPushTokenRepository(db)

	var notifier callsig.RingNotifier
	if cfg.PushEnabled {
		fcm, err := push.NewFCMSender(context.Background(), cfg.FCMCredentials, cfg.RingTimeout)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
		limiter := push.NewLimiter(push.DefaultLimiterConfig())
		defer limiter.Stop()
		sender := push.NewMultiSender(map[string]push.Sender{"fcm": fcm})
		notifier = push.NewNotifier(pushTokens, sender, limiter, logger)
	} else {
		slog.Warn("push notifications disabled, backgrounded apps will not ring")
	}

	initiator := callsig.NewInitiator(channels, nil, cfg.JoinBaseURL, notifier, logger)
	resolver := callsig.NewResolver(channels, callsig.NewAuthorEditor(channels), cfg.Lookback, logger)

	// The handler reads the registry at scrape time, so the collector can be
	// registered once the API server exists.
	registry := prometheus.NewRegistry()

	apiServer := api.NewServer(api.Deps{
		Channels:    channels,
		Rings:       initiator,
		Terminator:  resolver,
		PushTokens:  pushTokens,
		Rooms:       rooms,
		Countdown:   cfg.Countdown,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret:   jwtSecret,
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		TLSEnabled:  cfg.TLSEnabled(),
		Logger:      logger,
	})
	registry.MustRegister(metrics.NewCollector(initiator, resolver, rooms, apiServer, start))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	// Close first so event streams see a going-away frame before the
	// listener drains.
	apiServer.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callsignal stopped")
}
