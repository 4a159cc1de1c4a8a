// Package main is the entry point for the realtime server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pairup-app/realtime-core/internal/config"
	"github.com/pairup-app/realtime-core/internal/handler"
	"github.com/pairup-app/realtime-core/internal/identity"
	natsclient "github.com/pairup-app/realtime-core/internal/nats"
	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/internal/store"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("realtime server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting realtime server")
	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "pairup-realtime", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Storage
	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var data realtime.DataAccess = db
	if cfg.RedisAddr != "" {
		rdb, err := identity.Connect(ctx, identity.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("identity cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			data = identity.NewCache(rdb, db, cfg.IdentityCacheTTL, log).Wrap(db)
			log.Info("identity cache enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	// Connect to NATS. The sessions are created once the client exists, so
	// the reconnect hook finds them through live.
	var live atomic.Pointer[realtime.Sessions]
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		OnReconnect: func() {
			sessions := live.Load()
			if sessions == nil {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ResyncTimeout)
				defer cancel()
				if err := sessions.Resync(ctx); err != nil {
					log.Warn("resync after reconnect incomplete", zap.Error(err))
				}
			}()
		},
	}, log)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	streams := natsclient.NewStreamManager(natsClient)
	if err := streams.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	sessions := realtime.NewSessions(realtime.SessionsConfig{
		Data:            data,
		Source:          natsclient.NewEventSource(natsClient, log),
		Publisher:       natsclient.NewPublisher(streams),
		ToastDuration:   cfg.ToastDuration,
		DedupWindow:     cfg.DedupWindow,
		StreamBuffer:    cfg.StreamBuffer,
		DebugInvariants: cfg.DebugInvariants,
		IdleTimeout:     cfg.SessionIdleTimeout,
	}, log)
	live.Store(sessions)

	router := handler.NewRouter(handler.RouterConfig{
		Sessions:          sessions,
		NATS:              natsClient,
		DB:                db,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Heartbeat:         cfg.HeartbeatInterval,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Closing the sessions ends every open stream, so Shutdown does not
	// wait on them.
	if err := sessions.Close(); err != nil {
		log.Warn("failed to close sessions", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SessionShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
