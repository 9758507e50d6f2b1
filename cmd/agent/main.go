// Package main is the entry point for the realtime sync agent: a headless
// runner for the session synchronization core used for soak testing and
// operational debugging. It keeps the persistent connection alive, routes
// events into the reconciliation store and presence tracker, and exposes
// health and metrics over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/config"
	"github.com/feedline/realtime-core/internal/conn"
	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/internal/presence"
	"github.com/feedline/realtime-core/internal/rest"
	"github.com/feedline/realtime-core/internal/router"
	"github.com/feedline/realtime-core/internal/session"
	"github.com/feedline/realtime-core/internal/store"
	"github.com/feedline/realtime-core/internal/transport"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/tracing"
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

	log.Info("starting realtime sync agent")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-core", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Session credentials. The agent bootstraps from env; the first
	// refresh establishes tokens when none are provided.
	creds := session.NewTokenSource(cfg.APIBaseURL+cfg.RefreshPath, nil, log)
	creds.SetTokens(os.Getenv("ACCESS_TOKEN"), os.Getenv("CSRF_TOKEN"))

	// REST client
	api := rest.NewClient(cfg.APIBaseURL, creds, log)

	// Event router and consumers
	events := router.New(log)
	msgStore := store.New(log, func(conversationID string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := api.MarkRead(ctx, conversationID); err != nil {
				log.Warn("mark read failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}()
	})

	// Connection lifecycle
	manager := conn.NewManager(conn.Config{
		Factory: func(token string) transport.Transport {
			if cfg.Transport == "nats" {
				return transport.NewNATS(transport.NATSConfig{
					URL:           cfg.NATSURL,
					Token:         token,
					SubjectPrefix: cfg.NATSSubjectPrefix,
				}, log)
			}
			return transport.NewWebSocket(transport.WebSocketConfig{
				URL:                cfg.RealtimeURL,
				Token:              token,
				ReconnectBaseDelay: cfg.ReconnectBaseDelay,
				ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
			}, log)
		},
		Credentials:          creds,
		MaxCredentialRetries: cfg.MaxCredentialRetries,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		BindEvents:           events.Bind,
		OnLogout: func() {
			log.Error("session terminated, shutting down")
			creds.Clear()
		},
		Logger: log,
	})

	tracker := presence.NewTracker(manager)
	manager.RegisterTeardown(tracker.Reset)
	manager.RegisterTeardown(msgStore.Reset)

	// Route events into the store and tracker
	subs := []*router.Subscription{
		events.OnMessage(msgStore.ApplyMessage),
		events.OnReaction(msgStore.ApplyReaction),
		events.OnConversationDeleted(msgStore.ApplyConversationDeleted),
		events.OnTyping(tracker.OnTyping),
		events.OnPresence(tracker.OnStatus),
		events.OnNotification(func(ev model.NotificationEvent) {
			log.Debug("notification",
				zap.String("type", ev.Type), zap.String("actor_id", ev.ActorID))
		}),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Open the connection
	if err := manager.Connect(ctx); err != nil {
		log.Warn("initial connect failed, transport will keep retrying", zap.Error(err))
	}

	// Admin HTTP surface
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if manager.State() != conn.Connected {
			http.Error(w, manager.State().String(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ready")
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.AdminPort,
		Handler:      r,
		ReadTimeout:  cfg.AdminReadTimeout,
		WriteTimeout: cfg.AdminWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("admin server listening", zap.String("port", cfg.AdminPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	manager.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server forced to shutdown", zap.Error(err))
	}

	log.Info("agent stopped")
}
