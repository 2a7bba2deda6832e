package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/expoclub/expo/pkg"
	"github.com/expoclub/expo/pkg/config"
	"github.com/expoclub/expo/pkg/event"
	"github.com/expoclub/expo/services/sync/internal/auth"
	"github.com/expoclub/expo/services/sync/internal/relay"
	"github.com/expoclub/expo/services/sync/internal/stream"
	syncsvc "github.com/expoclub/expo/services/sync/internal/sync"
	"github.com/expoclub/expo/services/sync/internal/transport"
)

const (
	appName    = "sync"
	appVersion = "0.1.0"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Cannot setup %s(%s): %v", appName, appVersion, err)
		}
		cfg = config.Default()
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	tokens := auth.NewTokenStore(30 * time.Minute)
	for _, t := range cfg.Auth.Tokens {
		tokens.Register(t.Token, auth.Identity{
			UserID:    t.UserID,
			Name:      t.Name,
			Locations: t.Locations,
		})
	}
	go sweepTokens(ctx, tokens)

	eventLog := stream.NewLog(cfg.Stream.LogCapacity)
	registry := stream.NewRegistry(logger)
	dispatcher := stream.NewDispatcher(eventLog, registry, cfg.Stream.ListenerBuffer, logger)

	boards := syncsvc.NewBoardSet(dispatcher, cfg.Ticket.LateAfter.Std(), cfg.Ticket.RecalcInterval.Std(), logger)
	defer boards.Stop()

	store := syncsvc.NewMemoryStore()
	handler := syncsvc.NewHandler(store, dispatcher, boards, tokens, logger)

	if cfg.NATS.Enabled {
		if err := wireNATS(ctx, cfg, dispatcher, boards, logger); err != nil {
			log.Fatalf("Cannot connect to NATS: %v", err)
		}
	}

	emit := func(ctx context.Context, identity auth.Identity, kind, locationID string, payload json.RawMessage) error {
		_, err := handler.Apply(ctx, identity, kind, locationID, payload)
		return err
	}

	sse := transport.NewSSEHandler(dispatcher, tokens, cfg.Stream.ReplayWindow.Std(), cfg.Stream.PingInterval.Std(), logger)
	ws := transport.NewWSHandler(dispatcher, tokens, emit, cfg.Stream.ReplayWindow.Std(), cfg.Stream.PingInterval.Std(), logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/api/v1/locations/{locationID}/stream", sse)
	r.Method(http.MethodGet, "/api/v1/channel", ws)
	r.Mount("/api/v1", handler.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Web.Port),
		Handler: r,
	}

	go func() {
		logger.Info("starting service", "name", appName, "version", appVersion, "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("service stopped", "name", appName)
}

// wireNATS attaches the broker bridge and, when JetStream is enabled, warms
// each configured location's board from the durable stream.
func wireNATS(ctx context.Context, cfg *config.Config, dispatcher *stream.Dispatcher, boards *syncsvc.BoardSet, logger *slog.Logger) error {
	publisher, err := pkg.NewNATSPublisher(cfg.NATS.URL)
	if err != nil {
		return err
	}
	subscriber, err := pkg.NewNATSSubscriber(cfg.NATS.URL)
	if err != nil {
		return err
	}

	bridge := relay.New(publisher, subscriber, dispatcher, logger)
	dispatcher.SetRelay(bridge, nil)
	if err := bridge.Start(ctx, "pos.events.>"); err != nil {
		return err
	}
	logger.Info("broker relay started", "origin", bridge.Origin())

	if cfg.NATS.Stream.Enabled {
		js, err := pkg.NewNATSStream(pkg.NATSStreamConfig{
			URL:          cfg.NATS.URL,
			StreamName:   cfg.NATS.Stream.Name,
			Topic:        event.LocationTopic("*"),
			ConsumerName: cfg.NATS.Stream.ConsumerName,
			MaxAge:       cfg.NATS.Stream.MaxAge.Std(),
		})
		if err != nil {
			return err
		}
		boards.SetWarmSource(js)
	}
	return nil
}

func sweepTokens(ctx context.Context, tokens *auth.TokenStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens.Sweep()
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
