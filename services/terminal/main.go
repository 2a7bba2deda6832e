package main

import (
	"context"
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

	"github.com/expoclub/expo/pkg/config"
	"github.com/expoclub/expo/services/terminal/internal/terminal"
)

const (
	appName    = "terminal"
	appVersion = "0.1.0"
)

func main() {
	configPath := flag.String("config", "terminal.yml", "path to the config file")
	port := flag.Int("port", 8090, "local UI port")
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

	queuePath := cfg.Terminal.QueuePath
	if queuePath == "" {
		queuePath = "terminal-queue.db"
	}
	queue, err := terminal.OpenQueue(queuePath, cfg.Terminal.Backoff.MaxRetries, logger)
	if err != nil {
		log.Fatalf("Cannot open action queue: %v", err)
	}
	defer queue.Close()

	client := terminal.NewClient(cfg.Terminal, queue, cfg.Ticket.LateAfter.Std(), cfg.Ticket.RecalcInterval.Std(), logger)
	if err := client.Start(ctx); err != nil {
		log.Fatalf("Cannot start terminal client: %v", err)
	}
	defer client.Stop(context.Background())

	handler := terminal.NewHandler(client, queue, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/api/v1", handler.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
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
