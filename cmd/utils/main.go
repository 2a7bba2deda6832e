package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/expoclub/expo/cmd/utils/internal/commands"
)

const (
	appName    = "expo-utils"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	serverURL := flags.String("server", "http://localhost:8080", "sync service base URL")
	token := flags.String("token", "", "API token")
	location := flags.String("location", "loc-demo", "location ID to seed")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Parse(os.Args[2:])

	logger := newLogger(*logLevel)
	ctx := context.Background()

	switch command {
	case "seed-demo":
		opts := commands.SeedDemoOptions{
			ServerURL: *serverURL,
			Token:     *token,
			Location:  *location,
		}
		if err := commands.SeedDemo(ctx, opts, logger); err != nil {
			log.Fatalf("Demo seeding failed: %v", err)
		}
		logger.Info("demo seeding completed")

	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - Expo utility commands

Usage:
  %s <command> [options]

Commands:
  seed-demo    Replay a scripted dinner service against a running sync service
  version      Print version information
  help         Show this help message

Options:
  -server      Sync service base URL (default: http://localhost:8080)
  -token       API token for the target location
  -location    Location ID to seed (default: loc-demo)
  -log-level   Log level: debug, info, warn, error (default: info)

Examples:
  %s seed-demo -server http://localhost:8080 -token demo-token
`, appName, appName, appName)
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
