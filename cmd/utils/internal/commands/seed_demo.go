package commands

import (
	"context"
	"log/slog"

	"github.com/expoclub/expo/cmd/utils/internal/seeding"
)

// SeedDemoOptions locates the target service and scope for seeding.
type SeedDemoOptions struct {
	ServerURL string
	Token     string
	Location  string
}

// SeedDemo replays a scripted dinner service against a running sync service.
// Re-running it opens a fresh set of orders rather than failing; the demo
// data has no marker records because the service keeps no domain database.
func SeedDemo(ctx context.Context, opts SeedDemoOptions, logger *slog.Logger) error {
	logger.Info("seeding demo service", "server", opts.ServerURL, "location", opts.Location)

	client := seeding.NewClient(opts.ServerURL, opts.Token, opts.Location)
	return seeding.SeedService(ctx, client, logger)
}
