package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sweeney/ups-exporter/internal/app"
	"github.com/sweeney/ups-exporter/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stderr)
	cancel()
	os.Exit(code)
}

// run returns the process exit code: 0 after a clean shutdown or -h, 1 when
// the configuration is invalid or the exporter could not start.
func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) int {
	cfg, err := config.Load(args, getenv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "loading config: %v\n", err)
		return 1
	}

	logger := config.NewLogger(stderr, cfg)
	slog.SetDefault(logger)

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error("Exporter stopped", "error", err)
		return 1
	}
	return 0
}
