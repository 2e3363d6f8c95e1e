// Command bridge is the CLADS local LLM bridge.
//
// It serves two OpenAI-compatible proxy listeners (general and special) plus
// a management API, multiplexing traffic across the providers configured in
// its SQLite catalogue.
//
// Quick-start with the default ports and an empty catalogue:
//
//	./bridge
//
// Then add a configuration through the admin API:
//
//	curl -X POST localhost:4322/admin/configs \
//	  -d '{"model_name":"gpt-4o","service_type":"openai","api_key":"sk-..."}'
//
// See .env.example for all configuration variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-bridge/internal/app"
	"github.com/nulpointcorp/llm-bridge/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — a missing or invalid setting is a usage error.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(app.ExitConfig)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(app.ExitCode(err))
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("bridge stopped", slog.String("error", err.Error()))
		os.Exit(app.ExitCode(err))
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
