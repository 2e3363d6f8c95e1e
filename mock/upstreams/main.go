// Command upstreams runs lightweight HTTP stand-ins for the provider APIs the
// bridge talks to, for manual end-to-end testing without real credentials.
// Point catalogue entries at the local ports:
//
//	openai / openai_compatible / openrouter  :19001  (base URL http://127.0.0.1:19001/v1)
//	anthropic                                :19002
//	gemini                                   :19003  (base URL http://127.0.0.1:19003)
//	vscode_proxy                             :19004
//
// Ports come from PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI, PORT_VSCODE.
// Behaviour flags:
//
//	MOCK_LATENCY_MS   — latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests failed with HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words per completion (default 10)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the fault-injection knobs shared by all stand-ins.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}
	if n, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil {
		c.LatencyMS = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		c.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_STREAM_WORDS")); err == nil && n > 0 {
		c.StreamWords = n
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	upstreams := []struct {
		name    string
		portEnv string
		port    int
		handler http.Handler
	}{
		{"openai", "PORT_OPENAI", 19001, newOpenAIHandler(cfg)},
		{"anthropic", "PORT_ANTHROPIC", 19002, newAnthropicHandler(cfg)},
		{"gemini", "PORT_GEMINI", 19003, newGeminiHandler(cfg)},
		{"vscode", "PORT_VSCODE", 19004, newVSCodeProxyHandler(cfg)},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range upstreams {
		addr := ":" + strconv.Itoa(u.port)
		if v := os.Getenv(u.portEnv); v != "" {
			addr = ":" + v
		}
		srv := &http.Server{
			Addr:         addr,
			Handler:      u.handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		log.Info("mock upstream listening", slog.String("upstream", u.name), slog.String("addr", addr))
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", u.name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Println("READY")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("mock upstreams failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock upstreams stopped")
}
