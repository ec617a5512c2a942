// Command domlink-shim attaches to browser pages and bridges them to a
// relay.
//
// Usage:
//
//	domlink-shim -config shim.yaml            # attach pages from YAML config
//	domlink-shim -url https://app.example     # quick single-page attach
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/domlink/shim"
)

func main() {
	configPath := flag.String("config", "", "path to shim.yaml config file")
	singleURL := flag.String("url", "", "attach a single URL")
	relayURL := flag.String("relay", "", "relay base URL (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *singleURL, *relayURL); err != nil {
		logger.Error("shim: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, singleURL, relayURL string) error {
	var cfg *shim.Config
	switch {
	case configPath != "":
		loaded, err := shim.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	case singleURL != "":
		cfg = &shim.Config{
			Browser: shim.BrowserConfig{Headless: true},
			Pages:   []shim.PageConfig{{URL: singleURL}},
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: domlink-shim -config <file> | -url <url>")
		os.Exit(1)
	}
	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}

	s := shim.New(cfg, logger)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Stop(shutCtx)
	return nil
}
