// Command domlink is the relay: it ingests shim events, maintains per-context
// state, queues commands, and serves the agent HTTP and MCP surfaces.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domlink/dbopen"
	"github.com/hazyhaar/domlink/relay"
	"github.com/hazyhaar/domlink/shield"
)

func main() {
	port := env("PORT", "8090")
	dbPath := env("RELAY_DB", "db/domlink.db")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("relay db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	svc := relay.New(db, relay.Options{Logger: logger})
	if err := svc.Init(ctx); err != nil {
		slog.Error("relay init", "error", err)
		os.Exit(1)
	}
	go svc.Run(ctx)

	// Optional MCP agent surface over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "domlink", Version: "1.0.0"}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp server", "error", err)
			}
		}()
		slog.Info("mcp serving on stdio")
	}

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	svc.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("relay listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	slog.Info("relay stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
