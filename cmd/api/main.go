package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authgate/internal/app"
)

func main() {
	runtime, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	logger := runtime.Logger

	addr := fmt.Sprintf(":%s", runtime.Config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		_ = runtime.Close()
		os.Exit(1)
	}

	logger.Info("server_start", map[string]any{"addr": addr, "env": runtime.Config.Env})
	if err := app.Serve(ctx, server, listener, 10*time.Second, runtime.Close); err != nil {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server_stopped", nil)
}
