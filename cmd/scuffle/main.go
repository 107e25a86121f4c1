// Command scuffle runs the multi-protocol HTTP front-end: one TLS listener
// negotiating HTTP/1.1 and HTTP/2 via ALPN, plus a QUIC listener for HTTP/3,
// all feeding a single request handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrSloth/scuffle/internal/config"
	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/server"
	"github.com/DrSloth/scuffle/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the configuration file (TOML or JSON)")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.CloseLogFiles()

	m := metrics.New()
	var metricsSrv *http.Server
	if *cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:    *cfg.Metrics.BindAddress,
			Handler: m.Handler(),
		}
		go func() {
			lg.Info("metrics listener starting", logger.LogFields{
				"address": metricsSrv.Addr,
			})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error("metrics listener failed", logger.LogFields{"error": err.Error()})
			}
		}()
	}

	srv, err := server.NewServer(cfg, statusHandler(), lg, m)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	lg.Info("server started", logger.LogFields{
		"bind_address": *cfg.Server.BindAddress,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	lg.Info("signal received, draining", logger.LogFields{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(),
		config.MustDuration(*cfg.Server.GracefulShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Warn("shutdown did not drain cleanly", logger.LogFields{"error": err.Error()})
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	lg.Info("server stopped", nil)
}

// statusHandler answers every request with a small status document. The
// front-end is a termination layer; deployments replace this with their own
// web.Handler wired through server.NewServer.
func statusHandler() web.Handler {
	return web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		body := fmt.Sprintf("scuffle front-end\nprotocol: %s\nmethod: %s\npath: %s\n",
			req.Protocol, req.Method, req.Path)
		return web.TextResponse(200, body), nil
	})
}
