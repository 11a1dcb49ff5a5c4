package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/because-why-not/awrtc-signaling/internal/admintoken"
	"github.com/because-why-not/awrtc-signaling/internal/config"
	"github.com/because-why-not/awrtc-signaling/internal/httpserver"
	"github.com/because-why-not/awrtc-signaling/internal/metrics"
	"github.com/because-why-not/awrtc-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""

	shutdownTimeout = 10 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the relay's YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(*cfg)
	slog.SetDefault(logger)

	logger.Info("starting awrtc-signaling",
		"listen_addr", cfg.ListenAddr,
		"apps", len(cfg.Apps),
		"max_payload", cfg.MaxPayload,
		"tls_enabled", cfg.TLSEnabled(),
		"admin_token_configured", cfg.AdminToken != "",
	)

	logStartupSecurityWarnings(logger, *cfg)

	registry, err := signaling.NewRegistry(appConfigs(cfg.Apps), logger)
	if err != nil {
		logger.Error("failed to build pool registry", "err", err)
		os.Exit(2)
	}

	tokens := admintoken.New(cfg.AdminToken)

	promReg := prometheus.NewRegistry()
	mcol := metrics.NewCollector(promReg)

	commit, bt := resolveBuildInfo(buildCommit, buildTime)
	build := httpserver.BuildInfo{Commit: commit, BuildTime: bt}

	srv := httpserver.New(*cfg, logger, build, registry, tokens, mcol, promReg)

	addr := cfg.HTTP.Addr
	if cfg.TLSEnabled() {
		addr = cfg.HTTPS.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "addr", addr, "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func appConfigs(apps []config.App) []signaling.AppConfig {
	out := make([]signaling.AppConfig, len(apps))
	for i, a := range apps {
		out[i] = signaling.AppConfig{Name: a.Name, Path: a.Path, AddressSharing: a.AddressSharing}
	}
	return out
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
