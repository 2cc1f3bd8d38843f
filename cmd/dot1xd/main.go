// dot1xd — wired 802.1X authenticator daemon with MAC authentication bypass.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dot1xd/dot1xd/internal/authenticator"
	"github.com/dot1xd/dot1xd/internal/config"
	"github.com/dot1xd/dot1xd/internal/events"
	"github.com/dot1xd/dot1xd/internal/logging"
	"github.com/dot1xd/dot1xd/internal/ratelimit"
	"github.com/dot1xd/dot1xd/internal/sessions"
	"github.com/dot1xd/dot1xd/internal/statemachine"
)

func main() {
	configPath := flag.String("config", "/etc/dot1xd/config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Server.LogLevel, os.Stdout)
	logger.Info("dot1xd starting",
		"config", *configPath,
		"interface", cfg.Server.Interface,
		"radius_server", fmt.Sprintf("%s:%d", cfg.Radius.ServerIP, cfg.Radius.ServerPort))

	if cfg.Server.PIDFile != "" {
		pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
		if err := os.WriteFile(cfg.Server.PIDFile, pid, 0644); err != nil {
			logger.Warn("writing pid file", "path", cfg.Server.PIDFile, "error", err)
		} else {
			defer os.Remove(cfg.Server.PIDFile)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Station store (BoltDB) records authentication outcomes.
	store, err := sessions.NewStore(cfg.Server.StationDB)
	if err != nil {
		logger.Error("failed to open station database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("station database opened", "path", cfg.Server.StationDB, "stations", store.Count())

	// Event bus feeds the store and any embedder hooks.
	bus := events.NewBus(cfg.Events.BufferSize, logger)
	go bus.Start()
	defer bus.Stop()
	go store.Follow(bus.Subscribe(1000))

	// Prometheus exposition.
	if cfg.Metrics.Listen != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics listening", "address", cfg.Metrics.Listen)
			if err := nethttp.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	limiter := ratelimit.New(cfg.RateLimit.Enabled,
		cfg.RateLimit.MaxTriggersPerSecond, cfg.RateLimit.MaxPerMACPerSecond)

	auth, err := authenticator.New(authenticator.Config{
		Interface:        cfg.Server.Interface,
		RadiusServerIP:   net.ParseIP(cfg.Radius.ServerIP),
		RadiusServerPort: cfg.Radius.ServerPort,
		RadiusSecret:     []byte(cfg.Radius.Secret),
		CalledStationID:  cfg.Radius.CalledStationID,
		Timing: statemachine.Timing{
			RetransWhile: cfg.Timers.RetransWhileD(),
			AAAWhile:     cfg.Timers.AAAWhileD(),
			MaxRetrans:   config.DefaultMaxRetrans,
		},
		SessionTimeoutDefault: cfg.Timers.SessionTimeoutD(),
		PortUpIdentityDelay:   cfg.Timers.PortUpIdentityDelayD(),
		PreemptiveInterval:    cfg.Timers.PreemptiveIntervalD(),
		QueueDepth:            config.DefaultQueueDepth,
		Logger:                logger,
		Bus:                   bus,
		RateLimiter:           limiter,
	}, authenticator.Callbacks{
		// Standalone operation has no switch control plane attached;
		// outcomes are logged and recorded in the station store.
		AuthHandler: func(mac, port string, timeout time.Duration, attrs map[string]string) {
			logger.Info("port authorized", "client", mac, "port", port, "session_timeout", timeout.String())
		},
		FailureHandler: func(mac, port string) {
			logger.Info("port authorization failed", "client", mac, "port", port)
		},
		LogoffHandler: func(mac, port string) {
			logger.Info("client logged off", "client", mac, "port", port)
		},
	})
	if err != nil {
		logger.Error("failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	for _, port := range cfg.Server.Ports {
		auth.PortUp(port)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		auth.Stop()
		cancel()
	}()

	if err := auth.Run(ctx); err != nil {
		logger.Error("authenticator exited", "error", err)
		os.Exit(1)
	}
	slog.Info("dot1xd stopped")
}
