// Package main implements the correlating reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/gitlab-org/labkit/fields"
	"gitlab.com/gitlab-org/labkit/log"
	"gitlab.com/gitlab-org/labkit/monitoring"

	"gitlab.com/gitlab-org/opcorrelator/internal/command"
	"gitlab.com/gitlab-org/opcorrelator/internal/config"
	"gitlab.com/gitlab-org/opcorrelator/internal/logger"
	"gitlab.com/gitlab-org/opcorrelator/internal/server"
	"gitlab.com/gitlab-org/opcorrelator/internal/telemetry"
)

var (
	configDir = flag.String("config-dir", "", "The directory the config is in")

	// Version is the current version of opcorrelator
	Version = "(unknown version)" // Set at build time
	// BuildTime signifies the time the binary was build
	BuildTime = "19700101.000000" // Set at build time
)

func overrideConfigFromEnvironment(cfg *config.Config) {
	if upstreamURL := os.Getenv("OPCORRELATOR_UPSTREAM_URL"); upstreamURL != "" {
		cfg.UpstreamURL = upstreamURL
	}
	if tracing := os.Getenv("OPCORRELATOR_TRACING"); tracing != "" {
		cfg.Tracing = tracing
	}
	if logFormat := os.Getenv("OPCORRELATOR_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if listen := os.Getenv("OPCORRELATOR_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
}

// loadConfig reads the config from dir, when given, and applies the
// environment overrides and defaults.
func loadConfig(dir string) (*config.Config, error) {
	cfg := new(config.Config)
	if dir != "" {
		var err error
		cfg, err = config.NewFromDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from specified directory: %w", err)
		}
	}

	overrideConfigFromEnvironment(cfg)
	if err := cfg.IsSane(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	return cfg, nil
}

func main() {
	command.CheckForVersionFlag(os.Args, Version, BuildTime)
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		entry := log.WithError(err).WithField(fields.ErrorMessage, err.Error())
		if *configDir == "" {
			entry.Error("no config-dir provided, using only environment variables")
		} else {
			entry.Error("configuration error")
		}
		os.Exit(1)
	}

	if closer := logger.Configure(cfg); closer != nil {
		defer closer.Close()
	}

	ctx, finished := command.Setup("opcorrelator", cfg)
	defer finished()

	srv, err := server.NewServer(cfg, telemetry.LogSink{})
	if err != nil {
		log.WithContextFields(ctx, log.Fields{fields.ErrorMessage: err.Error()}).Error("Failed to start opcorrelator")
		return
	}

	// Startup monitoring endpoint.
	if cfg.Server.WebListen != "" {
		startupMonitoringEndpoint(cfg, srv)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	gracefulShutdown(ctx, done, cfg, srv, cancel)

	if err := srv.ListenAndServe(ctx); err != nil {
		log.WithContextFields(ctx, log.Fields{fields.ErrorMessage: err.Error()}).Error("opcorrelator failed to listen for new requests")
		return
	}
}

func gracefulShutdown(
	ctx context.Context,
	done chan os.Signal,
	cfg *config.Config,
	srv *server.Server,
	cancel context.CancelFunc,
) {
	go func() {
		sig := <-done
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)

		gracePeriod := time.Duration(cfg.Server.GracePeriod)
		log.WithContextFields(ctx, log.Fields{
			"shutdown_timeout_s": gracePeriod.Seconds(),
			"signal":             sig.String(),
		}).Info("Shutdown initiated")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, gracePeriod)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithContextFields(ctx, log.Fields{fields.ErrorMessage: err.Error()}).Error("Error shutting down the server")
		}

		cancel()
	}()
}

func startupMonitoringEndpoint(cfg *config.Config, srv *server.Server) {
	go func() {
		err := monitoring.Start(
			monitoring.WithListenerAddress(cfg.Server.WebListen),
			monitoring.WithBuildInformation(Version, BuildTime),
			monitoring.WithServeMux(srv.MonitoringServeMux()),
		)
		log.WithError(err).Error("monitoring service raised an error")
	}()
}
