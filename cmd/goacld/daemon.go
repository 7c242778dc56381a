package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/dantte-lp/goacl/internal/acl"
	"github.com/dantte-lp/goacl/internal/config"
)

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The
// interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + policy reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared
// LevelVar and the declarative policy is re-applied; rebinding bumps
// the policy epochs, so stale cached sessions reclassify on their
// next packet. Blocks until the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	dp *acl.Dataplane,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			reloadConfig(dp, configPath, logLevel, logger)
		}
	}
}

// reloadConfig performs one SIGHUP reload cycle.
func reloadConfig(dp *acl.Dataplane, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	if configPath == "" {
		logger.Warn("SIGHUP received but no config file was given, ignoring")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("reload failed, keeping previous configuration",
			slog.String("error", err.Error()),
		)
		return
	}

	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	dp.SetReclassifySessions(cfg.Dataplane.ReclassifySessions)

	if err := applyPolicy(dp, cfg, logger); err != nil {
		logger.Error("reload failed while applying policy",
			slog.String("error", err.Error()),
		)
		return
	}

	logger.Info("configuration reloaded", slog.String("path", configPath))
}
