// goacld daemon -- stateful ACL dataplane node for a software packet
// forwarder.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/goacl/internal/acl"
	"github.com/dantte-lp/goacl/internal/config"
	aclmetrics "github.com/dantte-lp/goacl/internal/metrics"
	"github.com/dantte-lp/goacl/internal/replay"
	"github.com/dantte-lp/goacl/internal/server"
	appversion "github.com/dantte-lp/goacl/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// gaugeInterval is how often the per-worker session gauges refresh.
const gaugeInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("goacld"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("goacld starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("workers", cfg.Dataplane.Workers),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := aclmetrics.NewCollector(reg)

	// 5. Create the dataplane with metrics wired in.
	dp, err := acl.New(dataplaneConfig(cfg), logger, acl.WithCounterSink(collector))
	if err != nil {
		logger.Error("failed to create dataplane", slog.String("error", err.Error()))
		return 1
	}

	// 6. Install declarative ACLs and bindings.
	if err := applyPolicy(dp, cfg, logger); err != nil {
		logger.Error("failed to apply policy", slog.String("error", err.Error()))
		return 1
	}

	// 7. Run workers and servers.
	if err := runServers(cfg, dp, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("goacld exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("goacld stopped")
	return 0
}

// loadConfig loads the configuration file, or defaults when no path
// was given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// newLoggerWithLevel builds the daemon logger from the log config.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// dataplaneConfig maps the daemon configuration onto the dataplane.
func dataplaneConfig(cfg *config.Config) acl.Config {
	return acl.Config{
		Workers:              cfg.Dataplane.Workers,
		MaxInterfaces:        cfg.Dataplane.MaxInterfaces,
		PerWorkerSessions:    cfg.Dataplane.SessionsPerWorker,
		PerInterfaceSessions: cfg.Dataplane.SessionsPerInterface,
		ReclassifySessions:   cfg.Dataplane.ReclassifySessions,
		MatcherCapability:    cfg.Dataplane.MatcherCapability,
		ExpireInterval:       cfg.Dataplane.ExpireInterval,
		Timeouts: [5]time.Duration{
			acl.TimeoutTransient:      cfg.Dataplane.TransientTimeout,
			acl.TimeoutEstablished:    cfg.Dataplane.EstablishedTimeout,
			acl.TimeoutTCPTransient:   cfg.Dataplane.TCPTransientTimeout,
			acl.TimeoutTCPEstablished: cfg.Dataplane.TCPEstablishedTimeout,
		},
	}
}

// runServers starts the workers, the HTTP servers, and the daemon
// goroutines under an errgroup with a signal-aware context.
func runServers(
	cfg *config.Config,
	dp *acl.Dataplane,
	collector *aclmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Packet workers.
	for _, w := range dp.Workers() {
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	// HTTP servers.
	adminSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           server.New(dp, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(gCtx, &lc, adminSrv, cfg.Admin.Addr)
	})
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	// Session gauge refresher.
	g.Go(func() error {
		refreshSessionGauges(gCtx, dp, collector)
		return nil
	})

	// Systemd watchdog and SIGHUP reload.
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, dp, logger)
		return nil
	})

	// Optional pcap replay front-end.
	if cfg.Replay.Path != "" {
		src := replay.New(dp, logger, cfg.Replay.Path, cfg.Replay.IfIndex, cfg.Replay.L2, cfg.Replay.Loop)
		g.Go(func() error {
			return src.Run(gCtx)
		})
	}

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// listenAndServe serves an HTTP server on a context-aware listener.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// refreshSessionGauges periodically publishes per-worker live session
// counts.
func refreshSessionGauges(ctx context.Context, dp *acl.Dataplane, collector *aclmetrics.Collector) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := range dp.Workers() {
				collector.SetWorkerSessions(i, dp.Table().WorkerLive(uint16(i)))
			}
		}
	}
}

// gracefulShutdown drains the HTTP servers.
func gracefulShutdown(logger *slog.Logger, servers ...*http.Server) error {
	notifyStopping(logger)
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
	}
	return nil
}
