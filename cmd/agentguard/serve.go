package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentguard/agentguard/internal/alert"
	"github.com/agentguard/agentguard/internal/api"
	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/patch"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/proxy"
	"github.com/agentguard/agentguard/internal/scan"
	"github.com/agentguard/agentguard/internal/store"
)

const maintenanceInterval = time.Hour

type serveOptions struct {
	configFile string
	apiPort    int
	proxyPort  int
	devMode    bool

	// In-process proxy session started with the server.
	startProxy  bool
	provider    string
	multi       bool
	integration string
}

func runServe(opts serveOptions) error {
	loader, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	cfg := *loader.Get()

	if opts.apiPort > 0 {
		cfg.Server.Port = opts.apiPort
	}
	if opts.proxyPort > 0 {
		cfg.Proxy.Port = opts.proxyPort
	}
	if opts.devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	loader.SetLogger(logger)

	reg, err := provider.FromConfig(cfg.Providers)
	if err != nil {
		return fmt.Errorf("invalid providers: %w", err)
	}

	// Storage
	st, err := store.NewSQLiteStore(config.ExpandHome(cfg.Storage.Path))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defaults := store.Settings{
		BlockThreats:     cfg.Policy.BlockThreats,
		ScanLLMResponses: cfg.Policy.ScanLLMResponses,
	}
	if err := st.Initialize(defaults); err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Scanning
	scanner, rules, err := newScanner(cfg.Scanner, logger)
	if err != nil {
		return err
	}
	failMode, err := scan.ParseFailMode(cfg.Scanner.FailMode)
	if err != nil {
		return err
	}
	gate := scan.NewGate(scanner, scan.GateOptions{Timeout: cfg.Scanner.Timeout, FailMode: failMode}, logger)

	// Event fan-out
	alerts := alert.NewManager(cfg.Alerts, logger)
	hub := api.NewThreatHub(logger, cfg.Server.CORS)
	notifiers := []proxy.Notifier{hub}
	if alerts.HasSenders() {
		notifiers = append(notifiers, alerts)
	}
	recorder := proxy.NewRecorder(st, logger, notifiers...)

	mgr := lifecycle.NewManager(lifecycle.Options{
		Host:            cfg.Proxy.Host,
		Port:            cfg.Proxy.Port,
		DefaultProvider: cfg.Proxy.DefaultProvider,
		ShutdownGrace:   cfg.Proxy.ShutdownGrace,
		Registry:        reg,
		Patcher:         patch.NewPatcher(cfg.OpenClaw, reg, logger),
		NewHandler: func(req lifecycle.StartRequest) (lifecycle.Handler, error) {
			ic, err := proxy.New(proxy.Options{
				Registry:        reg,
				Provider:        req.Provider,
				Multi:           req.Multi,
				Integration:     req.Integration,
				Gate:            gate,
				Policy:          st,
				Reporter:        recorder,
				DefaultPolicy:   defaults,
				Gateway:         loader.Get().Gateway,
				MaxBufferBytes:  cfg.Proxy.MaxBufferBytes,
				UpstreamTimeout: cfg.Proxy.UpstreamTimeout,
				AllowAllOrigins: cfg.Server.CORS,
			}, logger)
			if err != nil {
				return nil, err
			}
			return ic, nil
		},
	}, logger)

	apiServer := api.NewServer(api.Options{
		Config:   cfg.Server,
		Proxy:    mgr,
		Store:    st,
		Registry: reg,
		Hub:      hub,
		Version:  version,
	}, logger)

	// Hot-apply scanner tunables.
	if loader.FilePath() != "" {
		err := loader.Watch(func(c *config.Config) {
			fm, err := scan.ParseFailMode(c.Scanner.FailMode)
			if err != nil {
				logger.Error("config reload: invalid fail mode", "error", err)
				return
			}
			gate.SetOptions(scan.GateOptions{Timeout: c.Scanner.Timeout, FailMode: fm})
			if rules != nil {
				if err := rules.SetRules(c.Scanner.Threshold, c.Scanner.Rules); err != nil {
					logger.Error("config reload: rules rejected, keeping previous set", "error", err)
					return
				}
			}
			logger.Info("scanner settings reloaded", "fail_mode", fm, "timeout", c.Scanner.Timeout)
		})
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err)
		} else {
			defer loader.StopWatch()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printBanner(cfg, loader.FilePath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace+5*time.Second)
		defer cancel()
		mgr.Shutdown(shutCtx)
		return apiServer.Shutdown(shutCtx)
	})

	g.Go(func() error {
		runMaintenance(gctx, st, alerts, cfg.Storage.Retention, logger)
		return nil
	})

	if opts.startProxy {
		status, err := mgr.StartInProcess(ctx, lifecycle.StartRequest{
			Provider:    opts.provider,
			Multi:       opts.multi,
			Integration: opts.integration,
		})
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to start proxy: %w", err)
		}
		logger.Info("in-process proxy started", "port", status.Port, "provider", status.Provider, "multi", status.Multi)
	}

	err = g.Wait()
	alerts.Wait()
	return err
}

// runMaintenance prunes expired events and stale alert dedup entries until
// ctx ends.
func runMaintenance(ctx context.Context, st store.EventStore, alerts *alert.Manager, retention time.Duration, logger *slog.Logger) {
	days := int(retention / (24 * time.Hour))
	prune := func() {
		alerts.PruneDedup()
		if days <= 0 {
			return
		}
		n, err := st.PruneOlderThan(days)
		if err != nil {
			logger.Error("event retention pruning failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pruned expired events", "count", n, "retention_days", days)
		}
	}

	prune()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// newScanner builds the configured scanner. The RuleScanner is returned
// separately so reloads can swap its rules; it is nil in remote mode.
func newScanner(cfg config.ScannerConfig, logger *slog.Logger) (scan.Scanner, *scan.RuleScanner, error) {
	if cfg.Mode == "remote" {
		return scan.NewOracleClient(cfg.OracleURL, nil, logger), nil, nil
	}
	rs, err := scan.NewRuleScanner(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile scan rules: %w", err)
	}
	return rs, rs, nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func printBanner(cfg config.Config, configFile string) {
	fmt.Fprintln(stdout)
	cyan.Fprintf(stdout, "  AgentGuard %s\n", version)
	dim.Fprintln(stdout, "  Threat-scanning proxy for LLM agents")
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  → API:       http://%s:%d/api\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(stdout, "  → Proxy:     %s:%d (started on demand)\n", cfg.Proxy.Host, cfg.Proxy.Port)
	fmt.Fprintf(stdout, "  → Scanner:   %s (fail %s, timeout %s)\n", cfg.Scanner.Mode, cfg.Scanner.FailMode, cfg.Scanner.Timeout)
	fmt.Fprintf(stdout, "  → Storage:   %s\n", cfg.Storage.Path)
	if configFile != "" {
		fmt.Fprintf(stdout, "  → Config:    %s\n", configFile)
	} else {
		fmt.Fprintf(stdout, "  → Config:    built-in defaults\n")
	}
	fmt.Fprintln(stdout)
}
