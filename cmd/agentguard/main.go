package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/provider"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		apiAddr    string
		jsonOut    bool
	)

	rootCmd := &cobra.Command{
		Use:           "agentguard",
		Short:         "Threat-scanning proxy for LLM agents",
		Long:          "AgentGuard sits between AI agents and their LLM providers,\nscanning prompts and completions for prompt injection and data exfiltration.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadDotEnv()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: agentguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Control API address (default: from config)")

	client := func() (*apiClient, error) {
		if apiAddr != "" {
			return newAPIClient(apiAddr), nil
		}
		loader, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg := loader.Get()
		return newAPIClient(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))), nil
	}

	// ─── serve ───
	var serve serveOptions
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API (and optionally the proxy in-process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			serve.configFile = configFile
			return runServe(serve)
		},
	}
	serveCmd.Flags().IntVarP(&serve.apiPort, "port", "p", 0, "Override control API port (default: 8741)")
	serveCmd.Flags().IntVar(&serve.proxyPort, "proxy-port", 0, "Override proxy port (default: 8742)")
	serveCmd.Flags().BoolVar(&serve.devMode, "dev", false, "Dev mode: verbose logs, CORS *")
	serveCmd.Flags().BoolVar(&serve.startProxy, "proxy", false, "Start the proxy with the server; it lives as long as the process")
	serveCmd.Flags().StringVar(&serve.provider, "provider", "", "Provider for --proxy in single mode")
	serveCmd.Flags().BoolVar(&serve.multi, "multi", false, "Serve every provider under its mount path with --proxy")
	serveCmd.Flags().StringVar(&serve.integration, "integration", "", "Integration tag recorded with --proxy")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter agentguard.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configFile)
		},
	}

	// ─── proxy ───
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Control the proxy of a running AgentGuard",
	}

	var start lifecycle.StartRequest
	proxyStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runProxyStart(cmd.Context(), c, start)
		},
	}
	proxyStartCmd.Flags().StringVar(&start.Provider, "provider", "", "Provider served at the root (single mode)")
	proxyStartCmd.Flags().BoolVar(&start.Multi, "multi", false, "Serve every provider under its mount path")
	proxyStartCmd.Flags().StringVar(&start.Integration, "integration", "", "Integration tag (openclaw patches OpenClaw's provider URLs)")

	proxyStopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runProxyStop(cmd.Context(), c)
		},
	}

	proxyStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show proxy status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runProxyStatus(cmd.Context(), c, jsonOut)
		},
	}
	proxyStatusCmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON")

	proxyRevertCmd := &cobra.Command{
		Use:   "revert",
		Short: "Restore patched OpenClaw files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runProxyRevert(cmd.Context(), c)
		},
	}

	proxyCmd.AddCommand(proxyStartCmd, proxyStopCmd, proxyStatusCmd, proxyRevertCmd)

	// ─── providers ───
	var (
		envOut   bool
		envMulti bool
	)
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(configFile, envOut, envMulti)
		},
	}
	providersCmd.Flags().BoolVar(&envOut, "env", false, "Print SDK base-URL exports pointing at the proxy")
	providersCmd.Flags().BoolVar(&envMulti, "multi", true, "Use multi-mode mount paths with --env")

	// ─── threats ───
	threatsCmd := &cobra.Command{
		Use:   "threats",
		Short: "Inspect the threat log",
	}

	var q threatQuery
	threatsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent threat events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runThreatsList(cmd.Context(), c, q, jsonOut)
		},
	}
	threatsListCmd.Flags().IntVarP(&q.Limit, "limit", "n", 20, "Maximum events to show")
	threatsListCmd.Flags().IntVar(&q.Offset, "offset", 0, "Events to skip")
	threatsListCmd.Flags().StringVar(&q.Provider, "provider", "", "Filter by provider")
	threatsListCmd.Flags().StringVar(&q.Direction, "direction", "", "Filter by direction (input, output)")
	threatsListCmd.Flags().StringVar(&q.Outcome, "outcome", "", "Filter by outcome (threat, scan_skipped, scan_failed_closed)")
	threatsListCmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON")

	threatsShowCmd := &cobra.Command{
		Use:   "show [event-id]",
		Short: "Show one threat event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			ev, err := c.getThreat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ev)
		},
	}

	threatsVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the threat log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return runThreatsVerify(cmd.Context(), c)
		},
	}

	threatsCmd.AddCommand(threatsListCmd, threatsShowCmd, threatsVerifyCmd)

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "AgentGuard %s\n", version)
			fmt.Fprintf(stdout, "  Commit:  %s\n", commit)
			fmt.Fprintf(stdout, "  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, proxyCmd, providersCmd, threatsCmd, versionCmd)
	return rootCmd
}

// ─── Proxy Commands ───

func runProxyStart(ctx context.Context, c *apiClient, req lifecycle.StartRequest) error {
	res, err := c.proxyStart(ctx, req)
	if err != nil {
		failure("Start failed: %s", describe(err))
		return err
	}
	mode := "single (" + res.Provider + ")"
	if res.Multi {
		mode = "multi"
	}
	success("Proxy started on port %d, %s mode", res.Port, mode)
	if res.Integration != "" {
		fmt.Fprintf(stdout, "  Integration: %s\n", res.Integration)
	}
	return nil
}

func runProxyStop(ctx context.Context, c *apiClient) error {
	res, err := c.proxyStop(ctx)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == 409 {
			warning("Proxy is not running")
			return nil
		}
		failure("Stop failed: %s", describe(err))
		return err
	}
	success("Proxy stopped")
	if res.Reverted {
		fmt.Fprintln(stdout, "  OpenClaw configuration restored")
	}
	return nil
}

func runProxyStatus(ctx context.Context, c *apiClient, asJSON bool) error {
	st, err := c.proxyStatus(ctx)
	if err != nil {
		if isUnreachable(err) {
			warning("AgentGuard is not reachable at %s", c.base)
			return nil
		}
		return err
	}
	if asJSON {
		return printJSON(st)
	}

	fmt.Fprintln(stdout, "AgentGuard Proxy")
	fmt.Fprintln(stdout, strings.Repeat("─", 17))
	state := red.Sprint(string(st.State))
	if st.Running {
		state = green.Sprint(string(st.State))
	}
	fmt.Fprintf(stdout, "  %-14s %s\n", "State:", state)
	if st.Running {
		mode := "single"
		if st.Multi {
			mode = "multi"
		}
		fmt.Fprintf(stdout, "  %-14s %d\n", "Port:", st.Port)
		fmt.Fprintf(stdout, "  %-14s %s\n", "Mode:", mode)
		if !st.Multi {
			fmt.Fprintf(stdout, "  %-14s %s\n", "Provider:", st.Provider)
		}
		fmt.Fprintf(stdout, "  %-14s %s\n", "Integration:", st.Integration)
		fmt.Fprintf(stdout, "  %-14s %s\n", "In-process:", yesNo(st.InProcess))
	}
	fmt.Fprintf(stdout, "  %-14s %s\n", "OpenClaw:", yesNo(st.OpenClaw))
	return nil
}

func runProxyRevert(ctx context.Context, c *apiClient) error {
	res, err := c.proxyRevert(ctx)
	if err != nil {
		failure("Revert failed: %s", describe(err))
		return err
	}
	success("%s", res.Message)
	return nil
}

// ─── Providers ───

func runProviders(configFile string, env, multi bool) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := loader.Get()
	reg, err := provider.FromConfig(cfg.Providers)
	if err != nil {
		return err
	}
	proxyURL := "http://" + net.JoinHostPort(cfg.Proxy.Host, strconv.Itoa(cfg.Proxy.Port))

	if env {
		for _, p := range reg.List() {
			if p.BaseURLEnv == "" {
				continue
			}
			fmt.Fprintf(stdout, "export %s=%s\n", p.BaseURLEnv, p.ClientBaseURL(proxyURL, multi))
		}
		return nil
	}

	table := newTable("ID", "KIND", "MOUNT", "UPSTREAM", "KEY ENV")
	for _, p := range reg.List() {
		table.Append([]string{p.ID, p.Kind.String(), p.MountPath, p.UpstreamBaseURL, p.AuthEnv})
	}
	table.Render()
	return nil
}

// ─── Threats ───

func runThreatsList(ctx context.Context, c *apiClient, q threatQuery, asJSON bool) error {
	events, total, err := c.listThreats(ctx, q)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]any{"threats": events, "total": total})
	}
	if len(events) == 0 {
		fmt.Fprintln(stdout, "No threat events recorded.")
		return nil
	}

	table := newTable("TIME", "ID", "PROVIDER", "DIR", "OUTCOME", "RISK", "TYPE", "BLOCKED")
	for _, e := range events {
		outcome := string(e.Outcome)
		kind := e.ThreatType
		if kind == "" {
			kind = e.SkipReason
		}
		table.Append([]string{
			e.Timestamp.Local().Format(time.DateTime),
			e.ID,
			e.Provider,
			e.Direction,
			outcome,
			strconv.Itoa(e.RiskScore),
			truncate(kind, 24),
			yesNo(e.Blocked),
		})
	}
	table.Render()
	dim.Fprintf(stdout, "\n%d of %d events\n", len(events), total)
	return nil
}

func runThreatsVerify(ctx context.Context, c *apiClient) error {
	res, err := c.verifyChain(ctx)
	if err != nil {
		return err
	}
	if res.Valid {
		success("Hash chain intact (%d events checked)", res.Checked)
		return nil
	}
	failure("Hash chain broken at event %s (%d events checked)", res.BrokenAt, res.Checked)
	return fmt.Errorf("threat log tampered")
}

// ─── Init ───

func runInit(configFile string) error {
	path := configFile
	if path == "" {
		path = "agentguard.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		warning("%s already exists (skipping)", path)
		return nil
	}
	if err := config.GenerateDefault(path); err != nil {
		return err
	}
	success("Generated %s", path)

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "  Next steps:")
	fmt.Fprintln(stdout, "    agentguard serve                      # Start the control API")
	fmt.Fprintln(stdout, "    agentguard proxy start --multi        # Start the proxy for every provider")
	fmt.Fprintln(stdout, "    eval \"$(agentguard providers --env)\"  # Point SDKs at the proxy")
	return nil
}

// ─── Shared Helpers ───

// loadDotEnv loads .env from the working directory, then the user config
// directory. Variables already set win.
func loadDotEnv() {
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "agentguard", ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func loadConfig(configFile string) (*config.Loader, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader, nil
}

func findConfigFile() string {
	candidates := []string{
		"agentguard.yaml",
		"agentguard.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "agentguard", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func describe(err error) string {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
