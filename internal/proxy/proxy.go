// Package proxy implements the AgentGuard intercepting reverse proxy. It sits
// between AI agents and upstream LLM providers, extracts the human-readable
// text of every request and response, runs it through the threat scanner and
// applies the block policy before anything is forwarded or relayed.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/payload"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/scan"
	"github.com/agentguard/agentguard/internal/store"

	"github.com/gorilla/websocket"
)

// Header keys AgentGuard adds to responses.
const (
	HeaderEventID = "X-AgentGuard-Event-Id"
	HeaderBlocked = "X-AgentGuard-Blocked"
)

// PolicySource supplies the block policy. It is read on every request so
// dashboard toggles apply without a restart.
type PolicySource interface {
	GetSettings(ctx context.Context) (store.Settings, error)
}

// Reporter receives every event worth keeping: threat verdicts and scans
// that were skipped or failed closed.
type Reporter interface {
	Report(ctx context.Context, e *store.Event) error
}

// Options configures an Interceptor.
type Options struct {
	Registry *provider.Registry
	// Provider is the provider served at the root in single mode.
	Provider string
	Multi    bool
	// Integration is recorded on every event.
	Integration string

	Gate     *scan.Gate
	Policy   PolicySource
	Reporter Reporter
	// DefaultPolicy is used until Policy answers successfully.
	DefaultPolicy store.Settings

	Gateway config.GatewayConfig

	MaxBufferBytes  int64
	UpstreamTimeout time.Duration
	// Transport overrides the upstream round tripper (tests).
	Transport http.RoundTripper
	// AllowAllOrigins disables the same-origin check on WebSocket upgrades.
	AllowAllOrigins bool
}

// Interceptor is the http.Handler for the data plane.
type Interceptor struct {
	opts     Options
	single   provider.Config
	client   *http.Client
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	lastPolicy atomic.Pointer[store.Settings]

	scans sync.WaitGroup // detached output scans

	mu      sync.Mutex
	tunnels map[*tunnel]struct{}
	closing bool // guarded by mu; set by CloseTunnels, never cleared

	logger *slog.Logger
}

// New builds an Interceptor. In single mode the provider must resolve.
func New(opts Options, logger *slog.Logger) (*Interceptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registry == nil {
		return nil, errors.New("proxy: provider registry is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("proxy: scan gate is required")
	}
	if opts.MaxBufferBytes <= 0 {
		opts.MaxBufferBytes = 10 << 20
	}
	if opts.Gateway.Path == "" {
		opts.Gateway.Path = "/gateway"
	}

	ic := &Interceptor{
		opts:    opts,
		tunnels: make(map[*tunnel]struct{}),
		logger:  logger.With("component", "proxy.Interceptor"),
	}

	if !opts.Multi {
		p, err := opts.Registry.Resolve(opts.Provider)
		if err != nil {
			return nil, err
		}
		ic.single = p
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// Forward the agent's Accept-Encoding untouched and relay whatever
		// encoding the upstream picks.
		t.DisableCompression = true
		transport = t
	}
	ic.client = &http.Client{
		Transport: transport,
		Timeout:   opts.UpstreamTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	ic.upgrader = newWSUpgrader(opts.AllowAllOrigins)
	ic.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	def := opts.DefaultPolicy
	ic.lastPolicy.Store(&def)
	return ic, nil
}

// ServeHTTP routes a request to the gateway tunnel, a provider WebSocket
// tunnel or the HTTP pipeline.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ic.opts.Gateway.Enabled && strings.TrimRight(r.URL.Path, "/") == strings.TrimRight(ic.opts.Gateway.Path, "/") {
		ic.serveGateway(w, r)
		return
	}

	prov, rest, ok := ic.route(r.URL.Path)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_route",
			fmt.Sprintf("No provider is mounted at %s", r.URL.Path))
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		ic.serveProviderTunnel(w, r, prov, rest)
		return
	}
	ic.serveHTTP(w, r, prov, rest)
}

// route picks the provider: fixed in single mode, longest mount prefix in
// multi mode.
func (ic *Interceptor) route(path string) (provider.Config, string, bool) {
	if !ic.opts.Multi {
		return ic.single, path, true
	}
	return ic.opts.Registry.Match(path)
}

// policy re-reads the block policy, falling back to the last good value.
func (ic *Interceptor) policy(ctx context.Context) store.Settings {
	if ic.opts.Policy == nil {
		return *ic.lastPolicy.Load()
	}
	s, err := ic.opts.Policy.GetSettings(ctx)
	if err != nil {
		ic.logger.Error("failed to read block policy, using last known", "error", err)
		return *ic.lastPolicy.Load()
	}
	ic.lastPolicy.Store(&s)
	return s
}

// Wait blocks until detached output scans finish or ctx is done.
func (ic *Interceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ic.scans.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record turns a gated scan into an event and hands it to the reporter.
// Clean verdicts and empty text are not recorded. It returns the event id.
func (ic *Interceptor) record(ctx context.Context, ev eventContext, dir scan.Direction, res scan.Result, blocked bool, text string) string {
	var outcome store.Outcome
	switch res.Outcome {
	case scan.OutcomeThreat:
		outcome = store.OutcomeThreat
		ic.logger.Warn("threat detected",
			"provider", ev.provider,
			"direction", dir,
			"threat_type", res.Verdict.ThreatType,
			"risk_score", res.Verdict.RiskScore,
			"rules", res.Verdict.MatchedRuleIDs,
			"blocked", blocked,
		)
	case scan.OutcomeSkipped:
		if res.SkipReason == scan.SkipEmptyText {
			return ""
		}
		outcome = store.OutcomeScanSkipped
	case scan.OutcomeFailedClosed:
		outcome = store.OutcomeScanFailedClosed
	default:
		return ""
	}

	e := &store.Event{
		Provider:       ev.provider,
		Direction:      string(dir),
		Outcome:        outcome,
		Blocked:        blocked,
		RiskScore:      res.Verdict.RiskScore,
		ThreatType:     res.Verdict.ThreatType,
		MatchedRuleIDs: res.Verdict.MatchedRuleIDs,
		SkipReason:     res.SkipReason,
		Integration:    ic.opts.Integration,
		Path:           ev.path,
		Model:          ev.model,
		Excerpt:        text,
	}
	if ic.opts.Reporter == nil {
		return ""
	}
	// The caller may already be gone; the event is still kept.
	if err := ic.opts.Reporter.Report(context.WithoutCancel(ctx), e); err != nil {
		ic.logger.Error("failed to record event", "provider", ev.provider, "direction", dir, "error", err)
		return ""
	}
	return e.ID
}

// eventContext is what every event of one exchange shares.
type eventContext struct {
	provider string
	path     string
	model    string
}

func newEventContext(prov provider.Config, path string, req payload.Request) eventContext {
	model := req.Model
	if model == "" {
		model = payload.ModelFromPath(path)
	}
	return eventContext{provider: prov.ID, path: path, model: model}
}
