package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentguard/agentguard/internal/payload"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/scan"

	"github.com/gorilla/websocket"
)

// newWSUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin (or origin-less) requests are accepted.
func newWSUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}

// tunnel is one proxied WebSocket connection pair. Frames are inspected at
// message boundaries; the connection itself is passed through.
type tunnel struct {
	ev       eventContext
	agent    *websocket.Conn // agent → AgentGuard
	upstream *websocket.Conn // AgentGuard → upstream

	agentMu    sync.Mutex // serializes writes to agent
	upstreamMu sync.Mutex // serializes writes to upstream

	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

func (t *tunnel) writeAgent(msgType int, data []byte) error {
	t.agentMu.Lock()
	defer t.agentMu.Unlock()
	return t.agent.WriteMessage(msgType, data)
}

func (t *tunnel) writeUpstream(msgType int, data []byte) error {
	t.upstreamMu.Lock()
	defer t.upstreamMu.Unlock()
	return t.upstream.WriteMessage(msgType, data)
}

// serveProviderTunnel proxies a WebSocket upgrade on a provider route, such
// as the OpenAI Realtime API.
func (ic *Interceptor) serveProviderTunnel(w http.ResponseWriter, r *http.Request, prov provider.Config, rest string) {
	upstream, err := prov.Upstream()
	if err != nil {
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	target := *upstream
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	case "http":
		target.Scheme = "ws"
	}
	target.Path = provider.UpstreamPath(upstream.Path, rest)
	target.RawQuery = r.URL.RawQuery

	header := dialHeaders(r.Header)
	prov.InjectAuth(header)

	ev := eventContext{provider: prov.ID, path: r.URL.Path, model: r.URL.Query().Get("model")}
	ic.openTunnel(w, r, target.String(), header, ev)
}

// serveGateway proxies an agent gateway connection (OpenClaw style).
func (ic *Interceptor) serveGateway(w http.ResponseWriter, r *http.Request) {
	if ic.opts.Gateway.UpstreamURL == "" {
		respondError(w, http.StatusBadGateway, "upstream_error", "No gateway upstream is configured")
		return
	}
	header := dialHeaders(r.Header)
	if ic.opts.Gateway.AuthToken != "" {
		header.Set("Authorization", "Bearer "+ic.opts.Gateway.AuthToken)
	}
	ic.openTunnel(w, r, ic.opts.Gateway.UpstreamURL, header, eventContext{provider: "gateway", path: r.URL.Path})
}

// openTunnel dials the upstream first so a dead upstream is reported as a
// plain HTTP error, then upgrades the agent and starts both pumps.
func (ic *Interceptor) openTunnel(w http.ResponseWriter, r *http.Request, target string, header http.Header, ev eventContext) {
	if ic.isClosing() {
		respondError(w, http.StatusServiceUnavailable, "proxy_stopping", "Proxy is stopping")
		return
	}

	upstreamWS, resp, err := ic.dialer.DialContext(r.Context(), target, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode >= 400 {
			status = resp.StatusCode
		}
		ic.logger.Error("failed to connect to upstream websocket", "target", target, "error", err)
		respondError(w, status, "upstream_error", fmt.Sprintf("Upstream websocket unavailable: %v", err))
		return
	}

	var respHeader http.Header
	if p := upstreamWS.Subprotocol(); p != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {p}}
	}
	agentWS, err := ic.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		ic.logger.Error("failed to upgrade agent websocket", "error", err)
		_ = upstreamWS.Close()
		return
	}
	// Hijacked connections keep the listener's request deadlines.
	_ = agentWS.SetReadDeadline(time.Time{})
	_ = agentWS.SetWriteDeadline(time.Time{})

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	t := &tunnel{
		ev:       ev,
		agent:    agentWS,
		upstream: upstreamWS,
		ctx:      ctx,
		cancel:   cancel,
	}

	ic.mu.Lock()
	if ic.closing {
		// CloseTunnels ran while the upstream was dialing.
		ic.mu.Unlock()
		_ = agentWS.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "proxy stopping"),
			time.Now().Add(time.Second),
		)
		_ = agentWS.Close()
		_ = upstreamWS.Close()
		cancel()
		ic.logger.Debug("websocket tunnel refused, proxy stopping", "provider", ev.provider)
		return
	}
	ic.tunnels[t] = struct{}{}
	ic.mu.Unlock()

	ic.logger.Info("websocket tunnel opened", "provider", ev.provider, "path", ev.path)

	go ic.pumpAgentToUpstream(t)
	go ic.pumpUpstreamToAgent(t)
}

// pumpAgentToUpstream scans agent frames as input and forwards the allowed
// ones.
func (ic *Interceptor) pumpAgentToUpstream(t *tunnel) {
	defer ic.cleanupTunnel(t)

	for {
		msgType, data, err := t.agent.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ic.logger.Debug("agent connection closed", "provider", t.ev.provider, "error", err)
			}
			return
		}

		if msgType == websocket.TextMessage && !ic.allowFrame(t, data, scan.DirectionInput) {
			continue
		}
		if err := t.writeUpstream(msgType, data); err != nil {
			return
		}
	}
}

// pumpUpstreamToAgent forwards upstream frames, scanning them as output when
// response scanning is on.
func (ic *Interceptor) pumpUpstreamToAgent(t *tunnel) {
	defer ic.cleanupTunnel(t)

	for {
		msgType, data, err := t.upstream.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ic.logger.Debug("upstream connection closed", "provider", t.ev.provider, "error", err)
			}
			return
		}

		if msgType == websocket.TextMessage && !ic.allowFrame(t, data, scan.DirectionOutput) {
			continue
		}
		if err := t.writeAgent(msgType, data); err != nil {
			return
		}
	}
}

// allowFrame scans one text frame. A dropped frame is replaced by an
// agentguard.blocked frame sent to the agent.
func (ic *Interceptor) allowFrame(t *tunnel, data []byte, dir scan.Direction) bool {
	pol := ic.policy(t.ctx)
	if dir == scan.DirectionOutput && !pol.ScanLLMResponses {
		return true
	}

	text, _ := payload.ExtractFrame(data)
	res := ic.opts.Gate.Check(t.ctx, text, dir)
	if res.Outcome == scan.OutcomeCanceled {
		return false
	}
	block := res.Outcome == scan.OutcomeThreat && pol.BlockThreats
	failedClosed := res.Outcome == scan.OutcomeFailedClosed
	eventID := ic.record(t.ctx, t.ev, dir, res, block || failedClosed, text)

	var frame []byte
	switch {
	case block:
		frame = blockedFrame("threat_blocked",
			fmt.Sprintf("Message blocked: %s detected (risk %d)", res.Verdict.ThreatType, res.Verdict.RiskScore),
			dir, res.Verdict, eventID)
	case failedClosed:
		frame = blockedFrame("scanner_unavailable",
			"Threat scanner is unavailable and the proxy is configured to fail closed",
			dir, res.Verdict, eventID)
	default:
		return true
	}

	ic.logger.Warn("websocket frame blocked",
		"provider", t.ev.provider,
		"direction", dir,
		"frame_type", payload.FrameType(data),
		"event_id", eventID,
	)
	_ = t.writeAgent(websocket.TextMessage, frame)
	return false
}

// cleanupTunnel closes both sides. Safe to call from both pumps; the actual
// cleanup runs exactly once.
func (ic *Interceptor) cleanupTunnel(t *tunnel) {
	t.cleanupOnce.Do(func() {
		ic.mu.Lock()
		delete(ic.tunnels, t)
		ic.mu.Unlock()

		t.cancel()
		_ = t.agent.Close()
		_ = t.upstream.Close()
		ic.logger.Debug("websocket tunnel closed", "provider", t.ev.provider)
	})
}

// CloseTunnels force-closes every open WebSocket tunnel and refuses new
// ones from then on. Hijacked connections are not covered by
// http.Server.Shutdown.
func (ic *Interceptor) CloseTunnels() int {
	ic.mu.Lock()
	ic.closing = true
	open := make([]*tunnel, 0, len(ic.tunnels))
	for t := range ic.tunnels {
		open = append(open, t)
	}
	ic.mu.Unlock()

	for _, t := range open {
		t.agentMu.Lock()
		_ = t.agent.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "proxy stopping"),
			time.Now().Add(time.Second),
		)
		t.agentMu.Unlock()
		ic.cleanupTunnel(t)
	}
	return len(open)
}

func (ic *Interceptor) isClosing() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.closing
}

// openTunnels returns the number of live WebSocket tunnels.
func (ic *Interceptor) openTunnels() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.tunnels)
}

// dialHeaders copies the agent's headers minus the ones the dialer sets
// itself.
func dialHeaders(src http.Header) http.Header {
	out := http.Header{}
	for k, vv := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version",
			"Sec-Websocket-Extensions", "Host", "Origin", "Content-Length":
			continue
		}
		if isHopHeader(k) {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}
