// Package lifecycle owns the proxy session: at most one data-plane listener
// per process, started, stopped, inspected and reverted through the
// Manager.
//
// Transitions are serialized by one mutex. Status reads an atomic snapshot
// and never blocks behind a transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentguard/agentguard/internal/patch"
	"github.com/agentguard/agentguard/internal/provider"
)

// IntegrationOpenClaw is the integration tag that triggers file patching.
const IntegrationOpenClaw = "openclaw"

// State is the session state machine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// StartRequest selects what the proxy serves.
type StartRequest struct {
	Provider    string `json:"provider"`
	Multi       bool   `json:"multi"`
	Integration string `json:"integration"`
}

// Status is a point-in-time view of the session.
type Status struct {
	Running     bool      `json:"running"`
	State       State     `json:"state"`
	Provider    string    `json:"provider"`
	Multi       bool      `json:"multi"`
	Integration string    `json:"integration"`
	InProcess   bool      `json:"in_process"`
	OpenClaw    bool      `json:"openclaw"`
	Port        int       `json:"port"`
	StartedAt   time.Time `json:"started_at,omitzero"`

	done <-chan struct{}
}

// StopResult reports what Stop did besides closing the listener.
type StopResult struct {
	Reverted bool
	Files    int
}

// Handler is the data-plane handler a session serves.
type Handler interface {
	http.Handler
	// Wait blocks until background work (detached scans) finishes.
	Wait(ctx context.Context) error
	// CloseTunnels force-closes hijacked connections.
	CloseTunnels() int
}

// HandlerFactory builds the handler for a start request.
type HandlerFactory func(req StartRequest) (Handler, error)

// Patcher rewrites and restores third-party endpoint files.
type Patcher interface {
	Patch(ctx context.Context, providerIDs []string, proxyURL string, multi bool) (patch.PatchResult, error)
	Revert(ctx context.Context) (patch.RevertResult, error)
	Applied() bool
}

// Options configures a Manager.
type Options struct {
	Host            string
	Port            int
	DefaultProvider string
	ShutdownGrace   time.Duration
	Registry        *provider.Registry
	NewHandler      HandlerFactory
	// Patcher is optional; without it the openclaw integration only tags
	// the session.
	Patcher Patcher
}

type session struct {
	req       StartRequest
	inProcess bool
	server    *http.Server
	listener  net.Listener
	handler   Handler
	port      int
	started   time.Time
	done      chan struct{} // closed when Serve returns
}

// Manager is the single owner of the proxy session.
type Manager struct {
	mu   sync.Mutex
	sess *session // guarded by mu

	snap atomic.Pointer[Status]

	opts   Options
	logger *slog.Logger
}

// NewManager creates a Manager in the stopped state.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = provider.Default()
	}
	m := &Manager{
		opts:   opts,
		logger: logger.With("component", "lifecycle.Manager"),
	}
	m.publish(nil, StateStopped)
	return m
}

// Start binds the proxy listener. Starting while running under the same
// integration returns the current status; any other start while a session
// exists fails with *ConflictError.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Status, error) {
	return m.start(ctx, req, false)
}

// StartInProcess starts a session owned by the hosting process. Such a
// session cannot be stopped through Stop.
func (m *Manager) StartInProcess(ctx context.Context, req StartRequest) (Status, error) {
	return m.start(ctx, req, true)
}

func (m *Manager) start(ctx context.Context, req StartRequest, inProcess bool) (Status, error) {
	req = m.normalize(req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	if m.sess != nil {
		if m.sess.req.Integration == req.Integration {
			m.logger.Debug("start ignored, session already running", "integration", req.Integration)
			return m.Status(), nil
		}
		return m.Status(), &ConflictError{Owner: m.sess.req.Integration}
	}

	if !req.Multi {
		if _, err := m.opts.Registry.Resolve(req.Provider); err != nil {
			return m.Status(), err
		}
	}
	if m.opts.NewHandler == nil {
		return m.Status(), errors.New("no proxy handler configured")
	}
	handler, err := m.opts.NewHandler(req)
	if err != nil {
		return m.Status(), fmt.Errorf("configure proxy: %w", err)
	}

	m.publishPending(req, inProcess, StateStarting)

	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		m.publish(nil, StateStopped)
		return m.Status(), fmt.Errorf("bind %s: %w", addr, err)
	}

	s := &session{
		req:       req,
		inProcess: inProcess,
		listener:  ln,
		handler:   handler,
		port:      ln.Addr().(*net.TCPAddr).Port,
		started:   time.Now().UTC(),
		done:      make(chan struct{}),
		server: &http.Server{
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			// Disabled for streamed responses.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("proxy listener failed", "error", err)
		}
	}()

	if req.Integration == IntegrationOpenClaw && m.opts.Patcher != nil {
		res, err := m.opts.Patcher.Patch(ctx, m.providerIDs(req), m.proxyURL(s.port), req.Multi)
		if err != nil {
			m.logger.Error("openclaw patch failed, stopping proxy", "error", err)
			_ = s.server.Close()
			<-s.done
			if _, rerr := m.opts.Patcher.Revert(ctx); rerr != nil {
				m.logger.Error("failed to revert partial openclaw patch", "error", rerr)
			}
			m.publish(nil, StateStopped)
			return m.Status(), fmt.Errorf("patch openclaw: %w", err)
		}
		m.logger.Info("openclaw files patched", "patched", len(res.Patched), "unchanged", len(res.Unchanged))
	}

	m.sess = s
	m.publish(s, StateRunning)
	m.logger.Info("proxy started",
		"addr", ln.Addr().String(),
		"provider", req.Provider,
		"multi", req.Multi,
		"integration", req.Integration,
		"in_process", inProcess,
	)
	return m.Status(), nil
}

// Stop drains and closes the listener. In-process sessions are refused.
func (m *Manager) Stop(ctx context.Context) (StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	if m.sess == nil {
		return StopResult{}, ErrNotRunning
	}
	if m.sess.inProcess {
		return StopResult{}, &PermissionError{
			Reason: "proxy is running in-process with the AgentGuard server (started with --proxy); restart the server without --proxy to stop it",
		}
	}
	return m.stopLocked(ctx, true), nil
}

// Revert resets a running, non-in-process session to stopped, then
// restores any out-of-band file patches. Safe to call when nothing was
// patched.
func (m *Manager) Revert(ctx context.Context) (patch.RevertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	if m.sess != nil && !m.sess.inProcess {
		m.stopLocked(ctx, false)
	}

	var (
		res patch.RevertResult
		err error
	)
	if m.opts.Patcher != nil {
		res, err = m.opts.Patcher.Revert(ctx)
	}
	m.refreshPatchState()
	return res, err
}

// Shutdown stops any session, in-process ones included. Used on process
// exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		m.stopLocked(ctx, true)
	}
}

// Status returns the current snapshot. A listener that died since the last
// transition is reported stopped; the session is reconciled if no
// transition is in progress.
func (m *Manager) Status() Status {
	st := *m.snap.Load()
	if st.Running && st.done != nil {
		select {
		case <-st.done:
			if m.mu.TryLock() {
				m.reconcileLocked(context.Background())
				m.mu.Unlock()
			}
			st = *m.snap.Load()
			if st.Running {
				st = Status{State: StateStopped, OpenClaw: st.OpenClaw}
			}
		default:
		}
	}
	return st
}

// stopLocked shuts the session down: new connections are refused, in-flight
// requests get the grace period, then everything is force-closed. OpenClaw
// patches are restored when revert is set.
func (m *Manager) stopLocked(ctx context.Context, revert bool) StopResult {
	s := m.sess
	m.publish(s, StateStopping)
	m.logger.Info("proxy stopping", "integration", s.req.Integration, "grace", m.opts.ShutdownGrace)

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ShutdownGrace)
	defer cancel()

	if n := s.handler.CloseTunnels(); n > 0 {
		m.logger.Info("closed websocket tunnels", "count", n)
	}
	if err := s.server.Shutdown(graceCtx); err != nil {
		m.logger.Warn("grace period expired, forcing connections closed", "error", err)
		_ = s.server.Close()
	}
	<-s.done
	// Upgrades that were still dialing when the first pass ran.
	if n := s.handler.CloseTunnels(); n > 0 {
		m.logger.Info("closed late websocket tunnels", "count", n)
	}
	if err := s.handler.Wait(graceCtx); err != nil {
		m.logger.Warn("background scans still running after grace period", "error", err)
	}

	var res StopResult
	if revert && s.req.Integration == IntegrationOpenClaw && m.opts.Patcher != nil {
		rr, err := m.opts.Patcher.Revert(ctx)
		if err != nil {
			m.logger.Error("failed to revert openclaw patches", "error", err)
		} else {
			res = StopResult{Reverted: true, Files: rr.Count()}
		}
	}

	m.sess = nil
	m.publish(nil, StateStopped)
	m.logger.Info("proxy stopped", "reverted", res.Reverted)
	return res
}

// reconcileLocked clears a session whose listener died underneath us.
func (m *Manager) reconcileLocked(ctx context.Context) {
	s := m.sess
	if s == nil {
		return
	}
	select {
	case <-s.done:
	default:
		return
	}
	m.logger.Warn("proxy listener exited unexpectedly, marking stopped", "integration", s.req.Integration)
	_ = s.server.Close()
	s.handler.CloseTunnels()
	if s.req.Integration == IntegrationOpenClaw && m.opts.Patcher != nil {
		if _, err := m.opts.Patcher.Revert(ctx); err != nil {
			m.logger.Error("failed to revert openclaw patches", "error", err)
		}
	}
	m.sess = nil
	m.publish(nil, StateStopped)
}

func (m *Manager) publish(s *session, state State) {
	st := Status{State: state, OpenClaw: m.patchApplied()}
	if s != nil {
		st.Running = state == StateRunning
		st.Provider = s.req.Provider
		st.Multi = s.req.Multi
		st.Integration = s.req.Integration
		st.InProcess = s.inProcess
		st.Port = s.port
		st.StartedAt = s.started
		st.done = s.done
	}
	m.snap.Store(&st)
}

func (m *Manager) publishPending(req StartRequest, inProcess bool, state State) {
	st := Status{
		State:       state,
		Provider:    req.Provider,
		Multi:       req.Multi,
		Integration: req.Integration,
		InProcess:   inProcess,
		OpenClaw:    m.patchApplied(),
	}
	m.snap.Store(&st)
}

func (m *Manager) refreshPatchState() {
	st := *m.snap.Load()
	st.OpenClaw = m.patchApplied()
	m.snap.Store(&st)
}

func (m *Manager) patchApplied() bool {
	return m.opts.Patcher != nil && m.opts.Patcher.Applied()
}

func (m *Manager) normalize(req StartRequest) StartRequest {
	req.Integration = strings.ToLower(strings.TrimSpace(req.Integration))
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Multi {
		req.Provider = ""
	} else if req.Provider == "" {
		req.Provider = m.opts.DefaultProvider
	}
	return req
}

func (m *Manager) providerIDs(req StartRequest) []string {
	if !req.Multi {
		return []string{req.Provider}
	}
	var ids []string
	for _, c := range m.opts.Registry.List() {
		ids = append(ids, c.ID)
	}
	return ids
}

func (m *Manager) proxyURL(port int) string {
	host := m.opts.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
