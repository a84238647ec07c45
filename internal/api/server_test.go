package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/store"
)

type stubHandler struct{}

func (stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") }
func (stubHandler) Wait(context.Context) error                      { return nil }
func (stubHandler) CloseTunnels() int                               { return 0 }

type testEnv struct {
	srv   *Server
	mgr   *lifecycle.Manager
	store *store.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := st.Initialize(store.Settings{BlockThreats: true}); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := provider.Default()
	mgr := lifecycle.NewManager(lifecycle.Options{
		Host:            "127.0.0.1",
		DefaultProvider: "openai",
		ShutdownGrace:   time.Second,
		Registry:        reg,
		NewHandler:      func(lifecycle.StartRequest) (lifecycle.Handler, error) { return stubHandler{}, nil },
	}, nil)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	srv := NewServer(Options{
		Config:   config.ServerConfig{Host: "127.0.0.1", CORS: true},
		Proxy:    mgr,
		Store:    st,
		Registry: reg,
		Version:  "test",
	}, nil)
	return &testEnv{srv: srv, mgr: mgr, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[map[string]string](t, w); got["status"] != "ok" || got["version"] != "test" {
		t.Errorf("body = %v", got)
	}
}

func TestProxyLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t)

	st := decode[map[string]any](t, env.do(t, "GET", "/api/proxy/status", ""))
	for _, k := range []string{"running", "provider", "multi", "integration", "in_process", "openclaw"} {
		if _, ok := st[k]; !ok {
			t.Errorf("status missing %q: %v", k, st)
		}
	}
	if st["running"] != false {
		t.Fatalf("initial status = %v", st)
	}

	w := env.do(t, "POST", "/api/proxy/start", `{"provider":"anthropic","integration":"langchain"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	started := decode[startResponse](t, w)
	if started.Status != "started" || started.Provider != "anthropic" || started.Integration != "langchain" || started.Port == 0 {
		t.Errorf("start body = %+v", started)
	}

	running := decode[proxyStatusResponse](t, env.do(t, "GET", "/api/proxy/status", ""))
	if !running.Running || running.Port != started.Port || running.State != lifecycle.StateRunning {
		t.Errorf("status after start = %+v", running)
	}

	// Same integration again is a no-op.
	w = env.do(t, "POST", "/api/proxy/start", `{"provider":"anthropic","integration":"langchain"}`)
	if w.Code != http.StatusOK || decode[startResponse](t, w).Port != started.Port {
		t.Errorf("repeat start = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/proxy/start", `{"integration":"crewai"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("conflicting start status = %d, want 409", w.Code)
	}
	if got := decode[startResponse](t, w); got.Status != "error" || got.Message == "" {
		t.Errorf("conflict body = %+v", got)
	}

	w = env.do(t, "POST", "/api/proxy/stop", "")
	if w.Code != http.StatusOK || decode[stopResponse](t, w).Status != "stopped" {
		t.Fatalf("stop = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/proxy/stop", "")
	if w.Code != http.StatusConflict || decode[stopResponse](t, w).Status != "error" {
		t.Errorf("second stop = %d %s", w.Code, w.Body.String())
	}
}

func TestProxyStartErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown provider", `{"provider":"nope"}`, http.StatusBadRequest},
		{"malformed body", `{"provider":`, http.StatusBadRequest},
		{"wrong type", `{"multi":"yes"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, "POST", "/api/proxy/start", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if got := decode[startResponse](t, w); got.Status != "error" {
				t.Errorf("body = %+v", got)
			}
			if env.mgr.Status().Running {
				t.Error("proxy running after failed start")
			}
		})
	}
}

func TestProxyStartEmptyBodyUsesDefaults(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/proxy/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if got := decode[startResponse](t, w); got.Provider != "openai" {
		t.Errorf("provider = %q, want default", got.Provider)
	}
}

func TestProxyStopInProcessForbidden(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.mgr.StartInProcess(context.Background(), lifecycle.StartRequest{Provider: "openai"}); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, "POST", "/api/proxy/stop", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !env.mgr.Status().Running {
		t.Error("in-process session was stopped")
	}
}

func TestProxyRevertNothingPatched(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/proxy/revert", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[revertResponse](t, w); got.Status != "success" || got.Message == "" {
		t.Errorf("body = %+v", got)
	}
}

func TestListProviders(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.mgr.Start(context.Background(), lifecycle.StartRequest{Multi: true}); err != nil {
		t.Fatal(err)
	}

	got := decode[struct {
		Providers []struct {
			ID           string `json:"id"`
			Kind         string `json:"kind"`
			MountPath    string `json:"mount_path"`
			ProxyBaseURL string `json:"proxy_base_url"`
		} `json:"providers"`
	}](t, env.do(t, "GET", "/api/providers", ""))

	if len(got.Providers) < 20 {
		t.Fatalf("providers = %d, want the builtin set", len(got.Providers))
	}
	for _, p := range got.Providers {
		if p.ID == "" || p.Kind == "" || p.MountPath == "" {
			t.Errorf("incomplete provider %+v", p)
		}
		if !strings.HasPrefix(p.ProxyBaseURL, "http://127.0.0.1:") {
			t.Errorf("%s proxy_base_url = %q", p.ID, p.ProxyBaseURL)
		}
	}
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	got := decode[store.Settings](t, env.do(t, "GET", "/api/settings", ""))
	if !got.BlockThreats || got.ScanLLMResponses {
		t.Fatalf("seeded settings = %+v", got)
	}

	w := env.do(t, "PUT", "/api/settings", `{"scan_llm_responses":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", w.Code)
	}
	if got := decode[store.Settings](t, w); !got.BlockThreats || !got.ScanLLMResponses {
		t.Errorf("partial update = %+v", got)
	}

	stored, err := env.store.GetSettings(context.Background())
	if err != nil || !stored.ScanLLMResponses {
		t.Errorf("stored = %+v, %v", stored, err)
	}

	if w := env.do(t, "PUT", "/api/settings", `nope`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestThreatRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events := []*store.Event{
		{Provider: "openai", Direction: "input", Outcome: store.OutcomeThreat, Blocked: true, RiskScore: 95, ThreatType: "prompt_injection"},
		{Provider: "anthropic", Direction: "output", Outcome: store.OutcomeThreat, RiskScore: 70, ThreatType: "data_exfiltration"},
		{Provider: "openai", Direction: "input", Outcome: store.OutcomeScanSkipped, SkipReason: "timeout"},
	}
	for _, e := range events {
		if err := env.store.InsertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	type listBody struct {
		Threats []store.Event `json:"threats"`
		Total   int           `json:"total"`
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by provider", "?provider=openai", 2},
		{"by direction", "?direction=output", 1},
		{"by outcome", "?outcome=scan_skipped", 1},
		{"paged", "?limit=1&offset=1", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/threats"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			if got := decode[listBody](t, w); got.Total != tt.want {
				t.Errorf("total = %d, want %d", got.Total, tt.want)
			}
		})
	}

	if w := env.do(t, "GET", "/api/threats?direction=sideways", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid direction status = %d", w.Code)
	}

	w := env.do(t, "GET", "/api/threats/"+events[0].ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decode[store.Event](t, w); got.ID != events[0].ID || got.ThreatType != "prompt_injection" {
		t.Errorf("get = %+v", got)
	}
	if w := env.do(t, "GET", "/api/threats/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d", w.Code)
	}

	res := decode[store.ChainResult](t, env.do(t, "POST", "/api/threats/verify", ""))
	if !res.Valid || res.Checked != 3 {
		t.Errorf("verify = %+v", res)
	}
}

func TestEmptyThreatListIsArray(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/threats", "")
	if !bytes.Contains(w.Body.Bytes(), []byte(`"threats":[]`)) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "OPTIONS", "/api/proxy/start", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestThreatFeed(t *testing.T) {
	env := newTestEnv(t)
	hub := env.srv.Hub()
	go hub.Run()
	t.Cleanup(hub.Close)

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws/threats", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.NotifyEvent(&store.Event{ID: "ev1", Provider: "openai", Direction: "input", Outcome: store.OutcomeThreat, Blocked: true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string      `json:"type"`
		Data store.Event `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "threat" || msg.Data.ID != "ev1" || !msg.Data.Blocked {
		t.Errorf("message = %+v", msg)
	}
}

func TestThreatHubCloseIsIdempotent(t *testing.T) {
	hub := NewThreatHub(nil, false)
	hub.Close()
	hub.Close()
	hub.NotifyEvent(&store.Event{ID: "late"})
}
