package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/store"
)

const maxListLimit = 500

// --- Proxy lifecycle ---

type proxyStatusResponse struct {
	Running     bool            `json:"running"`
	Provider    string          `json:"provider"`
	Multi       bool            `json:"multi"`
	Integration string          `json:"integration"`
	InProcess   bool            `json:"in_process"`
	OpenClaw    bool            `json:"openclaw"`
	State       lifecycle.State `json:"state"`
	Port        int             `json:"port"`
}

type startResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Integration string `json:"integration"`
	Provider    string `json:"provider"`
	Multi       bool   `json:"multi"`
	Port        int    `json:"port"`
}

type stopResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Reverted bool   `json:"reverted,omitempty"`
}

type revertResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	st := s.proxy.Status()
	writeJSON(w, proxyStatusResponse{
		Running:     st.Running,
		Provider:    st.Provider,
		Multi:       st.Multi,
		Integration: st.Integration,
		InProcess:   st.InProcess,
		OpenClaw:    st.OpenClaw,
		State:       st.State,
		Port:        st.Port,
	})
}

func (s *Server) handleProxyStart(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeStatusJSON(w, http.StatusBadRequest, startResponse{
			Status:  "error",
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	st, err := s.proxy.Start(r.Context(), req)
	if err != nil {
		s.logger.Warn("proxy start failed", "provider", req.Provider, "integration", req.Integration, "error", err)
		writeStatusJSON(w, lifecycleStatus(err), startResponse{
			Status:      "error",
			Message:     err.Error(),
			Integration: req.Integration,
			Provider:    req.Provider,
			Multi:       req.Multi,
		})
		return
	}

	writeJSON(w, startResponse{
		Status:      "started",
		Integration: st.Integration,
		Provider:    st.Provider,
		Multi:       st.Multi,
		Port:        st.Port,
	})
}

func (s *Server) handleProxyStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.proxy.Stop(r.Context())
	if err != nil {
		writeStatusJSON(w, lifecycleStatus(err), stopResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, stopResponse{Status: "stopped", Reverted: res.Reverted})
}

func (s *Server) handleProxyRevert(w http.ResponseWriter, r *http.Request) {
	res, err := s.proxy.Revert(r.Context())
	if err != nil {
		s.logger.Error("revert failed", "error", err)
		writeStatusJSON(w, http.StatusInternalServerError, revertResponse{Status: "error", Message: err.Error()})
		return
	}
	msg := "nothing to revert"
	if n := res.Count(); n > 0 {
		msg = fmt.Sprintf("restored %d file(s)", n)
	}
	writeJSON(w, revertResponse{Status: "success", Message: msg})
}

// lifecycleStatus maps lifecycle errors onto HTTP statuses.
func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyRunning), errors.Is(err, lifecycle.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Providers ---

type providerView struct {
	provider.Config
	ProxyBaseURL string `json:"proxy_base_url,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	st := s.proxy.Status()
	list := s.registry.List()
	out := make([]providerView, 0, len(list))
	for _, c := range list {
		v := providerView{Config: c}
		if st.Running && (st.Multi || st.Provider == c.ID) {
			v.ProxyBaseURL = c.ClientBaseURL(fmt.Sprintf("http://127.0.0.1:%d", st.Port), st.Multi)
		}
		out = append(out, v)
	}
	writeJSON(w, map[string]any{"providers": out})
}

// --- Settings ---

type settingsUpdate struct {
	BlockThreats     *bool `json:"block_threats"`
	ScanLLMResponses *bool `json:"scan_llm_responses"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var upd settingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}

	st, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if upd.BlockThreats != nil {
		st.BlockThreats = *upd.BlockThreats
	}
	if upd.ScanLLMResponses != nil {
		st.ScanLLMResponses = *upd.ScanLLMResponses
	}
	if err := s.store.UpdateSettings(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	s.logger.Info("block policy updated", "block_threats", st.BlockThreats, "scan_llm_responses", st.ScanLLMResponses)
	writeJSON(w, st)
}

// --- Threats ---

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{
		Provider:  q.Get("provider"),
		Direction: q.Get("direction"),
		Outcome:   store.Outcome(q.Get("outcome")),
		Limit:     min(queryInt(r, "limit", 50), maxListLimit),
		Offset:    queryInt(r, "offset", 0),
	}
	switch filter.Direction {
	case "", "input", "output":
	default:
		writeError(w, http.StatusBadRequest, "invalid_filter", "direction must be input or output")
		return
	}

	events, total, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if events == nil {
		events = []*store.Event{}
	}

	writeJSON(w, map[string]any{
		"threats": events,
		"total":   total,
	})
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "not_found", "threat event not found")
		return
	}
	writeJSON(w, ev)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, res)
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, stats)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	writeStatusJSON(w, http.StatusOK, data)
}

func writeStatusJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeStatusJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
