package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentguard/agentguard/internal/lifecycle"
	"github.com/agentguard/agentguard/internal/store"
)

// apiClient talks to a running control API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		// Start and stop wait for listener bind and drain.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError is a non-2xx control API answer.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach AgentGuard at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// errorMessage pulls a human message out of either error body shape the API
// uses.
func errorMessage(data []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	if body.Message != "" {
		return body.Message
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body.Error, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	return strings.TrimSpace(string(data))
}

type proxyStatus struct {
	Running     bool            `json:"running"`
	Provider    string          `json:"provider"`
	Multi       bool            `json:"multi"`
	Integration string          `json:"integration"`
	InProcess   bool            `json:"in_process"`
	OpenClaw    bool            `json:"openclaw"`
	State       lifecycle.State `json:"state"`
	Port        int             `json:"port"`
}

type actionResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Integration string `json:"integration"`
	Provider    string `json:"provider"`
	Multi       bool   `json:"multi"`
	Port        int    `json:"port"`
	Reverted    bool   `json:"reverted"`
}

func (c *apiClient) proxyStatus(ctx context.Context) (proxyStatus, error) {
	var st proxyStatus
	err := c.do(ctx, http.MethodGet, "/api/proxy/status", nil, &st)
	return st, err
}

func (c *apiClient) proxyStart(ctx context.Context, req lifecycle.StartRequest) (actionResult, error) {
	var res actionResult
	err := c.do(ctx, http.MethodPost, "/api/proxy/start", req, &res)
	return res, err
}

func (c *apiClient) proxyStop(ctx context.Context) (actionResult, error) {
	var res actionResult
	err := c.do(ctx, http.MethodPost, "/api/proxy/stop", nil, &res)
	return res, err
}

func (c *apiClient) proxyRevert(ctx context.Context) (actionResult, error) {
	var res actionResult
	err := c.do(ctx, http.MethodPost, "/api/proxy/revert", nil, &res)
	return res, err
}

type threatQuery struct {
	Limit     int
	Offset    int
	Provider  string
	Direction string
	Outcome   string
}

func (q threatQuery) encode() string {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	for k, s := range map[string]string{"provider": q.Provider, "direction": q.Direction, "outcome": q.Outcome} {
		if s != "" {
			v.Set(k, s)
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *apiClient) listThreats(ctx context.Context, q threatQuery) ([]store.Event, int, error) {
	var res struct {
		Threats []store.Event `json:"threats"`
		Total   int           `json:"total"`
	}
	err := c.do(ctx, http.MethodGet, "/api/threats"+q.encode(), nil, &res)
	return res.Threats, res.Total, err
}

func (c *apiClient) getThreat(ctx context.Context, id string) (store.Event, error) {
	var ev store.Event
	err := c.do(ctx, http.MethodGet, "/api/threats/"+url.PathEscape(id), nil, &ev)
	return ev, err
}

func (c *apiClient) verifyChain(ctx context.Context) (store.ChainResult, error) {
	var res store.ChainResult
	err := c.do(ctx, http.MethodPost, "/api/threats/verify", nil, &res)
	return res, err
}

// isUnreachable reports whether err means nothing answered at all.
func isUnreachable(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
