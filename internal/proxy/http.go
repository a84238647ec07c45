package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentguard/agentguard/internal/payload"
	"github.com/agentguard/agentguard/internal/provider"
	"github.com/agentguard/agentguard/internal/scan"
	"github.com/agentguard/agentguard/internal/store"
)

// exchange is one request/response pair moving through the pipeline.
type exchange struct {
	prov   provider.Config
	schema payload.Schema
	req    payload.Request
	ev     eventContext
	policy store.Settings
	start  time.Time
}

// serveHTTP runs the scan-then-forward pipeline for one HTTP request.
func (ic *Interceptor) serveHTTP(w http.ResponseWriter, r *http.Request, prov provider.Config, rest string) {
	ctx := r.Context()
	x := &exchange{prov: prov, start: time.Now()}

	body, err := readBounded(r.Body, ic.opts.MaxBufferBytes)
	if r.Body != nil {
		_ = r.Body.Close()
	}
	if errors.Is(err, errTooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "request_too_large",
			fmt.Sprintf("Request body exceeds %d bytes", ic.opts.MaxBufferBytes))
		return
	}
	if err != nil {
		ic.logger.Debug("failed to read request body", "error", err)
		respondError(w, http.StatusBadRequest, "body_read_error", "Failed to read request body")
		return
	}

	// Input scan. Nothing goes upstream until it is decided.
	x.schema = payload.SchemaFor(prov.Kind, rest)
	req, perr := payload.ExtractRequest(x.schema, body)
	x.req = req
	x.ev = newEventContext(prov, r.URL.Path, req)
	x.policy = ic.policy(ctx)

	var res scan.Result
	if perr != nil {
		ic.logger.Debug("request body not parseable, forwarding unscanned",
			"provider", prov.ID, "schema", x.schema, "error", perr)
		res = scan.Skipped(scan.SkipUnparseableBody, perr)
	} else {
		res = ic.opts.Gate.Check(ctx, req.Text, scan.DirectionInput)
	}
	if res.Outcome == scan.OutcomeCanceled {
		ic.logger.Debug("client went away during input scan", "provider", prov.ID)
		return
	}

	block := res.Outcome == scan.OutcomeThreat && x.policy.BlockThreats
	eventID := ic.record(ctx, x.ev, scan.DirectionInput, res, block || res.Outcome == scan.OutcomeFailedClosed, req.Text)

	switch {
	case block:
		respondBlocked(w, http.StatusForbidden, "threat_blocked",
			fmt.Sprintf("Request blocked: %s detected (risk %d)", res.Verdict.ThreatType, res.Verdict.RiskScore),
			scan.DirectionInput, res.Verdict, eventID)
		return
	case res.Outcome == scan.OutcomeFailedClosed:
		respondBlocked(w, http.StatusServiceUnavailable, "scanner_unavailable",
			"Threat scanner is unavailable and the proxy is configured to fail closed",
			scan.DirectionInput, res.Verdict, eventID)
		return
	}

	resp, err := ic.forward(ctx, r, prov, rest, body)
	if err != nil {
		if ctx.Err() != nil {
			ic.logger.Debug("client went away before upstream answered", "provider", prov.ID)
			return
		}
		ic.logger.Error("upstream request failed", "provider", prov.ID, "error", err)
		respondError(w, http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("Upstream request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w.Header(), resp.Header)
	if eventID != "" {
		w.Header().Set(HeaderEventID, eventID)
	}

	ic.respond(ctx, w, resp, x)

	ic.logger.Debug("request completed",
		"provider", prov.ID,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(x.start).Milliseconds(),
	)
}

// forward sends the original bytes to the upstream with the inbound context,
// so a caller disconnect cancels the upstream call.
func (ic *Interceptor) forward(ctx context.Context, r *http.Request, prov provider.Config, rest string, body []byte) (*http.Response, error) {
	upstream, err := prov.Upstream()
	if err != nil {
		return nil, err
	}

	target := *upstream
	target.Path = provider.UpstreamPath(upstream.Path, rest)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	var reqBody io.Reader
	if len(body) > 0 || r.ContentLength > 0 {
		reqBody = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), reqBody)
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Host")
	out.Host = upstream.Host
	out.ContentLength = int64(len(body))
	prov.InjectAuth(out.Header)

	return ic.client.Do(out)
}

// respond relays the upstream response according to the output policy.
func (ic *Interceptor) respond(ctx context.Context, w http.ResponseWriter, resp *http.Response, x *exchange) {
	// Output scanning off, or an upstream error: relay verbatim.
	if !x.policy.ScanLLMResponses || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.WriteHeader(resp.StatusCode)
		if _, err := relay(w, resp.Body, nil); err != nil {
			ic.logger.Debug("relay ended early", "provider", x.prov.ID, "error", err)
		}
		return
	}

	sse := isEventStream(resp)
	streaming := x.req.Stream || sse || isNDJSON(resp)

	if streaming && !x.policy.BlockThreats {
		ic.streamAndScan(ctx, w, resp, x, sse)
		return
	}

	// Buffer the whole response; nothing reaches the agent before the verdict.
	buf, err := readBounded(resp.Body, ic.opts.MaxBufferBytes)
	if errors.Is(err, errTooLarge) {
		ic.bufferExceeded(ctx, w, resp, x, buf)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		ic.logger.Error("failed to read upstream response", "provider", x.prov.ID, "error", err)
		respondError(w, http.StatusBadGateway, "upstream_error", "Failed to read upstream response")
		return
	}

	text, res := ic.scanOutput(ctx, resp.Header.Get("Content-Encoding"), buf, x.schema, sse)
	if res.Outcome == scan.OutcomeCanceled {
		ic.logger.Debug("client went away during output scan", "provider", x.prov.ID)
		return
	}
	block := res.Outcome == scan.OutcomeThreat && x.policy.BlockThreats
	eventID := ic.record(ctx, x.ev, scan.DirectionOutput, res, block || res.Outcome == scan.OutcomeFailedClosed, text)

	switch {
	case block:
		clearHeaders(w.Header())
		respondBlocked(w, http.StatusForbidden, "threat_blocked",
			fmt.Sprintf("Response blocked: %s detected (risk %d)", res.Verdict.ThreatType, res.Verdict.RiskScore),
			scan.DirectionOutput, res.Verdict, eventID)
		return
	case res.Outcome == scan.OutcomeFailedClosed:
		clearHeaders(w.Header())
		respondBlocked(w, http.StatusServiceUnavailable, "scanner_unavailable",
			"Threat scanner is unavailable and the proxy is configured to fail closed",
			scan.DirectionOutput, res.Verdict, eventID)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(buf); err != nil {
		ic.logger.Debug("client write failed", "provider", x.prov.ID, "error", err)
	}
}

// streamAndScan relays a stream as it arrives and scans the assembled text
// afterwards, for the event log only.
func (ic *Interceptor) streamAndScan(ctx context.Context, w http.ResponseWriter, resp *http.Response, x *exchange, sse bool) {
	capture := &captureBuffer{limit: ic.opts.MaxBufferBytes}
	w.WriteHeader(resp.StatusCode)
	_, err := relay(w, resp.Body, capture)
	if err != nil {
		ic.logger.Debug("stream ended early", "provider", x.prov.ID, "error", err)
		return
	}

	scanCtx := context.WithoutCancel(ctx)
	encoding := resp.Header.Get("Content-Encoding")
	ic.scans.Add(1)
	go func() {
		defer ic.scans.Done()
		if capture.overflow {
			ic.record(scanCtx, x.ev, scan.DirectionOutput, scan.Skipped(scan.SkipBufferExceeded, nil), false, "")
			return
		}
		text, res := ic.scanOutput(scanCtx, encoding, capture.buf.Bytes(), x.schema, sse)
		ic.record(scanCtx, x.ev, scan.DirectionOutput, res, false, text)
	}()
}

// bufferExceeded handles a response larger than the buffer. In block mode it
// is a block; otherwise the response is relayed unscanned.
func (ic *Interceptor) bufferExceeded(ctx context.Context, w http.ResponseWriter, resp *http.Response, x *exchange, head []byte) {
	res := scan.Skipped(scan.SkipBufferExceeded, errTooLarge)
	if x.policy.BlockThreats {
		eventID := ic.record(ctx, x.ev, scan.DirectionOutput, res, true, "")
		clearHeaders(w.Header())
		respondBlocked(w, http.StatusForbidden, "output_buffer_exceeded",
			fmt.Sprintf("Response exceeds %d bytes and cannot be scanned before delivery", ic.opts.MaxBufferBytes),
			scan.DirectionOutput, scan.Verdict{}, eventID)
		return
	}

	ic.record(ctx, x.ev, scan.DirectionOutput, res, false, "")
	w.WriteHeader(resp.StatusCode)
	if _, err := relay(w, io.MultiReader(bytes.NewReader(head), resp.Body), nil); err != nil {
		ic.logger.Debug("relay ended early", "provider", x.prov.ID, "error", err)
	}
}

// scanOutput decodes and extracts a response body and scans it.
func (ic *Interceptor) scanOutput(ctx context.Context, encoding string, body []byte, schema payload.Schema, sse bool) (string, scan.Result) {
	decoded, err := decodeBody(encoding, body, ic.opts.MaxBufferBytes)
	if err != nil {
		reason := scan.SkipUnsupportedEncoding
		if errors.Is(err, errTooLarge) {
			reason = scan.SkipBufferExceeded
		}
		return "", scan.Skipped(reason, err)
	}
	text, err := payload.ExtractResponse(schema, decoded, sse)
	if err != nil {
		return "", scan.Skipped(scan.SkipUnparseableBody, err)
	}
	return text, ic.opts.Gate.Check(ctx, text, scan.DirectionOutput)
}

// clearHeaders drops the upstream headers copied for a relay that is being
// replaced by a rejection.
func clearHeaders(h http.Header) {
	eventID := h.Get(HeaderEventID)
	for k := range h {
		delete(h, k)
	}
	if eventID != "" {
		h.Set(HeaderEventID, eventID)
	}
}
