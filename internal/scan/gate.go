package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Outcome is what the proxy does with a gated scan.
type Outcome string

const (
	OutcomeClean        Outcome = "clean"
	OutcomeThreat       Outcome = "threat"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailedClosed Outcome = "failed_closed"
	// OutcomeCanceled means the caller went away before the scanner
	// answered. It says nothing about scanner health and is not recorded.
	OutcomeCanceled Outcome = "canceled"
)

// Skip reasons recorded with OutcomeSkipped.
const (
	SkipEmptyText           = "empty_text"
	SkipUnparseableBody     = "unparseable_body"
	SkipScannerError        = "scanner_error"
	SkipBufferExceeded      = "buffer_exceeded"
	SkipUnsupportedEncoding = "unsupported_encoding"
)

// FailMode selects what happens when the scanner cannot answer.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode accepts "open" (also the empty string) and "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(s) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown fail mode %q", s)
	}
}

// Result is a Verdict plus the gate's decision about it.
type Result struct {
	Outcome    Outcome
	Verdict    Verdict
	SkipReason string
	Err        error
	Duration   time.Duration
}

// Skipped builds a skipped result without consulting a scanner.
func Skipped(reason string, err error) Result {
	return Result{Outcome: OutcomeSkipped, SkipReason: reason, Err: err}
}

// GateOptions are the tunables that can change at runtime.
type GateOptions struct {
	Timeout  time.Duration
	FailMode FailMode
}

// Gate bounds every scan with a timeout and turns scanner failures into an
// explicit outcome according to the fail mode.
type Gate struct {
	scanner Scanner
	opts    atomic.Pointer[GateOptions]
	logger  *slog.Logger
}

// NewGate wraps s. A zero timeout becomes 5s.
func NewGate(s Scanner, opts GateOptions, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		scanner: s,
		logger:  logger.With("component", "scan.Gate"),
	}
	g.SetOptions(opts)
	return g
}

// SetOptions swaps the timeout and fail mode for subsequent scans.
func (g *Gate) SetOptions(opts GateOptions) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FailMode == "" {
		opts.FailMode = FailOpen
	}
	g.opts.Store(&opts)
}

// Options returns the active options.
func (g *Gate) Options() GateOptions {
	return *g.opts.Load()
}

// Check scans text in direction dir.
func (g *Gate) Check(ctx context.Context, text string, dir Direction) Result {
	if strings.TrimSpace(text) == "" {
		return Skipped(SkipEmptyText, nil)
	}

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCanceled, Err: err}
	}

	opts := g.Options()
	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	v, err := g.scanner.Scan(scanCtx, text, dir)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			g.logger.Debug("scan abandoned, caller went away", "direction", dir)
			return Result{Outcome: OutcomeCanceled, Err: ctx.Err(), Duration: elapsed}
		}
		if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("scanner timed out after %s: %w", opts.Timeout, err)
		}
		if opts.FailMode == FailClosed {
			g.logger.Warn("scanner unavailable, failing closed",
				"direction", dir, "outcome", "scan_failed_closed", "error", err)
			return Result{Outcome: OutcomeFailedClosed, SkipReason: SkipScannerError, Err: err, Duration: elapsed}
		}
		g.logger.Warn("scanner unavailable, message not scanned",
			"direction", dir, "outcome", "scan_skipped", "error", err)
		return Result{Outcome: OutcomeSkipped, SkipReason: SkipScannerError, Err: err, Duration: elapsed}
	}

	if v.IsThreat {
		return Result{Outcome: OutcomeThreat, Verdict: v, Duration: elapsed}
	}
	return Result{Outcome: OutcomeClean, Verdict: v, Duration: elapsed}
}
