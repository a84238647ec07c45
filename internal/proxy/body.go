package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	errTooLarge            = errors.New("body exceeds buffer limit")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// readBounded reads at most limit bytes. When the source is longer it
// returns what it consumed (limit+1 bytes) together with errTooLarge.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, err
	}
	if int64(len(data)) > limit {
		return data, errTooLarge
	}
	return data, nil
}

// decodeBody undoes Content-Encoding for scanning. The relayed bytes are
// always the original ones.
func decodeBody(encoding string, body []byte, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return readBounded(zr, limit)
	case "deflate":
		// Servers disagree on whether deflate carries the zlib wrapper.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer func() { _ = zr.Close() }()
			return readBounded(zr, limit)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = fr.Close() }()
		return readBounded(fr, limit)
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return readBounded(zr, limit)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, encoding)
	}
}

// captureBuffer keeps a bounded copy of a relayed stream. Once the bound
// is hit it drops the copy and only counts.
type captureBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if int64(c.buf.Len()+len(p)) > c.limit {
		c.overflow = true
		c.buf = bytes.Buffer{}
		return len(p), nil
	}
	return c.buf.Write(p)
}

// relay copies an upstream body to the client, flushing after every read
// so streamed tokens reach the agent as they arrive.
func relay(w http.ResponseWriter, body io.Reader, tee io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if tee != nil {
				_, _ = tee.Write(buf[:n])
			}
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("client write failed: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("upstream read failed: %w", rerr)
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies end-to-end headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

// isEventStream reports whether resp is a Server-Sent Events stream.
func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")
}

// isNDJSON reports whether resp is a newline-delimited JSON stream (Ollama).
func isNDJSON(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/x-ndjson") || strings.HasPrefix(ct, "application/jsonl")
}
