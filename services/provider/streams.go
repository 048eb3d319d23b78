// Package provider implements upstream model gateway clients that expose
// raw streaming chunks for normalization.
package provider

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRelay/services/stream"
)

var tracer = otel.Tracer("aleutian.relay.provider")

// maxChunkBytes bounds a single upstream chunk line.
const maxChunkBytes = 1 << 20

// maxErrorBodyBytes bounds how much of an error response we read.
const maxErrorBodyBytes = 4096

// sseStream reads Server-Sent Events frames, yielding each data payload.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 64*1024), maxChunkBytes)
	return &sseStream{body: body, scanner: s}
}

func (s *sseStream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// Blank separators, comments, and event/id fields carry
			// nothing we consume.
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// lineStream reads newline-delimited JSON chunks.
type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newLineStream(body io.ReadCloser) *lineStream {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 64*1024), maxChunkBytes)
	return &lineStream{body: body, scanner: s}
}

func (s *lineStream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *lineStream) Close() error {
	return s.body.Close()
}

// statusError drains a non-2xx response and maps it into the taxonomy.
func statusError(resp *http.Response) *stream.Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return stream.FromStatus(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), string(body))
}

// parseRetryAfter handles both the delta-seconds and HTTP-date forms.
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
