// Package providers holds the shared HTTP plumbing for the provider
// adapters: the StatusError type, the kind classification from HTTP status
// to the error taxonomy, and SSE line scanning for streamed responses.
package providers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// StatusError captures an HTTP status code from a provider response.
// Adapters return it so Classify can map the status onto an error kind.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value expressed in seconds.
// Invalid or empty values are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// Classify wraps a raw adapter error into the kind-tagged taxonomy:
// 401/403 auth, 400 bad request, 408/429/5xx and network failures transient,
// everything else internal. Already-tagged errors pass through.
func Classify(op, model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := cascade.AsError(err); ok {
		return err
	}

	var se *StatusError
	if errors.As(err, &se) {
		ce := &cascade.Error{Op: op, Model: model, Err: err}
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			ce.Kind = cascade.KindAuthProvider
		case se.StatusCode == 400:
			ce.Kind = cascade.KindBadRequest
		case se.StatusCode == 408 || se.StatusCode == 429 || se.StatusCode >= 500:
			ce.Kind = cascade.KindTransientProvider
			if se.RetryAfterSecs > 0 {
				ce.RetryAfter = time.Duration(se.RetryAfterSecs) * time.Second
			}
		default:
			ce.Kind = cascade.KindInternal
		}
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &cascade.Error{Kind: cascade.KindTimeout, Op: op, Model: model, Err: err}
	case errors.Is(err, context.Canceled):
		return &cascade.Error{Kind: cascade.KindCancelled, Op: op, Model: model, Err: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &cascade.Error{Kind: cascade.KindTransientProvider, Op: op, Model: model, Err: err}
	}
	// Connection-level failures from the HTTP client come wrapped in
	// *url.Error which implements net.Error, so anything left is internal.
	return &cascade.Error{Kind: cascade.KindInternal, Op: op, Model: model, Err: err}
}

// SSEScanner reads server-sent events from a response body, yielding the
// payload of each data: line. Comment and event lines are skipped.
type SSEScanner struct {
	scanner *bufio.Scanner
}

// NewSSEScanner wraps a streaming response body. The buffer allows single
// events up to 1 MiB, enough for long tool-call argument deltas.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: sc}
}

// Next returns the next data payload, or io.EOF at end of stream.
func (s *SSEScanner) Next() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return strings.TrimSpace(data), nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
