package transmitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onsitelogistics/handheld/internal/metrics"
	"github.com/onsitelogistics/handheld/internal/tracing"
)

// SendFailure is a transport failure: a non-2xx response, a connection
// error or a timeout. It is never fatal; callers fall back to the outbox.
type SendFailure struct {
	Reason     string // timeout, connection_refused, dns_error, network, http_4xx, http_429, http_5xx, other
	StatusCode int    // 0 when no response was received
	Err        error
}

func (f *SendFailure) Error() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("send failed: %s (HTTP %d)", f.Reason, f.StatusCode)
	}
	return fmt.Sprintf("send failed: %s: %v", f.Reason, f.Err)
}

func (f *SendFailure) Unwrap() error { return f.Err }

// post performs one POST of body to url. It returns nil only on a 2xx.
func (t *Transmitter) post(ctx context.Context, url string, body []byte) error {
	ctx, span := tracing.StartSpan(ctx, "transmitter.send",
		attribute.String("url", url),
		attribute.Int("payload_bytes", len(body)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return &SendFailure{Reason: "other", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)
	tracing.InjectHTTP(ctx, req.Header)

	tracing.AddSpanEvent(ctx, "http.post")
	start := t.now()
	resp, doErr := t.client.Do(req)
	latency := t.now().Sub(start)
	status := 0
	if doErr == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	if doErr == nil && status >= 200 && status < 300 {
		metrics.RecordSend("", latency)
		return nil
	}

	reason := classifyReason(doErr, status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	metrics.RecordSend(reason, latency)

	failure := &SendFailure{Reason: reason, StatusCode: status, Err: doErr}
	if doErr == nil {
		failure.Err = fmt.Errorf("unexpected status %d", status)
	}
	tracing.SetSpanError(ctx, failure)
	return failure
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
