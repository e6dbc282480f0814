package transmitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/onsitelogistics/handheld/internal/config"
	"github.com/onsitelogistics/handheld/internal/delivery"
	"github.com/onsitelogistics/handheld/internal/logging"
	"github.com/onsitelogistics/handheld/internal/queue"
)

// recorder is a fake API that records every request it receives.
type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(n int, body []byte) int // status for the nth request (1-based)
	onCall   func(n int)
}

type recordedRequest struct {
	Path    string
	Headers http.Header
	Body    []byte
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, recordedRequest{Path: req.URL.Path, Headers: req.Header.Clone(), Body: body})
	n := len(r.requests)
	respond, onCall := r.respond, r.onCall
	r.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	status := http.StatusOK
	if respond != nil {
		status = respond(n, body)
	}
	w.WriteHeader(status)
}

func (r *recorder) calls() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func (r *recorder) setOnCall(fn func(n int)) {
	r.mu.Lock()
	r.onCall = fn
	r.mu.Unlock()
}

func always(status int) func(int, []byte) int {
	return func(int, []byte) int { return status }
}

func testConfig(t *testing.T, apiURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = apiURL + "/scan"
	cfg.APIToken = "secret-token"
	cfg.DeviceID = "dev"
	cfg.QueueDBPath = filepath.Join(t.TempDir(), "queue.db")
	cfg.LogisticsAPIURL = apiURL + "/jobs"
	return cfg
}

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTransmitter(t *testing.T, cfg config.Config, opts ...Option) *Transmitter {
	t.Helper()
	core, _ := observer.New(zapcore.DebugLevel)
	base := []Option{
		WithLogger(logging.NewWithCore("test", core)),
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "ID-1" }),
	}
	tr, err := New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func queueSize(t *testing.T, tr *Transmitter) int {
	t.Helper()
	n, err := tr.QueueSize(context.Background())
	if err != nil {
		t.Fatalf("QueueSize() error = %v", err)
	}
	return n
}

func TestNew_ConfigError(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.APIToken = ""

	_, err := New(context.Background(), cfg)
	if !config.IsConfigError(err) {
		t.Fatalf("New() error = %v, want *ConfigError", err)
	}
	if _, statErr := os.Stat(cfg.QueueDBPath); !os.IsNotExist(statErr) {
		t.Errorf("queue file touched before config validation: %v", statErr)
	}
}

func TestNew_StorageError(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.QueueDBPath = filepath.Join(blocker, "queue.db")

	_, err := New(context.Background(), cfg)
	if !queue.IsStorageError(err) {
		t.Fatalf("New() error = %v, want *StorageError", err)
	}
}

func TestSendNow(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	if err := tr.SendNow(context.Background(), srv.URL+"/scan", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("SendNow() error = %v", err)
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(calls))
	}
	got := calls[0]
	if auth := got.Headers.Get("Authorization"); auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", auth)
	}
	if ct := got.Headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if string(got.Body) != `{"k":"v"}` {
		t.Errorf("body = %s", got.Body)
	}
	if queueSize(t, tr) != 0 {
		t.Error("SendNow must never queue")
	}
}

func TestSendNow_Failures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason string
	}{
		{name: "server error", status: http.StatusInternalServerError, wantReason: "http_5xx"},
		{name: "unauthorized", status: http.StatusUnauthorized, wantReason: "http_4xx"},
		{name: "rate limited", status: http.StatusTooManyRequests, wantReason: "http_429"},
		{name: "redirect is not success", status: http.StatusNotModified, wantReason: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(&recorder{respond: always(tt.status)})
			defer srv.Close()
			tr := newTestTransmitter(t, testConfig(t, srv.URL))

			err := tr.SendNow(context.Background(), srv.URL+"/scan", []byte(`{}`))
			var failure *SendFailure
			if !errors.As(err, &failure) {
				t.Fatalf("SendNow() error = %v, want *SendFailure", err)
			}
			if failure.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", failure.Reason, tt.wantReason)
			}
			if failure.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", failure.StatusCode, tt.status)
			}
		})
	}
}

func TestSendNow_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	url := srv.URL
	srv.Close()
	tr := newTestTransmitter(t, testConfig(t, url))

	err := tr.SendNow(context.Background(), url+"/scan", []byte(`{}`))
	var failure *SendFailure
	if !errors.As(err, &failure) {
		t.Fatalf("SendNow() error = %v, want *SendFailure", err)
	}
	if failure.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", failure.StatusCode)
	}
}

func TestSendNow_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL), WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))

	err := tr.SendNow(context.Background(), srv.URL+"/scan", []byte(`{}`))
	var failure *SendFailure
	if !errors.As(err, &failure) {
		t.Fatalf("SendNow() error = %v, want *SendFailure", err)
	}
	if failure.Reason != "timeout" {
		t.Errorf("Reason = %q, want timeout", failure.Reason)
	}
}

func TestDispatch_FailureQueuesSameBytes(t *testing.T) {
	srv := httptest.NewServer(&recorder{respond: always(http.StatusServiceUnavailable)})
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	payload := []byte(`{"part_code":"P","extra":[1,2,3]}`)
	before := queueSize(t, tr)

	outcome, err := tr.Dispatch(context.Background(), srv.URL+"/scan", payload)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome != Queued {
		t.Errorf("Dispatch() outcome = %v, want queued", outcome)
	}
	if after := queueSize(t, tr); after != before+1 {
		t.Fatalf("QueueSize() = %d, want %d", after, before+1)
	}

	rows, err := tr.store.Oldest(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rows[0].Payload, payload) {
		t.Errorf("stored payload = %s, want %s", rows[0].Payload, payload)
	}
	if rows[0].URL != srv.URL+"/scan" {
		t.Errorf("stored url = %q", rows[0].URL)
	}
	if !rows[0].CreatedAt.Equal(fixedNow) {
		t.Errorf("stored created_at = %v, want %v", rows[0].CreatedAt, fixedNow)
	}
}

func TestDispatch_SuccessDoesNotQueue(t *testing.T) {
	srv := httptest.NewServer(&recorder{respond: always(http.StatusCreated)})
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	outcome, err := tr.Dispatch(context.Background(), srv.URL+"/scan", map[string]int{"n": 1})
	if err != nil || outcome != Delivered {
		t.Fatalf("Dispatch() = %v, %v; want delivered", outcome, err)
	}
	if n := queueSize(t, tr); n != 0 {
		t.Errorf("QueueSize() = %d, want 0", n)
	}
}

func TestDispatch_InvalidPayload(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	_, err := tr.Dispatch(context.Background(), srv.URL+"/scan", []byte("{not json"))
	if !errors.Is(err, delivery.ErrInvalidPayload) {
		t.Fatalf("Dispatch() error = %v, want ErrInvalidPayload", err)
	}
	if len(rec.calls()) != 0 || queueSize(t, tr) != 0 {
		t.Error("invalid payload must not be sent or queued")
	}
}

func TestDispatch_StorageErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(&recorder{respond: always(http.StatusInternalServerError)})
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	tr, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	_ = tr.Close()

	_, err = tr.Dispatch(context.Background(), srv.URL+"/scan", []byte(`{}`))
	if !queue.IsStorageError(err) {
		t.Fatalf("Dispatch() on closed store error = %v, want *StorageError", err)
	}
}

func TestSendScanEvent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	outcome, err := tr.SendScanEvent(context.Background(), "PART", "RACK")
	if err != nil || outcome != Delivered {
		t.Fatalf("SendScanEvent() = %v, %v", outcome, err)
	}

	calls := rec.calls()
	if len(calls) != 1 || calls[0].Path != "/scan" {
		t.Fatalf("requests = %+v, want one POST to /scan", calls)
	}
	want := `{"scan_id":"ID-1","device_id":"dev","part_code":"PART","location_code":"RACK","scanned_at":"2025-01-01T00:00:00Z"}`
	if string(calls[0].Body) != want {
		t.Errorf("body = %s, want %s", calls[0].Body, want)
	}
}

func TestSendLogisticsJob_Server500(t *testing.T) {
	rec := &recorder{respond: always(http.StatusInternalServerError)}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	outcome, err := tr.SendLogisticsJob(context.Background(), "PART-1", "DEST-1")
	if err != nil {
		t.Fatalf("SendLogisticsJob() error = %v", err)
	}
	if outcome != Queued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
	if n := queueSize(t, tr); n != 1 {
		t.Fatalf("QueueSize() = %d, want 1", n)
	}

	rows, _ := tr.store.Oldest(context.Background(), 1)
	var job delivery.LogisticsJob
	if err := json.Unmarshal(rows[0].Payload, &job); err != nil {
		t.Fatal(err)
	}
	want := delivery.LogisticsJob{
		JobID: "ID-1", DeviceID: "dev", FromLocation: "STAGING", PartCode: "PART-1",
		ToLocation: "DEST-1", Status: "completed", CreatedAt: "2025-01-01T00:00:00Z",
	}
	if job != want {
		t.Errorf("queued job = %+v, want %+v", job, want)
	}
	if rows[0].URL != srv.URL+"/jobs" {
		t.Errorf("queued url = %q, want logistics endpoint", rows[0].URL)
	}
}

func TestSendLogisticsJob_FromOverride(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.LogisticsDefaultFrom = "DOCK"
	tr := newTestTransmitter(t, cfg)

	if _, err := tr.SendLogisticsJob(context.Background(), "P", "T"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.SendLogisticsJob(context.Background(), "P", "T", delivery.WithFromLocation("BAY-9")); err != nil {
		t.Fatal(err)
	}

	calls := rec.calls()
	var first, second delivery.LogisticsJob
	json.Unmarshal(calls[0].Body, &first)
	json.Unmarshal(calls[1].Body, &second)
	if first.FromLocation != "DOCK" {
		t.Errorf("default from_location = %q, want DOCK", first.FromLocation)
	}
	if second.FromLocation != "BAY-9" {
		t.Errorf("override from_location = %q, want BAY-9", second.FromLocation)
	}
}

func TestSendLogisticsJob_NotConfigured(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.LogisticsAPIURL = ""
	tr := newTestTransmitter(t, cfg)

	_, err := tr.SendLogisticsJob(context.Background(), "P", "T")
	var ce *config.ConfigError
	if !errors.As(err, &ce) || ce.Key != "logistics_api_url" {
		t.Fatalf("SendLogisticsJob() error = %v, want ConfigError for logistics_api_url", err)
	}
	if len(rec.calls()) != 0 || queueSize(t, tr) != 0 {
		t.Error("no request should be sent or queued without logistics_api_url")
	}
}

func TestEnqueueThenDrain_ScanEvent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))
	ctx := context.Background()

	event := delivery.ScanEvent{
		ScanID: "S1", DeviceID: "dev", PartCode: "PART", LocationCode: "RACK", ScannedAt: "2025-01-01T00:00:00Z",
	}
	if _, err := tr.Enqueue(ctx, srv.URL+"/scan", event); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if n := queueSize(t, tr); n != 1 {
		t.Fatalf("QueueSize() = %d, want 1", n)
	}

	res, err := tr.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res != (DrainResult{Sent: 1, Remaining: 0}) {
		t.Errorf("Drain() = %+v", res)
	}
	if n := queueSize(t, tr); n != 0 {
		t.Errorf("QueueSize() after drain = %d, want 0", n)
	}

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(calls))
	}
	want := `{"scan_id":"S1","device_id":"dev","part_code":"PART","location_code":"RACK","scanned_at":"2025-01-01T00:00:00Z"}`
	if calls[0].Path != "/scan" || string(calls[0].Body) != want {
		t.Errorf("request = %s %s, want /scan %s", calls[0].Path, calls[0].Body, want)
	}
	if calls[0].Headers.Get("Authorization") != "Bearer secret-token" {
		t.Errorf("drain request missing bearer token")
	}
}

func TestDrain_FIFO(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))
	ctx := context.Background()

	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"A"`))
	tr.Enqueue(ctx, srv.URL+"/jobs", []byte(`"B"`))
	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"C"`))

	res, err := tr.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 3 || res.Remaining != 0 {
		t.Errorf("Drain() = %+v, want 3 sent 0 remaining", res)
	}

	var order []string
	for _, c := range rec.calls() {
		order = append(order, string(c.Body))
	}
	if len(order) != 3 || order[0] != `"A"` || order[1] != `"B"` || order[2] != `"C"` {
		t.Errorf("delivery order = %v, want A B C", order)
	}
	if p := rec.calls()[1].Path; p != "/jobs" {
		t.Errorf("second request path = %q, want stored url /jobs", p)
	}
}

func TestDrain_HaltsOnFirstFailure(t *testing.T) {
	rec := &recorder{respond: func(_ int, body []byte) int {
		if string(body) == `"A"` {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))
	ctx := context.Background()

	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"A"`))
	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"B"`))

	res, err := tr.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.Sent != 0 || res.Remaining != 2 {
		t.Errorf("Drain() = %+v, want sent 0 remaining 2", res)
	}
	if n := len(rec.calls()); n != 1 {
		t.Errorf("server saw %d requests, want 1 (B must wait behind A)", n)
	}

	// The same bytes are retried on the next drain.
	res, _ = tr.Drain(ctx)
	calls := rec.calls()
	if string(calls[len(calls)-1].Body) != `"A"` {
		t.Errorf("retry body = %s, want A", calls[len(calls)-1].Body)
	}
	if res.Remaining != 2 {
		t.Errorf("second Drain() remaining = %d, want 2", res.Remaining)
	}
}

func TestDrain_PartialThenStop(t *testing.T) {
	rec := &recorder{respond: func(n int, _ []byte) int {
		if n == 2 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))
	ctx := context.Background()

	for _, p := range []string{`1`, `2`, `3`} {
		tr.Enqueue(ctx, srv.URL+"/scan", []byte(p))
	}

	res, err := tr.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 || res.Remaining != 2 {
		t.Errorf("Drain() = %+v, want sent 1 remaining 2", res)
	}
	rows, _ := tr.store.Oldest(ctx, 1)
	if string(rows[0].Payload) != `2` {
		t.Errorf("oldest after partial drain = %s, want 2", rows[0].Payload)
	}
}

func TestDrain_EmptyMakesNoRequests(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	res, err := tr.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res != (DrainResult{}) {
		t.Errorf("Drain() on empty queue = %+v, want zero", res)
	}
	if n := len(rec.calls()); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
}

func TestDrain_ExcludesRequestsQueuedMidDrain(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))
	ctx := context.Background()

	rec.setOnCall(func(n int) {
		if n == 1 {
			if _, err := tr.Enqueue(context.Background(), srv.URL+"/scan", []byte(`"late"`)); err != nil {
				t.Errorf("Enqueue() during drain error = %v", err)
			}
		}
	})

	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"A"`))
	tr.Enqueue(ctx, srv.URL+"/scan", []byte(`"B"`))

	res, err := tr.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || res.Remaining != 1 {
		t.Errorf("Drain() = %+v, want sent 2 remaining 1", res)
	}
	for _, c := range rec.calls() {
		if string(c.Body) == `"late"` {
			t.Error("request queued mid-drain was delivered by the same drain")
		}
	}

	rec.setOnCall(nil)
	res, err = tr.Drain(ctx)
	if err != nil || res.Sent != 1 || res.Remaining != 0 {
		t.Errorf("next Drain() = %+v, %v; want the late request delivered", res, err)
	}
}

func TestDrain_CancelledBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	tr := newTestTransmitter(t, testConfig(t, srv.URL))

	tr.Enqueue(context.Background(), srv.URL+"/scan", []byte(`1`))
	tr.Enqueue(context.Background(), srv.URL+"/scan", []byte(`2`))

	res, err := tr.Drain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain() error = %v, want context.Canceled", err)
	}
	if res.Sent != 1 || res.Remaining != 1 {
		t.Errorf("Drain() = %+v, want the in-flight request completed and removed", res)
	}
	if n := len(rec.calls()); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestRestartDurability(t *testing.T) {
	srv := httptest.NewServer(&recorder{respond: always(http.StatusInternalServerError)})
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.SendScanEvent(ctx, "P", "L"); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Enqueue(ctx, cfg.APIURL, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if n, _ := second.QueueSize(ctx); n != 2 {
		t.Errorf("QueueSize() after restart = %d, want 2", n)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Delivered, "delivered"},
		{Queued, "queued"},
		{Outcome(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.o, got, tt.want)
		}
	}
}
