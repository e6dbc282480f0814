// Package transmitter delivers scan events and logistics jobs to the API,
// falling back to a durable local outbox whenever a send fails.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onsitelogistics/handheld/internal/config"
	"github.com/onsitelogistics/handheld/internal/delivery"
	"github.com/onsitelogistics/handheld/internal/logging"
	"github.com/onsitelogistics/handheld/internal/metrics"
	"github.com/onsitelogistics/handheld/internal/queue"
	"github.com/onsitelogistics/handheld/internal/tracing"
)

// Outcome reports where a dispatched request ended up.
type Outcome int

const (
	Delivered Outcome = iota + 1
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// DrainResult is the outcome of one Drain call.
type DrainResult struct {
	Sent      int
	Remaining int
}

type Option func(*Transmitter)

// WithHTTPClient replaces the client built from timeout_seconds.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transmitter) {
		if c != nil {
			t.client = c
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(t *Transmitter) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Transmitter) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator sets the source of scan_id and job_id values.
func WithIDGenerator(gen func() string) Option {
	return func(t *Transmitter) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// Transmitter owns the outbox file and the HTTP client for one device.
type Transmitter struct {
	apiURL       string
	logisticsURL string
	token        string
	deviceID     string
	jobDefaults  delivery.LogisticsJobDefaults

	store  *queue.Store
	client *http.Client
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	drainMu sync.Mutex
}

// New validates cfg and opens the outbox at cfg.QueueDBPath.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Transmitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Transmitter{
		apiURL:       cfg.APIURL,
		logisticsURL: cfg.LogisticsAPIURL,
		token:        cfg.APIToken,
		deviceID:     cfg.DeviceID,
		jobDefaults: delivery.LogisticsJobDefaults{
			DeviceID:     cfg.DeviceID,
			FromLocation: cfg.LogisticsDefaultFrom,
			Status:       cfg.LogisticsStatus,
		},
		client: newHTTPClient(cfg.Timeout()),
		logger: logging.Default(),
		now:    time.Now,
		newID:  delivery.NewID,
	}
	for _, opt := range opts {
		opt(t)
	}

	store, err := queue.Open(ctx, cfg.QueueDBPath)
	if err != nil {
		return nil, err
	}
	t.store = store

	if n, err := store.Size(ctx); err == nil {
		metrics.UpdateQueueDepth(n)
		t.logger.Plain().WithDevice(t.deviceID).WithField("queue_size", n).Debug("transmitter ready")
	}
	return t, nil
}

// SendNow makes a single delivery attempt. A transport failure is returned
// as a *SendFailure; nothing is queued.
func (t *Transmitter) SendNow(ctx context.Context, url string, payload any) error {
	body, err := delivery.Encode(payload)
	if err != nil {
		return err
	}
	return t.post(ctx, url, body)
}

// Enqueue stores payload for later delivery and returns its queue id.
func (t *Transmitter) Enqueue(ctx context.Context, url string, payload any) (int64, error) {
	body, err := delivery.Encode(payload)
	if err != nil {
		return 0, err
	}
	return t.enqueue(ctx, url, body)
}

func (t *Transmitter) enqueue(ctx context.Context, url string, body []byte) (int64, error) {
	id, err := t.store.Append(ctx, url, body, t.now().UTC())
	if err != nil {
		t.logger.WithContext(ctx).WithURL(url).WithError(err).Error("enqueue failed")
		return 0, err
	}
	t.refreshDepth(ctx)
	return id, nil
}

// Dispatch sends payload, queueing it if the send fails. Transport
// failures are absorbed; storage and encoding errors are returned.
func (t *Transmitter) Dispatch(ctx context.Context, url string, payload any) (Outcome, error) {
	return t.dispatch(ctx, "raw", url, payload)
}

func (t *Transmitter) dispatch(ctx context.Context, kind, url string, payload any) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "transmitter.dispatch",
		attribute.String("kind", kind),
		attribute.String("url", url),
	)
	defer span.End()

	body, err := delivery.Encode(payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}

	sendErr := t.post(ctx, url, body)
	if sendErr == nil {
		metrics.RecordDispatch(kind, Delivered.String())
		t.logger.WithContext(ctx).WithURL(url).WithField("kind", kind).Debug("delivered")
		return Delivered, nil
	}

	var failure *SendFailure
	if !errors.As(sendErr, &failure) {
		tracing.SetSpanError(ctx, sendErr)
		return 0, sendErr
	}

	tracing.AddSpanEvent(ctx, "outbox.append", attribute.String("failure_reason", failure.Reason))
	id, err := t.enqueue(ctx, url, body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}

	metrics.RecordDispatch(kind, Queued.String())
	t.logger.WithContext(ctx).WithQueueID(id).WithURL(url).WithFields(map[string]any{
		"kind":   kind,
		"reason": failure.Reason,
		"status": failure.StatusCode,
	}).Warn("send failed, request queued")
	return Queued, nil
}

// QueueSize returns the number of undelivered requests.
func (t *Transmitter) QueueSize(ctx context.Context) (int, error) {
	return t.store.Size(ctx)
}

// SendScanEvent builds a scan event for this device and dispatches it to
// api_url.
func (t *Transmitter) SendScanEvent(ctx context.Context, partCode, locationCode string) (Outcome, error) {
	ev := delivery.NewScanEvent(t.deviceID, partCode, locationCode, t.now(), t.newID())
	return t.dispatch(ctx, "scan", t.apiURL, ev)
}

// SendLogisticsJob builds a logistics job from the configured defaults and
// dispatches it to logistics_api_url.
func (t *Transmitter) SendLogisticsJob(ctx context.Context, partCode, toLocation string, opts ...delivery.JobOption) (Outcome, error) {
	if t.logisticsURL == "" {
		return 0, &config.ConfigError{Key: "logistics_api_url", Reason: "not set"}
	}
	job := delivery.NewLogisticsJob(t.jobDefaults, partCode, toLocation, t.now(), t.newID(), opts...)
	return t.dispatch(ctx, "job", t.logisticsURL, job)
}

// Drain delivers queued requests oldest first and removes each one after a
// 2xx. It stops at the first failure so later requests never overtake an
// earlier one. Requests queued after Drain starts are left for the next
// call. ctx is checked between requests only; an in-flight send is never
// interrupted.
func (t *Transmitter) Drain(ctx context.Context) (res DrainResult, err error) {
	t.drainMu.Lock()
	defer t.drainMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "transmitter.drain")
	defer span.End()
	itemCtx := context.WithoutCancel(ctx)

	result := "error"
	defer func() {
		if err != nil {
			tracing.SetSpanError(ctx, err)
		}
		span.SetAttributes(
			attribute.Int("drain.sent", res.Sent),
			attribute.Int("drain.remaining", res.Remaining),
			attribute.String("drain.result", result),
		)
		metrics.RecordDrain(result, res.Sent)
	}()

	horizon, err := t.store.LastID(itemCtx)
	if err != nil {
		return res, err
	}

	stalled := false
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("drain interrupted: %w", ctxErr)
			break
		}

		rows, err := t.store.Oldest(itemCtx, 1)
		if err != nil {
			return res, err
		}
		if len(rows) == 0 || rows[0].ID > horizon {
			break
		}
		row := rows[0]

		if sendErr := t.post(itemCtx, row.URL, row.Payload); sendErr != nil {
			stalled = true
			t.logger.WithContext(ctx).WithQueueID(row.ID).WithURL(row.URL).WithError(sendErr).
				Warn("drain stopped at first failure")
			break
		}
		if err := t.store.Remove(itemCtx, row.ID); err != nil {
			return res, err
		}
		res.Sent++
		t.logger.WithContext(ctx).WithQueueID(row.ID).WithURL(row.URL).Debug("queued request delivered")
	}

	remaining, sizeErr := t.store.Size(itemCtx)
	if sizeErr != nil {
		return res, sizeErr
	}
	res.Remaining = remaining
	metrics.UpdateQueueDepth(remaining)

	if err != nil {
		return res, err
	}
	switch {
	case stalled:
		result = "stalled"
	case res.Sent == 0 && res.Remaining == 0:
		result = "empty"
	default:
		result = "flushed"
	}
	return res, nil
}

// Close releases the outbox file.
func (t *Transmitter) Close() error {
	return t.store.Close()
}

func (t *Transmitter) refreshDepth(ctx context.Context) {
	if n, err := t.store.Size(ctx); err == nil {
		metrics.UpdateQueueDepth(n)
	}
}
