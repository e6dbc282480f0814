package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPayload is returned when a payload cannot be encoded as JSON.
var ErrInvalidPayload = errors.New("delivery: invalid payload")

type ScanEvent struct {
	ScanID       string `json:"scan_id"`
	DeviceID     string `json:"device_id"`
	PartCode     string `json:"part_code"`
	LocationCode string `json:"location_code"`
	ScannedAt    string `json:"scanned_at"` // RFC3339, UTC
}

type LogisticsJob struct {
	JobID        string `json:"job_id"`
	DeviceID     string `json:"device_id"`
	FromLocation string `json:"from_location"`
	PartCode     string `json:"part_code"`
	ToLocation   string `json:"to_location"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"` // RFC3339, UTC
}

// LogisticsJobDefaults holds the configured values every job starts from.
// It is resolved once and passed by value.
type LogisticsJobDefaults struct {
	DeviceID     string
	FromLocation string
	Status       string
}

// JobOption overrides a default on a single job.
type JobOption func(*LogisticsJob)

// WithFromLocation overrides the configured origin location.
func WithFromLocation(loc string) JobOption {
	return func(j *LogisticsJob) {
		if loc != "" {
			j.FromLocation = loc
		}
	}
}

// WithStatus overrides the configured job status.
func WithStatus(status string) JobOption {
	return func(j *LogisticsJob) {
		if status != "" {
			j.Status = status
		}
	}
}

// FormatTime renders t the way payload timestamps are sent.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewID returns a fresh identifier for scan_id and job_id.
func NewID() string {
	return uuid.NewString()
}

// NewScanEvent builds a scan event captured at the given time.
func NewScanEvent(deviceID, partCode, locationCode string, at time.Time, scanID string) ScanEvent {
	return ScanEvent{
		ScanID:       scanID,
		DeviceID:     deviceID,
		PartCode:     partCode,
		LocationCode: locationCode,
		ScannedAt:    FormatTime(at),
	}
}

// NewLogisticsJob builds a job from the defaults, then applies opts.
func NewLogisticsJob(defaults LogisticsJobDefaults, partCode, toLocation string, at time.Time, jobID string, opts ...JobOption) LogisticsJob {
	job := LogisticsJob{
		JobID:        jobID,
		DeviceID:     defaults.DeviceID,
		FromLocation: defaults.FromLocation,
		PartCode:     partCode,
		ToLocation:   toLocation,
		Status:       defaults.Status,
		CreatedAt:    FormatTime(at),
	}
	for _, opt := range opts {
		opt(&job)
	}
	return job
}

// Encode returns the exact bytes that will be sent and, on failure, stored.
// []byte and json.RawMessage are taken as already-encoded JSON and must be
// valid; anything else is marshalled.
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidPayload)
	case json.RawMessage:
		return checkRaw(p)
	case []byte:
		return checkRaw(p)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

func checkRaw(b []byte) ([]byte, error) {
	if len(bytes.TrimSpace(b)) == 0 || !json.Valid(b) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return b, nil
}
