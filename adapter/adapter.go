// Package adapter publishes job-finished notifications to downstream systems.
//
// An Adapter delivers one event per finished attempt. A Notifier wraps an
// Adapter as a controller finisher.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/sheetjobs/types"
)

// EventTypeJobFinished is the event_type of every published event.
const EventTypeJobFinished = "job_finished"

// JobFinishedEvent is the payload published when an attempt reaches a
// terminal status.
type JobFinishedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "job_finished"
	Feature         string `json:"feature"`
	AttemptID       string `json:"attempt_id"`
	JobID           string `json:"job_id,omitempty"`
	Status          string `json:"status"` // completed, cancelled, error
	// Detail is the error detail for failed jobs, else the last log line.
	Detail       string `json:"detail,omitempty"`
	StreamLost   bool   `json:"stream_lost,omitempty"`
	ResultHandle string `json:"result_handle,omitempty"`
	LogLines     int    `json:"log_lines"`
	StartedAt    string `json:"started_at,omitempty"` // RFC 3339
	FinishedAt   string `json:"finished_at,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Timestamp    string `json:"timestamp"`
}

// NewJobFinishedEvent builds the event for a finished record.
func NewJobFinishedEvent(rec types.JobRecord, now time.Time) *JobFinishedEvent {
	ev := &JobFinishedEvent{
		ContractVersion: types.Version,
		EventType:       EventTypeJobFinished,
		Feature:         rec.Feature,
		AttemptID:       rec.AttemptID,
		JobID:           rec.JobID,
		Status:          string(rec.Status),
		StreamLost:      rec.StreamLost,
		ResultHandle:    rec.ResultHandle,
		LogLines:        len(rec.Log),
		DurationMs:      rec.Duration().Milliseconds(),
		Timestamp:       now.UTC().Format(time.RFC3339),
	}
	switch {
	case rec.Status == types.StatusError:
		ev.Detail = rec.ErrorDetail
	case len(rec.Log) > 0:
		ev.Detail = rec.Log[len(rec.Log)-1]
	}
	if !rec.StartedAt.IsZero() {
		ev.StartedAt = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if !rec.FinishedAt.IsZero() {
		ev.FinishedAt = rec.FinishedAt.UTC().Format(time.RFC3339)
	}
	return ev
}

// Adapter publishes job-finished events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobFinishedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff returns the delay before retry attempt i (1-based):
// 500ms, 1s, 2s, ...
func Backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Retry calls fn up to 1+retries times with exponential backoff between
// attempts. It stops early when ctx is done or permanent reports the
// error as not worth retrying.
func Retry(ctx context.Context, retries int, fn func(context.Context) error, permanent func(error) bool) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(Backoff(i)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
