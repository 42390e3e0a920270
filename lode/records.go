package lode

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/types"
)

// RecordKind discriminator values.
const (
	RecordKindJob     = "job"
	RecordKindMetrics = "metrics"
)

// partitionMetrics is the status partition value used for metrics snapshots.
const partitionMetrics = "metrics"

// Entry is one finished job as stored in the ledger.
type Entry struct {
	RecordKind   string    `json:"record_kind"`
	Feature      string    `json:"feature"`
	AttemptID    string    `json:"attempt_id"`
	JobID        string    `json:"job_id,omitempty"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	StreamLost   bool      `json:"stream_lost,omitempty"`
	ResultHandle string    `json:"result_handle,omitempty"`
	LogLines     int       `json:"log_lines"`
	Log          []string  `json:"log,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
	Day          string    `json:"day"`
}

// dayOf returns the UTC day partition for t.
func dayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// toJobRecordMap converts a finished record to a map for storage.
// feature, day and status double as Hive partition keys.
func toJobRecordMap(rec types.JobRecord, finishedAt time.Time) map[string]any {
	detail := rec.ErrorDetail
	if detail == "" && len(rec.Log) > 0 {
		detail = rec.Log[len(rec.Log)-1]
	}
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = finishedAt
	}
	return map[string]any{
		"record_kind":   RecordKindJob,
		"feature":       rec.Feature,
		"attempt_id":    rec.AttemptID,
		"job_id":        rec.JobID,
		"status":        string(rec.Status),
		"detail":        detail,
		"stream_lost":   rec.StreamLost,
		"result_handle": rec.ResultHandle,
		"log_lines":     len(rec.Log),
		"log":           append([]string{}, rec.Log...),
		"started_at":    startedAt.UTC().Format(time.RFC3339Nano),
		"finished_at":   finishedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":   finishedAt.Sub(startedAt).Milliseconds(),
		"day":           dayOf(finishedAt),
	}
}

// toMetricsRecordMap converts a metrics snapshot to a map for storage.
func toMetricsRecordMap(snap metrics.Snapshot, at time.Time) map[string]any {
	byKind := make(map[string]any, len(snap.FramesByKind))
	for k, v := range snap.FramesByKind {
		byKind[k] = v
	}
	return map[string]any{
		"record_kind":          RecordKindMetrics,
		"feature":              snap.Feature,
		"status":               partitionMetrics,
		"day":                  dayOf(at),
		"ts":                   at.UTC().Format(time.RFC3339Nano),
		"cancel_mode":          snap.CancelMode,
		"storage_backend":      snap.StorageBackend,
		"validations_ok":       snap.ValidationsOK,
		"validations_failed":   snap.ValidationsFailed,
		"jobs_started":         snap.JobsStarted,
		"start_failures":       snap.StartFailures,
		"jobs_completed":       snap.JobsCompleted,
		"jobs_cancelled":       snap.JobsCancelled,
		"jobs_failed":          snap.JobsFailed,
		"cancel_requests":      snap.CancelRequests,
		"cancel_failures":      snap.CancelFailures,
		"frames_received":      snap.FramesReceived,
		"frames_by_kind":       byKind,
		"frames_unknown":       snap.FramesUnknown,
		"frames_stale":         snap.FramesStale,
		"frames_ignored":       snap.FramesIgnored,
		"stream_lost":          snap.StreamLost,
		"stream_idle_timeouts": snap.StreamIdleTimeouts,
		"ledger_write_success": snap.LedgerWriteSuccess,
		"ledger_write_failure": snap.LedgerWriteFailure,
		"notify_success":       snap.NotifySuccess,
		"notify_failure":       snap.NotifyFailure,
	}
}

// entryFromRecord decodes a stored job record.
// Round-tripping through JSON normalises codec types (float64 numbers,
// []any slices) into the typed Entry.
func entryFromRecord(record map[string]any) (Entry, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Entry{}, fmt.Errorf("encode ledger record: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger record: %w", err)
	}
	return e, nil
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
