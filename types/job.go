package types

import "time"

// Status is the local lifecycle status of a job record.
type Status string

// Status values in lifecycle order.
const (
	StatusIdle       Status = "idle"
	StatusValidating Status = "validating"
	StatusValidated  Status = "validated"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

// IsTerminal reports whether the status ends an attempt.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// IsActive reports whether an attempt is in flight (a start was issued and
// no terminal frame has been applied yet).
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning
}

// IsBusy reports whether a backend operation owns the record.
func (s Status) IsBusy() bool {
	return s == StatusValidating || s.IsActive()
}

// Slot holds one staged input artifact and its validation state.
type Slot struct {
	// Name is the slot label from the feature descriptor.
	Name string `json:"name" yaml:"name"`
	// Artifact is the staged input, nil when empty.
	Artifact Artifact `json:"-" yaml:"-"`
	// Validated is set after the backend accepted the artifact.
	Validated bool `json:"validated" yaml:"validated"`
	// Token is the per-slot validation token, when the backend issued one.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// ArtifactName returns the staged artifact's name or "".
func (s Slot) ArtifactName() string {
	if s.Artifact == nil {
		return ""
	}
	return s.Artifact.Name()
}

// JobRecord is the controller-owned state of one job.
// Readers receive copies via Clone; they never share the Log slice.
type JobRecord struct {
	// Feature is the feature name this record belongs to.
	Feature string `json:"feature" yaml:"feature"`
	// Slots are the ordered input artifact slots.
	Slots []Slot `json:"slots" yaml:"slots"`
	// ValidationToken is set only when every slot is validated and the
	// feature uses tokens.
	ValidationToken string `json:"validation_token,omitempty" yaml:"validation_token,omitempty"`
	// JobID is the server-issued job identifier, set after a successful start.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	// AttemptID is the client-side identifier of the current attempt.
	AttemptID string `json:"attempt_id,omitempty" yaml:"attempt_id,omitempty"`
	// Status is the lifecycle status.
	Status Status `json:"status" yaml:"status"`
	// Log is the append-only progress log for the current attempt.
	Log []string `json:"log" yaml:"log"`
	// ErrorDetail is set only when Status is StatusError.
	ErrorDetail string `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	// StreamLost is set when the error was synthesised locally because the
	// event stream dropped.
	StreamLost bool `json:"stream_lost,omitempty" yaml:"stream_lost,omitempty"`
	// ResultHandle locates the downloadable result, set only when
	// Status is StatusCompleted.
	ResultHandle string `json:"result_handle,omitempty" yaml:"result_handle,omitempty"`
	// OperationError is the last validate/start/cancel failure message.
	// It never changes Status.
	OperationError string `json:"operation_error,omitempty" yaml:"operation_error,omitempty"`
	// StartedAt is when the current attempt was started.
	StartedAt time.Time `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	// FinishedAt is when the current attempt reached a terminal status.
	FinishedAt time.Time `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
}

// NewJobRecord returns an idle record with one empty slot per feature slot.
func NewJobRecord(f Feature) JobRecord {
	slots := make([]Slot, len(f.Slots))
	for i, s := range f.Slots {
		slots[i] = Slot{Name: s.Name}
	}
	return JobRecord{
		Feature: f.Name,
		Slots:   slots,
		Status:  StatusIdle,
		Log:     []string{},
	}
}

// Clone returns a deep copy of the record.
func (r JobRecord) Clone() JobRecord {
	out := r
	out.Slots = append([]Slot(nil), r.Slots...)
	out.Log = append([]string{}, r.Log...)
	return out
}

// AllValidated reports whether every slot is validated.
// A record with no slots is vacuously validated.
func (r JobRecord) AllValidated() bool {
	for _, s := range r.Slots {
		if !s.Validated {
			return false
		}
	}
	return true
}

// Duration returns the elapsed time of the current attempt, or zero.
func (r JobRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
