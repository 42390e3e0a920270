package render

import (
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/sheetjobs/lode"
	"github.com/pithecene-io/sheetjobs/types"
)

// JobView is the rendered form of a job record and its outcome.
type JobView struct {
	Feature      string   `json:"feature" yaml:"feature"`
	Status       string   `json:"status" yaml:"status"`
	JobID        string   `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	AttemptID    string   `json:"attempt_id,omitempty" yaml:"attempt_id,omitempty"`
	Slots        []string `json:"slots" yaml:"slots"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
	ResultHandle string   `json:"result_handle,omitempty" yaml:"result_handle,omitempty"`
	ExitCode     int      `json:"exit_code" yaml:"exit_code"`
	Duration     string   `json:"duration,omitempty" yaml:"duration,omitempty"`
	Log          []string `json:"log" yaml:"log"`
}

// NewJobView builds a view of rec. message and exitCode come from the
// attempt outcome.
func NewJobView(rec types.JobRecord, message string, exitCode int) JobView {
	slots := make([]string, len(rec.Slots))
	for i, s := range rec.Slots {
		state := "empty"
		switch {
		case s.Validated:
			state = "validated"
		case s.Artifact != nil:
			state = "staged"
		}
		name := s.ArtifactName()
		if name == "" {
			slots[i] = s.Name + " (" + state + ")"
		} else {
			slots[i] = s.Name + "=" + name + " (" + state + ")"
		}
	}
	v := JobView{
		Feature:      rec.Feature,
		Status:       string(rec.Status),
		JobID:        rec.JobID,
		AttemptID:    rec.AttemptID,
		Slots:        slots,
		Message:      message,
		ResultHandle: rec.ResultHandle,
		ExitCode:     exitCode,
		Log:          append([]string{}, rec.Log...),
	}
	if d := rec.Duration(); d > 0 {
		v.Duration = d.Round(time.Millisecond).String()
	}
	return v
}

// FeatureTable lists a feature catalog.
type FeatureTable []types.Feature

func (FeatureTable) Header() []string {
	return []string{"name", "slots", "validation", "start", "download", "discard", "cancel"}
}

func (t FeatureTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, f := range t {
		names := make([]string, len(f.Slots))
		for i, s := range f.Slots {
			names[i] = s.Name
		}
		validation := string(f.Validation)
		if f.IndexedValidation {
			validation += " (indexed)"
		}
		rows = append(rows, []string{
			f.Name,
			dash(strings.Join(names, ",")),
			validation,
			string(f.Start),
			dash(f.DownloadPath),
			strconv.FormatBool(f.Discard),
			string(f.CancelMode()),
		})
	}
	return rows
}

// HistoryTable lists ledger entries.
type HistoryTable []lode.Entry

func (HistoryTable) Header() []string {
	return []string{"finished", "feature", "status", "job_id", "duration", "detail"}
}

func (t HistoryTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{
			e.FinishedAt.Local().Format(time.DateTime),
			e.Feature,
			e.Status,
			dash(e.JobID),
			(time.Duration(e.DurationMs) * time.Millisecond).String(),
			truncate(e.Detail, 60),
		})
	}
	return rows
}

// FrameRow is one replayed frame.
type FrameRow struct {
	AttemptID string `json:"attempt_id" yaml:"attempt_id"`
	JobID     string `json:"job_id" yaml:"job_id"`
	Seq       int64  `json:"seq" yaml:"seq"`
	Time      string `json:"time" yaml:"time"`
	Kind      string `json:"kind" yaml:"kind"`
	Text      string `json:"text" yaml:"text"`
	Synthetic bool   `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// FrameTable lists replayed frames.
type FrameTable []FrameRow

func (FrameTable) Header() []string {
	return []string{"attempt", "seq", "time", "kind", "text"}
}

func (t FrameTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, f := range t {
		kind := f.Kind
		if f.Synthetic {
			kind += "*"
		}
		rows = append(rows, []string{shortID(f.AttemptID), strconv.FormatInt(f.Seq, 10), f.Time, kind, f.Text})
	}
	return rows
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
