package runtime

import "github.com/pithecene-io/sheetjobs/types"

// Log line prefixes for terminal frames.
const (
	PrefixCompleted = "✅ "
	PrefixCancelled = "🛑 "
	PrefixError     = "❌ "
)

// Reduce applies one frame to a record and returns the next record.
//
// Only records in starting or running accept frames; every other status
// (terminal, or not yet started) returns rec unchanged with applied=false.
// result is stored as the result handle when a completed frame is applied;
// pass "" when no result is available.
//
// Reduce never mutates its input.
func Reduce(rec types.JobRecord, f types.Frame, result string) (next types.JobRecord, applied bool) {
	if !rec.Status.IsActive() || !f.Kind.Valid() {
		return rec, false
	}

	next = rec.Clone()
	switch f.Kind {
	case types.FrameProgress:
		next.Status = types.StatusRunning
		next.Log = append(next.Log, f.Text)
	case types.FrameCompleted:
		next.Status = types.StatusCompleted
		next.Log = append(next.Log, PrefixCompleted+f.Text)
		next.ResultHandle = result
	case types.FrameCancelled:
		next.Status = types.StatusCancelled
		next.Log = append(next.Log, PrefixCancelled+f.Text)
	case types.FrameError:
		next.Status = types.StatusError
		next.Log = append(next.Log, PrefixError+f.Text)
		next.ErrorDetail = f.Text
		next.StreamLost = f.Synthetic
	}
	return next, true
}

// RecordErr returns the terminal error of a record, or nil.
// Error records yield ErrorJob, or ErrorStreamLost when the stream dropped.
func RecordErr(rec types.JobRecord) error {
	if rec.Status != types.StatusError {
		return nil
	}
	kind := ErrorJob
	if rec.StreamLost {
		kind = ErrorStreamLost
	}
	return &Error{Kind: kind, Op: "job", Detail: rec.ErrorDetail}
}
