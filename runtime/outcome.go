package runtime

import (
	"fmt"

	"github.com/pithecene-io/sheetjobs/types"
)

// Exit codes for a finished attempt, used by the CLI.
const (
	ExitCodeCompleted    = 0 // completed frame received
	ExitCodeJobError     = 1 // error frame received
	ExitCodeStreamLost   = 2 // stream dropped or a backend request failed
	ExitCodeCancelled    = 3 // cancelled frame or local cancel
	ExitCodeInvalidInput = 4 // validation or precondition failure
)

// Outcome summarises a finished attempt.
type Outcome struct {
	Status   types.Status
	ExitCode int
	Message  string
}

// DetermineOutcome maps a record, and the error of the operation that
// ended the run (if any), to an outcome.
//
// Operation errors take precedence: a run that never reached a terminal
// status is classified by why it stopped.
func DetermineOutcome(rec types.JobRecord, opErr error) Outcome {
	if opErr != nil {
		switch {
		case IsValidationError(opErr), IsPreconditionError(opErr):
			return Outcome{Status: rec.Status, ExitCode: ExitCodeInvalidInput, Message: opErr.Error()}
		default:
			return Outcome{Status: rec.Status, ExitCode: ExitCodeStreamLost, Message: opErr.Error()}
		}
	}

	switch rec.Status {
	case types.StatusCompleted:
		return Outcome{Status: rec.Status, ExitCode: ExitCodeCompleted, Message: lastLine(rec, "job completed")}
	case types.StatusCancelled:
		return Outcome{Status: rec.Status, ExitCode: ExitCodeCancelled, Message: lastLine(rec, "job cancelled")}
	case types.StatusError:
		if rec.StreamLost {
			return Outcome{Status: rec.Status, ExitCode: ExitCodeStreamLost, Message: rec.ErrorDetail}
		}
		return Outcome{Status: rec.Status, ExitCode: ExitCodeJobError, Message: rec.ErrorDetail}
	case types.StatusIdle, types.StatusValidated:
		if len(rec.Log) > 0 && rec.Log[len(rec.Log)-1] == CancelledByUserText {
			return Outcome{Status: rec.Status, ExitCode: ExitCodeCancelled, Message: CancelledByUserText}
		}
	}
	return Outcome{
		Status:   rec.Status,
		ExitCode: ExitCodeStreamLost,
		Message:  fmt.Sprintf("job ended in non-terminal status %s", rec.Status),
	}
}

func lastLine(rec types.JobRecord, fallback string) string {
	if len(rec.Log) == 0 {
		return fallback
	}
	return rec.Log[len(rec.Log)-1]
}
