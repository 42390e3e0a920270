// Package metrics provides per-controller counters for job lifecycles.
//
// The Collector accumulates counters across the attempts made by one
// controller. It is a leaf package with no internal dependencies; frame
// kinds are keyed by plain strings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Validation
	ValidationsOK     int64
	ValidationsFailed int64

	// Job lifecycle
	JobsStarted   int64
	StartFailures int64
	JobsCompleted int64
	JobsCancelled int64
	JobsFailed    int64

	// Cancellation requests
	CancelRequests int64
	CancelFailures int64

	// Event stream
	FramesReceived     int64
	FramesByKind       map[string]int64
	FramesUnknown      int64
	FramesStale        int64
	FramesIgnored      int64
	StreamLost         int64
	StreamIdleTimeouts int64

	// Sinks
	LedgerWriteSuccess int64
	LedgerWriteFailure int64
	NotifySuccess      int64
	NotifyFailure      int64

	// Dimensions (informational, set at construction)
	Feature        string
	CancelMode     string
	StorageBackend string
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	validationsOK     int64
	validationsFailed int64

	jobsStarted   int64
	startFailures int64
	jobsCompleted int64
	jobsCancelled int64
	jobsFailed    int64

	cancelRequests int64
	cancelFailures int64

	framesReceived     int64
	framesByKind       map[string]int64
	framesUnknown      int64
	framesStale        int64
	framesIgnored      int64
	streamLost         int64
	streamIdleTimeouts int64

	ledgerWriteSuccess int64
	ledgerWriteFailure int64
	notifySuccess      int64
	notifyFailure      int64

	feature        string
	cancelMode     string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
// storageBackend may be empty when no ledger is configured.
func NewCollector(feature, cancelMode, storageBackend string) *Collector {
	return &Collector{
		framesByKind:   make(map[string]int64),
		feature:        feature,
		cancelMode:     cancelMode,
		storageBackend: storageBackend,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Validation ---

// IncValidationOK records an accepted artifact.
func (c *Collector) IncValidationOK() {
	if c == nil {
		return
	}
	c.inc(&c.validationsOK)
}

// IncValidationFailed records a rejected artifact or failed validate call.
func (c *Collector) IncValidationFailed() {
	if c == nil {
		return
	}
	c.inc(&c.validationsFailed)
}

// --- Job lifecycle ---

// IncJobStarted records a start call that returned a job id.
func (c *Collector) IncJobStarted() {
	if c == nil {
		return
	}
	c.inc(&c.jobsStarted)
}

// IncStartFailure records a start call that failed.
func (c *Collector) IncStartFailure() {
	if c == nil {
		return
	}
	c.inc(&c.startFailures)
}

// IncJobCompleted records an attempt that reached completed.
func (c *Collector) IncJobCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.jobsCompleted)
}

// IncJobCancelled records an attempt that reached cancelled (or was reset by a cancel).
func (c *Collector) IncJobCancelled() {
	if c == nil {
		return
	}
	c.inc(&c.jobsCancelled)
}

// IncJobFailed records an attempt that reached error.
func (c *Collector) IncJobFailed() {
	if c == nil {
		return
	}
	c.inc(&c.jobsFailed)
}

// IncCancelRequest records a cancel request sent to the backend.
func (c *Collector) IncCancelRequest() {
	if c == nil {
		return
	}
	c.inc(&c.cancelRequests)
}

// IncCancelFailure records a cancel request the backend did not accept.
func (c *Collector) IncCancelFailure() {
	if c == nil {
		return
	}
	c.inc(&c.cancelFailures)
}

// --- Event stream ---

// IncFrameReceived records a decoded frame of the given kind.
func (c *Collector) IncFrameReceived(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesReceived++
	c.framesByKind[kind]++
	c.mu.Unlock()
}

// IncFrameUnknown records a message with an unrecognised event name.
func (c *Collector) IncFrameUnknown() {
	if c == nil {
		return
	}
	c.inc(&c.framesUnknown)
}

// IncFrameStale records a frame discarded because its session is no longer current.
func (c *Collector) IncFrameStale() {
	if c == nil {
		return
	}
	c.inc(&c.framesStale)
}

// IncFrameIgnored records a frame the reducer ignored for the current status.
func (c *Collector) IncFrameIgnored() {
	if c == nil {
		return
	}
	c.inc(&c.framesIgnored)
}

// IncStreamLost records a transport drop before a terminal frame.
func (c *Collector) IncStreamLost() {
	if c == nil {
		return
	}
	c.inc(&c.streamLost)
}

// IncStreamIdleTimeout records a session closed by the idle watchdog.
func (c *Collector) IncStreamIdleTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.streamIdleTimeouts)
}

// --- Sinks ---
// Sink counters are per-call: one ledger write or one publish.

// IncLedgerWriteSuccess records a successful ledger write.
func (c *Collector) IncLedgerWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.ledgerWriteSuccess)
}

// IncLedgerWriteFailure records a failed ledger write.
func (c *Collector) IncLedgerWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.ledgerWriteFailure)
}

// IncNotifySuccess records a delivered job-finished notification.
func (c *Collector) IncNotifySuccess() {
	if c == nil {
		return
	}
	c.inc(&c.notifySuccess)
}

// IncNotifyFailure records a failed job-finished notification.
func (c *Collector) IncNotifyFailure() {
	if c == nil {
		return
	}
	c.inc(&c.notifyFailure)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.framesByKind))
	for k, v := range c.framesByKind {
		byKind[k] = v
	}

	return Snapshot{
		ValidationsOK:     c.validationsOK,
		ValidationsFailed: c.validationsFailed,

		JobsStarted:   c.jobsStarted,
		StartFailures: c.startFailures,
		JobsCompleted: c.jobsCompleted,
		JobsCancelled: c.jobsCancelled,
		JobsFailed:    c.jobsFailed,

		CancelRequests: c.cancelRequests,
		CancelFailures: c.cancelFailures,

		FramesReceived:     c.framesReceived,
		FramesByKind:       byKind,
		FramesUnknown:      c.framesUnknown,
		FramesStale:        c.framesStale,
		FramesIgnored:      c.framesIgnored,
		StreamLost:         c.streamLost,
		StreamIdleTimeouts: c.streamIdleTimeouts,

		LedgerWriteSuccess: c.ledgerWriteSuccess,
		LedgerWriteFailure: c.ledgerWriteFailure,
		NotifySuccess:      c.notifySuccess,
		NotifyFailure:      c.notifyFailure,

		Feature:        c.feature,
		CancelMode:     c.cancelMode,
		StorageBackend: c.storageBackend,
	}
}
