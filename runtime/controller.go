// Package runtime implements the job-lifecycle controller: artifact staging
// and validation, job start, frame reduction, cancellation and download.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

// CancelledByUserText is the log text recorded when a cancel resolves locally.
const CancelledByUserText = "cancelled by user"

// DefaultFinishTimeout bounds each Finisher call.
const DefaultFinishTimeout = 30 * time.Second

// Backend is the job backend bound to one feature.
type Backend interface {
	// Validate submits the artifact staged in slot.
	Validate(ctx context.Context, slot int, a types.Artifact) (ValidateResult, error)
	// Start starts a job and returns its id.
	Start(ctx context.Context, req StartRequest) (string, error)
	// Cancel requests cancellation. Best-effort.
	Cancel(ctx context.Context, jobID string) error
	// Discard releases a staged validation token.
	Discard(ctx context.Context, token string) error
}

// ValidateResult is the backend's acceptance of an artifact.
type ValidateResult struct {
	Message string
	Token   string
}

// StartRequest is the payload of a start call. Exactly one of Token or
// Artifacts is set, or neither for features without inputs.
type StartRequest struct {
	Token     string
	Artifacts []types.Artifact
}

// Downloader locates and fetches job results.
type Downloader interface {
	// ResultHandle returns the result locator for a completed job.
	ResultHandle(jobID string) string
	// Download streams the result to w.
	Download(ctx context.Context, handle string, w io.Writer) (int64, error)
}

// FrameRecorder receives every frame of the current attempt in arrival order.
type FrameRecorder interface {
	RecordFrame(attemptID, jobID string, f types.Frame) error
}

// Finisher is notified once per attempt that reaches a terminal status.
type Finisher interface {
	JobFinished(ctx context.Context, rec types.JobRecord) error
}

// Config configures a Controller.
type Config struct {
	// Feature is the feature descriptor (required).
	Feature types.Feature
	// Backend performs validate/start/cancel/discard calls (required).
	Backend Backend
	// Subscriber opens event streams (required).
	Subscriber stream.Subscriber
	// Downloader fetches results. Optional; without it Download is unavailable.
	Downloader Downloader
	// IdleTimeout arms the stream watchdog. Zero disables it.
	IdleTimeout time.Duration
	// Recorder receives frames. Optional.
	Recorder FrameRecorder
	// Finishers are notified on terminal status. Optional.
	Finishers []Finisher
	// FinishTimeout bounds each Finisher call. Zero uses DefaultFinishTimeout.
	FinishTimeout time.Duration
	// OnChange receives a snapshot after state changes. Calls are serialised
	// and never go backwards in time; intermediate states may be coalesced.
	OnChange func(types.JobRecord)
	// Logger receives lifecycle logs. Nil discards them.
	Logger *log.Logger
	// Collector counts lifecycle events. Optional.
	Collector *metrics.Collector
}

type attempt struct {
	id      string
	jobID   string
	session *stream.Session
	logger  *log.Logger
}

// Controller owns one job record for one feature.
//
// All record mutation happens under the controller lock; backend calls run
// without it. Frames from sessions that are no longer current are dropped
// before they reach the reducer.
type Controller struct {
	cfg    Config
	gate   Gate
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	rec        types.JobRecord
	current    *attempt
	generation uint64
	inflight   int
	preStatus  types.Status
	version    uint64
	changed    chan struct{}
	closed     bool

	notifyMu sync.Mutex
	notified uint64
}

// New creates a Controller with an idle record.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Feature.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Subscriber == nil {
		return nil, errors.New("subscriber is required")
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultFinishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		gate:    NewGate(cfg.Feature),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		rec:     types.NewJobRecord(cfg.Feature),
		changed: make(chan struct{}),
	}, nil
}

// Feature returns the controller's feature descriptor.
func (c *Controller) Feature() types.Feature { return c.cfg.Feature }

// Snapshot returns a copy of the current record.
func (c *Controller) Snapshot() types.JobRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Clone()
}

// Changed returns a channel closed at the next state change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// CanStart reports whether the start gate is satisfied.
func (c *Controller) CanStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.CanStart(c.rec)
}

// Err returns the terminal error of the current attempt, or nil.
func (c *Controller) Err() error {
	return RecordErr(c.Snapshot())
}

// SetArtifact stages a (or clears the slot when a is nil). The slot's
// validation and the shared token are dropped in any status; a validated
// record returns to idle. An active or finished attempt is left alone.
// No backend call is made.
func (c *Controller) SetArtifact(slot int, a types.Artifact) error {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.rec.Slots) {
		c.mu.Unlock()
		return preconditionError("set_artifact", fmt.Sprintf("slot %d out of range", slot))
	}
	s := &c.rec.Slots[slot]
	s.Artifact = a
	s.Validated = false
	s.Token = ""
	c.rec.ValidationToken = ""
	if c.rec.Status == types.StatusValidated {
		c.rec.Status = types.StatusIdle
	}
	c.bumpLocked()
	c.mu.Unlock()

	c.publish()
	return nil
}

// Validate submits the artifact in slot to the backend. An empty slot fails
// fast with a precondition error and no backend call. On failure the slot
// stays unvalidated and the previous status is restored. Validating after a
// finished attempt discards that attempt's job id, log and result first.
func (c *Controller) Validate(ctx context.Context, slot int) error {
	const op = "validate"

	c.mu.Lock()
	if err := c.checkValidateLocked(slot); err != nil {
		c.rec.OperationError = err.Error()
		c.bumpLocked()
		c.mu.Unlock()
		c.publish()
		return err
	}
	a := c.rec.Slots[slot].Artifact
	spec := c.cfg.Feature.Slots[slot]
	if !spec.Accepts(a.Name()) {
		err := NewValidationError(op, fmt.Sprintf("%s: expected one of %s", a.Name(), strings.Join(spec.Extensions, ", ")))
		c.rec.OperationError = err.Error()
		c.bumpLocked()
		c.mu.Unlock()
		c.cfg.Collector.IncValidationFailed()
		c.publish()
		return err
	}
	var finished *attempt
	if c.rec.Status.IsTerminal() {
		finished = c.clearAttemptLocked()
	}
	if c.inflight == 0 {
		c.preStatus = c.rec.Status
	}
	c.inflight++
	gen := c.generation
	c.rec.Status = types.StatusValidating
	c.bumpLocked()
	c.mu.Unlock()
	if finished != nil && finished.session != nil {
		_ = finished.session.Close()
	}
	c.publish()

	c.logger.Debug("validating artifact", map[string]any{"slot": slot, "name": a.Name()})
	res, err := c.cfg.Backend.Validate(ctx, slot, a)
	err = classify(op, err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return preconditionError(op, "controller was reset during validation")
	}
	c.inflight--
	s := &c.rec.Slots[slot]
	stale := s.Artifact != a
	switch {
	case stale:
		err = preconditionError(op, "artifact changed during validation")
	case err != nil:
		c.rec.OperationError = err.Error()
	default:
		s.Validated = true
		s.Token = res.Token
		c.rec.OperationError = ""
		if c.cfg.Feature.Validation == types.ValidationToken && c.rec.AllValidated() {
			c.rec.ValidationToken = c.rec.Slots[0].Token
		}
	}
	if c.inflight == 0 {
		c.rec.Status = c.settledStatusLocked(err != nil)
	}
	c.bumpLocked()
	c.mu.Unlock()
	c.publish()

	if err != nil {
		if !stale {
			c.cfg.Collector.IncValidationFailed()
		}
		c.logger.Warn("artifact rejected", map[string]any{"slot": slot, "error": err.Error()})
		return err
	}
	c.cfg.Collector.IncValidationOK()
	c.logger.Info("artifact validated", map[string]any{"slot": slot, "message": res.Message})
	return nil
}

func (c *Controller) checkValidateLocked(slot int) error {
	const op = "validate"
	switch {
	case c.closed:
		return preconditionError(op, "controller closed")
	case c.cfg.Feature.Validation == types.ValidationNone:
		return preconditionError(op, "feature has no validation step")
	case slot < 0 || slot >= len(c.rec.Slots):
		return preconditionError(op, fmt.Sprintf("slot %d out of range", slot))
	case c.rec.Slots[slot].Artifact == nil:
		return preconditionError(op, fmt.Sprintf("no artifact staged in slot %s", c.rec.Slots[slot].Name))
	case c.rec.Status.IsActive():
		return preconditionError(op, "job in progress")
	}
	return nil
}

// clearAttemptLocked returns a finished record to idle and detaches the
// attempt that produced it. Staged slots and tokens are kept.
func (c *Controller) clearAttemptLocked() *attempt {
	att := c.current
	c.current = nil
	c.rec.Status = types.StatusIdle
	c.rec.AttemptID = ""
	c.rec.JobID = ""
	c.rec.Log = []string{}
	c.rec.ErrorDetail = ""
	c.rec.StreamLost = false
	c.rec.ResultHandle = ""
	c.rec.StartedAt = time.Time{}
	c.rec.FinishedAt = time.Time{}
	return att
}

// settledStatusLocked is the status once no validation is in flight.
func (c *Controller) settledStatusLocked(failed bool) types.Status {
	switch {
	case c.gate.CanStart(c.rec) && c.cfg.Feature.Validation != types.ValidationNone:
		return types.StatusValidated
	case failed:
		return c.preStatus
	default:
		return types.StatusIdle
	}
}

// ValidateAll validates every staged, not yet validated slot concurrently.
// Empty slots fail fast before any backend call. Returns the first error.
func (c *Controller) ValidateAll(ctx context.Context) error {
	c.mu.Lock()
	var pending []int
	var missing []string
	for i, s := range c.rec.Slots {
		switch {
		case s.Artifact == nil:
			missing = append(missing, s.Name)
		case !s.Validated:
			pending = append(pending, i)
		}
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		return preconditionError("validate", "no artifact staged in "+strings.Join(missing, ", "))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range pending {
		g.Go(func() error { return c.Validate(gctx, i) })
	}
	return g.Wait()
}

// Start starts a job for the staged inputs and opens its event stream.
// The record is starting until the first frame arrives. If the start call
// fails the record returns to its pre-start status and no stream is opened.
func (c *Controller) Start(ctx context.Context) error {
	const op = "start"

	c.mu.Lock()
	if err := c.checkStartLocked(); err != nil {
		c.rec.OperationError = err.Error()
		c.bumpLocked()
		c.mu.Unlock()
		c.publish()
		return err
	}

	req := c.startRequestLocked()
	restore := types.StatusIdle
	if c.cfg.Feature.Validation != types.ValidationNone {
		restore = types.StatusValidated
	}
	att := &attempt{id: uuid.NewString()}
	att.logger = c.logger.WithAttempt(att.id)
	prev := c.current
	c.current = att

	c.rec.AttemptID = att.id
	c.rec.JobID = ""
	c.rec.Log = []string{}
	c.rec.ErrorDetail = ""
	c.rec.StreamLost = false
	c.rec.ResultHandle = ""
	c.rec.OperationError = ""
	c.rec.StartedAt = time.Now().UTC()
	c.rec.FinishedAt = time.Time{}
	c.rec.Status = types.StatusStarting
	c.bumpLocked()
	c.mu.Unlock()

	if prev != nil && prev.session != nil {
		_ = prev.session.Close()
	}
	c.publish()

	att.logger.Info("starting job", map[string]any{"artifacts": len(req.Artifacts), "token": req.Token != ""})
	jobID, err := c.cfg.Backend.Start(ctx, req)
	err = classify(op, err)

	c.mu.Lock()
	if c.current != att {
		c.mu.Unlock()
		if err == nil {
			att.logger.Warn("attempt superseded during start; cancelling orphan job", map[string]any{"job_id": jobID})
			_ = c.cfg.Backend.Cancel(context.WithoutCancel(ctx), jobID)
		}
		return preconditionError(op, "attempt superseded during start")
	}
	if err != nil {
		c.rec.Status = restore
		c.rec.OperationError = err.Error()
		c.rec.StartedAt = time.Time{}
		c.bumpLocked()
		c.mu.Unlock()
		c.cfg.Collector.IncStartFailure()
		att.logger.Error("job start failed", map[string]any{"error": err.Error()})
		c.publish()
		return err
	}

	att.jobID = jobID
	att.logger = att.logger.WithJob(jobID)
	c.rec.JobID = jobID
	att.session = stream.Open(c.ctx, c.cfg.Subscriber, jobID, stream.Options{
		IdleTimeout: c.cfg.IdleTimeout,
		Logger:      att.logger,
		Collector:   c.cfg.Collector,
	})
	c.wg.Add(1)
	go c.pump(att)
	c.bumpLocked()
	c.mu.Unlock()

	c.cfg.Collector.IncJobStarted()
	att.logger.Info("job started", nil)
	c.publish()
	return nil
}

func (c *Controller) checkStartLocked() error {
	const op = "start"
	switch {
	case c.closed:
		return preconditionError(op, "controller closed")
	case c.rec.Status == types.StatusValidating:
		return preconditionError(op, "validation in progress")
	case c.rec.Status.IsActive():
		return preconditionError(op, "job already in progress")
	}
	if pending := c.gate.Pending(c.rec); len(pending) > 0 {
		what := "not validated"
		if c.cfg.Feature.Validation == types.ValidationNone {
			what = "empty"
		}
		return preconditionError(op, fmt.Sprintf("slots %s: %s", what, strings.Join(pending, ", ")))
	}
	if !c.gate.CanStart(c.rec) {
		return preconditionError(op, "no validation token")
	}
	if c.cfg.Feature.Validation == types.ValidationNone {
		for i, s := range c.rec.Slots {
			spec := c.cfg.Feature.Slots[i]
			if !spec.Accepts(s.Artifact.Name()) {
				return NewValidationError(op, fmt.Sprintf("%s: expected one of %s", s.Artifact.Name(), strings.Join(spec.Extensions, ", ")))
			}
		}
	}
	return nil
}

func (c *Controller) startRequestLocked() StartRequest {
	switch c.cfg.Feature.Start {
	case types.StartToken:
		return StartRequest{Token: c.rec.ValidationToken}
	case types.StartArtifacts:
		arts := make([]types.Artifact, len(c.rec.Slots))
		for i, s := range c.rec.Slots {
			arts[i] = s.Artifact
		}
		return StartRequest{Artifacts: arts}
	default:
		return StartRequest{}
	}
}

// pump feeds one session's frames to the reducer until the session ends.
func (c *Controller) pump(att *attempt) {
	defer c.wg.Done()
	for f := range att.session.Frames() {
		if !c.apply(att, f) {
			continue
		}
		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.RecordFrame(att.id, att.jobID, f); err != nil {
				att.logger.Warn("frame recording failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// apply reduces f into the record if att is still current.
// Returns false for frames of a superseded attempt.
func (c *Controller) apply(att *attempt, f types.Frame) bool {
	c.mu.Lock()
	if c.current != att {
		c.mu.Unlock()
		c.cfg.Collector.IncFrameStale()
		att.logger.Debug("dropping frame from superseded attempt", map[string]any{"kind": string(f.Kind)})
		return false
	}

	result := ""
	if f.Kind == types.FrameCompleted && c.cfg.Downloader != nil && c.cfg.Feature.HasDownload() {
		result = c.cfg.Downloader.ResultHandle(att.jobID)
	}
	next, applied := Reduce(c.rec, f, result)
	if !applied {
		c.mu.Unlock()
		c.cfg.Collector.IncFrameIgnored()
		att.logger.Debug("ignoring frame", map[string]any{"kind": string(f.Kind), "status": string(c.rec.Status)})
		return true
	}
	if next.Status.IsTerminal() {
		next.FinishedAt = time.Now().UTC()
		if next.Status == types.StatusCancelled {
			next.JobID = ""
		}
	}
	c.rec = next
	c.bumpLocked()
	snap := c.rec.Clone()
	c.mu.Unlock()

	c.publish()
	if snap.Status.IsTerminal() {
		c.finish(att, snap)
	}
	return true
}

// Cancel requests cancellation of the active job. Without an active job it
// is a no-op. In confirm mode the record stays running until the server's
// cancelled frame; optimistic and reset modes resolve locally and close the
// stream immediately. The backend call's error is returned either way.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	att := c.current
	if att == nil || c.rec.JobID == "" || !c.rec.Status.IsActive() {
		c.mu.Unlock()
		return nil
	}
	jobID := c.rec.JobID
	mode := c.cfg.Feature.CancelMode()
	c.mu.Unlock()

	c.cfg.Collector.IncCancelRequest()
	att.logger.Info("cancel requested", map[string]any{"mode": string(mode)})
	err := classify("cancel", c.cfg.Backend.Cancel(ctx, jobID))
	if err != nil {
		c.cfg.Collector.IncCancelFailure()
		att.logger.Warn("cancel request failed", map[string]any{"error": err.Error()})
	}

	c.mu.Lock()
	if c.current != att || !c.rec.Status.IsActive() {
		c.mu.Unlock()
		return err
	}
	if err != nil {
		c.rec.OperationError = err.Error()
	}
	if mode == types.CancelConfirm {
		c.bumpLocked()
		c.mu.Unlock()
		c.publish()
		return err
	}

	finished := c.rec.Clone()
	finished.Status = types.StatusCancelled
	finished.Log = append(finished.Log, PrefixCancelled+CancelledByUserText)
	finished.FinishedAt = time.Now().UTC()

	switch mode {
	case types.CancelOptimistic:
		c.rec = finished.Clone()
		c.rec.JobID = ""
	case types.CancelReset:
		c.rec.Status = types.StatusIdle
		c.rec.JobID = ""
		c.rec.Log = append(c.rec.Log, CancelledByUserText)
	}
	c.bumpLocked()
	c.mu.Unlock()

	_ = att.session.Close()
	c.publish()
	c.finish(att, finished)
	return err
}

// Download streams the result of a completed job to w. Outside completed
// with a result handle it returns a precondition error and changes nothing.
func (c *Controller) Download(ctx context.Context, w io.Writer) (int64, error) {
	const op = "download"

	c.mu.Lock()
	handle := c.rec.ResultHandle
	status := c.rec.Status
	c.mu.Unlock()

	switch {
	case c.cfg.Downloader == nil || !c.cfg.Feature.HasDownload():
		return 0, preconditionError(op, "feature has no downloadable result")
	case status != types.StatusCompleted:
		return 0, preconditionError(op, fmt.Sprintf("job is %s, not completed", status))
	case handle == "":
		return 0, preconditionError(op, "no result available")
	}

	n, err := c.cfg.Downloader.Download(ctx, handle, w)
	if err != nil {
		err = classify(op, err)
		c.logger.Error("download failed", map[string]any{"handle": handle, "error": err.Error()})
		return n, err
	}
	c.logger.Info("result downloaded", map[string]any{"handle": handle, "bytes": n})
	return n, nil
}

// Discard releases the staged validation token on the backend and resets
// the controller. Without a token only the reset happens.
func (c *Controller) Discard(ctx context.Context) error {
	const op = "discard"

	c.mu.Lock()
	switch {
	case !c.cfg.Feature.Discard:
		c.mu.Unlock()
		return preconditionError(op, "feature does not support discard")
	case c.rec.Status.IsBusy():
		c.mu.Unlock()
		return preconditionError(op, fmt.Sprintf("cannot discard while %s", c.rec.Status))
	}
	token := c.rec.ValidationToken
	c.mu.Unlock()

	if token != "" {
		if err := classify(op, c.cfg.Backend.Discard(ctx, token)); err != nil {
			c.logger.Warn("discard failed", map[string]any{"error": err.Error()})
			return err
		}
		c.logger.Info("validation token discarded", nil)
	}
	c.Reset()
	return nil
}

// Reset closes any active stream and returns the record to its initial
// empty state. In-flight validate and start calls are disowned.
func (c *Controller) Reset() {
	c.mu.Lock()
	att := c.current
	c.current = nil
	c.generation++
	c.inflight = 0
	c.rec = types.NewJobRecord(c.cfg.Feature)
	c.bumpLocked()
	c.mu.Unlock()

	if att != nil && att.session != nil {
		_ = att.session.Close()
	}
	c.logger.Debug("controller reset", nil)
	c.publish()
}

// Wait blocks until the current attempt leaves starting/running, then
// returns the record. It returns immediately when no attempt is active.
func (c *Controller) Wait(ctx context.Context) (types.JobRecord, error) {
	for {
		c.mu.Lock()
		rec := c.rec.Clone()
		ch := c.changed
		c.mu.Unlock()

		if !rec.Status.IsActive() {
			return rec, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// Close releases the active stream and waits for frame delivery and
// finishers to drain. The controller rejects further work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	att := c.current
	c.mu.Unlock()

	if att != nil && att.session != nil {
		_ = att.session.Close()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) finish(att *attempt, rec types.JobRecord) {
	switch rec.Status {
	case types.StatusCompleted:
		c.cfg.Collector.IncJobCompleted()
	case types.StatusCancelled:
		c.cfg.Collector.IncJobCancelled()
	case types.StatusError:
		c.cfg.Collector.IncJobFailed()
	}
	att.logger.Info("job finished", map[string]any{
		"status":      string(rec.Status),
		"duration_ms": rec.Duration().Milliseconds(),
		"log_lines":   len(rec.Log),
	})

	for _, fin := range c.cfg.Finishers {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.FinishTimeout)
		if err := fin.JobFinished(ctx, rec); err != nil {
			att.logger.Warn("job finisher failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}
}

func (c *Controller) bumpLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

// publish delivers the latest snapshot to OnChange unless a newer one was
// already delivered.
func (c *Controller) publish() {
	if c.cfg.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	v := c.version
	snap := c.rec.Clone()
	c.mu.Unlock()

	if v <= c.notified {
		return
	}
	c.notified = v
	c.cfg.OnChange(snap)
}
