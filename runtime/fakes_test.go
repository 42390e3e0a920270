package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/sheetjobs/stream"
	"github.com/pithecene-io/sheetjobs/types"
)

// fakeBackend records calls and returns scripted results.
type fakeBackend struct {
	mu sync.Mutex

	validateCalls []int
	validateErr   map[int]error
	tokens        map[int]string

	startCalls []StartRequest
	startErr   error
	startGate  chan struct{}
	nextJob    int

	cancels  []string
	cancelFn func(jobID string) error
	discards []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{validateErr: map[int]error{}, tokens: map[int]string{}}
}

func (b *fakeBackend) Validate(_ context.Context, slot int, _ types.Artifact) (ValidateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validateCalls = append(b.validateCalls, slot)
	if err := b.validateErr[slot]; err != nil {
		return ValidateResult{}, err
	}
	return ValidateResult{Message: "ok", Token: b.tokens[slot]}, nil
}

func (b *fakeBackend) Start(ctx context.Context, req StartRequest) (string, error) {
	b.mu.Lock()
	gate := b.startGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCalls = append(b.startCalls, req)
	if b.startErr != nil {
		return "", b.startErr
	}
	b.nextJob++
	return fmt.Sprintf("job-%d", b.nextJob), nil
}

func (b *fakeBackend) Cancel(_ context.Context, jobID string) error {
	b.mu.Lock()
	b.cancels = append(b.cancels, jobID)
	fn := b.cancelFn
	b.mu.Unlock()
	if fn != nil {
		return fn(jobID)
	}
	return nil
}

func (b *fakeBackend) Discard(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discards = append(b.discards, token)
	return nil
}

func (b *fakeBackend) validateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.validateCalls)
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.startCalls)
}

func (b *fakeBackend) cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancels...)
}

// fakeStreams serves one pipe per job id.
type fakeStreams struct {
	mu    sync.Mutex
	pipes map[string]*fakePipe
}

type fakePipe struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{pipes: map[string]*fakePipe{}}
}

func (s *fakeStreams) pipe(jobID string) *fakePipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipes[jobID]
	if !ok {
		pr, pw := io.Pipe()
		p = &fakePipe{pr: pr, pw: pw}
		s.pipes[jobID] = p
	}
	return p
}

func (s *fakeStreams) Subscribe(_ context.Context, jobID string) (io.ReadCloser, error) {
	return s.pipe(jobID).pr, nil
}

// send writes f to the job's stream; it returns once the session has read it.
func (s *fakeStreams) send(jobID string, f types.Frame) error {
	return stream.WriteMessage(s.pipe(jobID).pw, stream.EncodeFrame(f))
}

func (s *fakeStreams) drop(jobID string) {
	_ = s.pipe(jobID).pw.CloseWithError(errors.New("connection reset by peer"))
}

// fakeDownloader serves fixed content for any handle.
type fakeDownloader struct {
	content []byte
}

func (d *fakeDownloader) ResultHandle(jobID string) string { return "result/" + jobID }

func (d *fakeDownloader) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	return io.Copy(w, bytes.NewReader(d.content))
}

// finisherSpy records finished records.
type finisherSpy struct {
	mu   sync.Mutex
	recs []types.JobRecord
}

func (f *finisherSpy) JobFinished(_ context.Context, rec types.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *finisherSpy) finished() []types.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobRecord(nil), f.recs...)
}

// recorderSpy records frames.
type recorderSpy struct {
	mu     sync.Mutex
	frames []types.Frame
}

func (r *recorderSpy) RecordFrame(_, _ string, f types.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func feature(t *testing.T, name string) types.Feature {
	t.Helper()
	f, ok := types.LookupFeature(types.BuiltinFeatures(), name)
	if !ok {
		t.Fatalf("unknown feature %s", name)
	}
	return f
}

type harness struct {
	c       *Controller
	backend *fakeBackend
	streams *fakeStreams
}

func newHarness(t *testing.T, f types.Feature, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend(), streams: newFakeStreams()}
	cfg := Config{
		Feature:    f,
		Backend:    h.backend,
		Subscriber: h.streams,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	return h
}

func (h *harness) send(t *testing.T, jobID string, f types.Frame) {
	t.Helper()
	if err := h.streams.send(jobID, f); err != nil {
		t.Fatalf("send %s to %s: %v", f.Kind, jobID, err)
	}
}

// waitFor blocks until cond holds for a snapshot, failing after 2s.
func waitFor(t *testing.T, c *Controller, what string, cond func(types.JobRecord) bool) types.JobRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		ch := c.Changed()
		rec := c.Snapshot()
		if cond(rec) {
			return rec
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last record: status=%s log=%v", what, rec.Status, rec.Log)
		}
	}
}

func waitStatus(t *testing.T, c *Controller, want types.Status) types.JobRecord {
	t.Helper()
	return waitFor(t, c, "status "+string(want), func(r types.JobRecord) bool { return r.Status == want })
}

func artifact(name string) types.Artifact {
	return types.NewBytesArtifact(name, []byte("content of "+name))
}
