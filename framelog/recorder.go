package framelog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pithecene-io/sheetjobs/types"
)

// Header opens every recording.
type Header struct {
	Type      string `msgpack:"type"`
	Version   string `msgpack:"version"`
	Feature   string `msgpack:"feature"`
	CreatedAt int64  `msgpack:"created_at"` // unix ms
}

// Record is one received frame.
type Record struct {
	Type      string      `msgpack:"type"`
	AttemptID string      `msgpack:"attempt_id"`
	JobID     string      `msgpack:"job_id"`
	Seq       int64       `msgpack:"seq"` // per attempt, from 1
	Ts        int64       `msgpack:"ts"`  // unix ms
	Frame     types.Frame `msgpack:"frame"`
}

// Time returns the receive time of the frame.
func (r Record) Time() time.Time { return time.UnixMilli(r.Ts) }

// Recorder appends frames to a recording. It implements
// runtime.FrameRecorder and is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	seq    map[string]int64
	now    func() time.Time
	err    error
}

// NewRecorder writes a header for feature to w and returns a recorder.
// If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer, feature string) (*Recorder, error) {
	r := &Recorder{
		w:   bufio.NewWriter(w),
		seq: make(map[string]int64),
		now: time.Now,
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	h := Header{
		Type:      TypeHeader,
		Version:   types.RecordingVersion,
		Feature:   feature,
		CreatedAt: r.now().UnixMilli(),
	}
	if err := writeEntry(r.w, h); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return r, nil
}

// Create creates (or truncates) the file at path and records into it.
func Create(path, feature string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, feature)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// RecordFrame appends one frame. Each frame is flushed so a crashed run
// leaves a readable prefix. After the first write error every call
// returns that error.
func (r *Recorder) RecordFrame(attemptID, jobID string, f types.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}

	r.seq[attemptID]++
	rec := Record{
		Type:      TypeFrame,
		AttemptID: attemptID,
		JobID:     jobID,
		Seq:       r.seq[attemptID],
		Ts:        r.now().UnixMilli(),
		Frame:     f,
	}
	if err := writeEntry(r.w, rec); err != nil {
		r.err = err
		return err
	}
	if err := r.w.Flush(); err != nil {
		r.err = err
		return err
	}
	return nil
}

// Close flushes the recording and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flushErr := r.w.Flush()
	if r.closer != nil {
		if err := r.closer.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		r.closer = nil
	}
	if r.err == nil {
		r.err = fmt.Errorf("recorder closed")
	}
	return flushErr
}
