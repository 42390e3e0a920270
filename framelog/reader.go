package framelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// Reader reads a recording.
type Reader struct {
	r      *bufio.Reader
	header Header
}

// NewReader reads and checks the recording header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	payload, err := readPayload(br)
	if err != nil {
		if err == io.EOF {
			return nil, &Error{Kind: ErrorHeader, Msg: "empty recording"}
		}
		return nil, err
	}
	v, err := decode(payload)
	if err != nil {
		return nil, err
	}
	h, ok := v.(*Header)
	if !ok {
		return nil, &Error{Kind: ErrorHeader, Msg: "recording does not start with a header"}
	}
	if h.Version != types.RecordingVersion {
		return nil, &Error{
			Kind: ErrorHeader,
			Msg:  fmt.Sprintf("unsupported recording version %q (want %q)", h.Version, types.RecordingVersion),
		}
	}
	return &Reader{r: br, header: *h}, nil
}

// Header returns the recording header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next frame record, or io.EOF at the end.
func (r *Reader) Next() (Record, error) {
	payload, err := readPayload(r.r)
	if err != nil {
		return Record{}, err
	}
	v, err := decode(payload)
	if err != nil {
		return Record{}, err
	}
	rec, ok := v.(*Record)
	if !ok {
		return Record{}, &Error{Kind: ErrorDecode, Msg: "unexpected header inside recording"}
	}
	return *rec, nil
}

// ReadAll returns every record. A truncated final entry ends the read
// without error; the complete prefix is returned.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if IsPartial(err) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Attempt is the replayed outcome of one recorded attempt.
type Attempt struct {
	AttemptID string
	JobID     string
	Frames    []Record
	// Record is the job record after reducing every frame.
	Record types.JobRecord
	// Ignored counts frames the reducer did not apply.
	Ignored int
}

// Replay feeds recorded frames through the status reducer, one attempt at
// a time, in recording order. Each attempt starts from a starting record
// for feature.
func Replay(f types.Feature, records []Record) []Attempt {
	var out []Attempt
	index := make(map[string]int)
	for _, rec := range records {
		i, ok := index[rec.AttemptID]
		if !ok {
			start := types.NewJobRecord(f)
			start.Status = types.StatusStarting
			start.AttemptID = rec.AttemptID
			start.JobID = rec.JobID
			out = append(out, Attempt{AttemptID: rec.AttemptID, JobID: rec.JobID, Record: start})
			i = len(out) - 1
			index[rec.AttemptID] = i
		}
		a := &out[i]
		a.Frames = append(a.Frames, rec)
		next, applied := runtime.Reduce(a.Record, rec.Frame, "")
		if !applied {
			a.Ignored++
			continue
		}
		a.Record = next
	}
	return out
}
