package framelog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/sheetjobs/types"
)

func feature(t *testing.T, name string) types.Feature {
	t.Helper()
	f, ok := types.LookupFeature(types.BuiltinFeatures(), name)
	if !ok {
		t.Fatalf("unknown feature %s", name)
	}
	return f
}

func record(t *testing.T, buf *bytes.Buffer, frames map[string][]types.Frame, order []string) {
	t.Helper()
	r, err := NewRecorder(buf, "agregar-imputaciones")
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	for _, attempt := range order {
		for _, f := range frames[attempt] {
			if err := r.RecordFrame(attempt, "job-"+attempt, f); err != nil {
				t.Fatalf("RecordFrame failed: %v", err)
			}
		}
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	record(t, &buf, map[string][]types.Frame{
		"a1": {types.Progress("Procesando fila 1"), types.Progress("Procesando fila 2"), types.Completed("Proceso completado")},
	}, []string{"a1"})

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if h := r.Header(); h.Feature != "agregar-imputaciones" || h.Version != types.RecordingVersion {
		t.Errorf("unexpected header: %+v", h)
	}

	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != int64(i+1) {
			t.Errorf("record %d seq = %d", i, rec.Seq)
		}
		if rec.AttemptID != "a1" || rec.JobID != "job-a1" {
			t.Errorf("record %d ids = %s/%s", i, rec.AttemptID, rec.JobID)
		}
	}
	if recs[2].Frame != types.Completed("Proceso completado") {
		t.Errorf("last frame = %+v", recs[2].Frame)
	}
	if !recs[0].Time().Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("time = %v", recs[0].Time())
	}
}

func TestRecorder_SyntheticFlagSurvives(t *testing.T) {
	var buf bytes.Buffer
	lost := types.Failed("connection lost")
	lost.Synthetic = true
	record(t, &buf, map[string][]types.Frame{"a1": {lost}}, []string{"a1"})

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !rec.Frame.Synthetic {
		t.Error("expected synthetic flag to round-trip")
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReader_TruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	record(t, &buf, map[string][]types.Frame{
		"a1": {types.Progress("uno"), types.Progress("dos")},
	}, []string{"a1"})
	data := buf.Bytes()[:buf.Len()-3]

	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	if _, err := r.Next(); !IsPartial(err) {
		t.Fatalf("expected partial error, got %v", err)
	}

	r, _ = NewReader(bytes.NewReader(data))
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected complete prefix of 1 record, got %d", len(recs))
	}
}

func TestReader_HeaderErrors(t *testing.T) {
	if _, err := NewReader(bytes.NewReader(nil)); err == nil {
		t.Error("expected error for empty recording")
	}

	var buf bytes.Buffer
	if err := writeEntry(&buf, Record{Type: TypeFrame, AttemptID: "a"}); err != nil {
		t.Fatal(err)
	}
	var e *Error
	if _, err := NewReader(&buf); !errors.As(err, &e) || e.Kind != ErrorHeader {
		t.Errorf("expected header error, got %v", err)
	}

	buf.Reset()
	if err := writeEntry(&buf, Header{Type: TypeHeader, Version: "0.0.1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(&buf); !errors.As(err, &e) || e.Kind != ErrorHeader {
		t.Errorf("expected version error, got %v", err)
	}
}

func TestReadPayload_TooLarge(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], MaxPayloadSize+1)
	_, err := readPayload(bytes.NewReader(prefix[:]))
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrorTooLarge {
		t.Fatalf("expected too-large error, got %v", err)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]any{"type": "nope"})
	if err != nil {
		t.Fatal(err)
	}
	var e *Error
	if _, err := decode(payload); !errors.As(err, &e) || e.Kind != ErrorDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestCreate_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.framelog")
	r, err := Create(path, "obtener-feedback")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.RecordFrame("a1", "job-1", types.Cancelled("Proceso cancelado")); err != nil {
		t.Fatalf("RecordFrame failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.RecordFrame("a1", "job-1", types.Progress("late")); err == nil {
		t.Error("expected error after Close")
	}
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	record(t, &buf, map[string][]types.Frame{
		"a1": {types.Progress("Procesando"), types.Failed("fila 3 inválida"), types.Progress("tarde")},
		"a2": {types.Progress("Procesando"), types.Completed("Proceso completado")},
	}, []string{"a1", "a2"})

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	attempts := Replay(feature(t, r.Header().Feature), recs)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}

	first := attempts[0]
	if first.Record.Status != types.StatusError || first.Record.ErrorDetail != "fila 3 inválida" {
		t.Errorf("attempt 1 record = %+v", first.Record)
	}
	if first.Ignored != 1 {
		t.Errorf("attempt 1 ignored = %d, want 1", first.Ignored)
	}
	if len(first.Frames) != 3 {
		t.Errorf("attempt 1 frames = %d", len(first.Frames))
	}

	second := attempts[1]
	if second.Record.Status != types.StatusCompleted || second.JobID != "job-a2" {
		t.Errorf("attempt 2 = %+v", second)
	}
	if len(second.Record.Log) != 2 {
		t.Errorf("attempt 2 log = %v", second.Record.Log)
	}
}
