// Package framelog records job event frames to a length-prefixed msgpack log
// and reads them back for offline replay.
//
// A log is a sequence of frames, each a 4-byte big-endian length followed
// by a msgpack payload. The first payload is a header; every following
// payload is one received frame.
package framelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Size constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize bounds a single entry (1 MiB).
	MaxPayloadSize = 1024 * 1024
)

// Entry type discriminants.
const (
	TypeHeader = "header"
	TypeFrame  = "frame"
)

// ErrorKind classifies log decoding errors.
type ErrorKind int

const (
	// ErrorPartial indicates a truncated entry.
	ErrorPartial ErrorKind = iota
	// ErrorTooLarge indicates an entry exceeding MaxPayloadSize.
	ErrorTooLarge
	// ErrorDecode indicates a msgpack decoding error.
	ErrorDecode
	// ErrorHeader indicates a missing or unsupported header.
	ErrorHeader
)

// Error is a log decoding error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsPartial reports whether err is a truncated-entry error. A recording cut
// short by a crash ends with one.
func IsPartial(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorPartial
}

// writeEntry encodes v and writes it with its length prefix.
func writeEntry(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err = w.Write(buf)
	return err
}

// readPayload reads one length-prefixed payload.
// Returns io.EOF only when the stream ends cleanly between entries.
func readPayload(r io.Reader) ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &Error{Kind: ErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(lengthBuf[:])
	if size > MaxPayloadSize {
		return nil, &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &Error{Kind: ErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// typeProbe peeks at the type field without a full decode.
type typeProbe struct {
	Type string `msgpack:"type"`
}

// decode decodes a payload into a *Header or *Record.
func decode(payload []byte) (any, error) {
	var probe typeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode entry type", Err: err}
	}

	switch probe.Type {
	case TypeHeader:
		var h Header
		if err := msgpack.Unmarshal(payload, &h); err != nil {
			return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode header", Err: err}
		}
		return &h, nil
	case TypeFrame:
		var rec Record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode frame record", Err: err}
		}
		return &rec, nil
	default:
		return nil, &Error{Kind: ErrorDecode, Msg: fmt.Sprintf("unknown entry type %q", probe.Type)}
	}
}
