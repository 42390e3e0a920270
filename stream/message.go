// Package stream implements the client side of a job's server-sent event
// channel: message parsing, frame decoding and the owned Session.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize is the longest accepted event-stream line (1 MiB).
const MaxLineSize = 1024 * 1024

// DefaultEvent is the event name of messages without an "event:" field.
const DefaultEvent = "message"

// Message is one dispatched server-sent event.
type Message struct {
	// Event is the event name, DefaultEvent when the server sent none.
	Event string
	// Data is the concatenated data lines, joined with "\n".
	Data string
	// ID is the last event id seen on the stream.
	ID string
}

// MessageErrorKind classifies event-stream read errors.
type MessageErrorKind int

const (
	// MessageErrorRead indicates the underlying transport failed.
	MessageErrorRead MessageErrorKind = iota
	// MessageErrorTooLarge indicates a line exceeding MaxLineSize.
	MessageErrorTooLarge
)

// MessageError represents an event-stream read error.
type MessageError struct {
	Kind MessageErrorKind
	Msg  string
	Err  error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a transport-level read failure.
func IsTransportError(err error) bool {
	var msgErr *MessageError
	if errors.As(err, &msgErr) {
		return msgErr.Kind == MessageErrorRead
	}
	return false
}

// MessageReader reads server-sent event messages from a stream.
type MessageReader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewMessageReader creates a reader over r.
func NewMessageReader(r io.Reader) *MessageReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &MessageReader{scanner: sc}
}

// ReadMessage reads lines until a blank line dispatches a message.
// Comment lines (leading ':'), "retry" fields and unknown fields are skipped.
// A blank line with no preceding data dispatches nothing.
//
// Errors:
//   - io.EOF: stream ended cleanly; a trailing undispatched message is discarded
//   - *MessageError with Kind=MessageErrorTooLarge: line exceeds MaxLineSize
//   - *MessageError with Kind=MessageErrorRead: the transport failed
func (r *MessageReader) ReadMessage() (Message, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			if event == "" {
				event = DefaultEvent
			}
			return Message{Event: event, Data: data.String(), ID: r.lastID}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Message{}, &MessageError{
				Kind: MessageErrorTooLarge,
				Msg:  fmt.Sprintf("event-stream line exceeds %d bytes", MaxLineSize),
				Err:  err,
			}
		}
		return Message{}, &MessageError{
			Kind: MessageErrorRead,
			Msg:  "failed to read event stream",
			Err:  err,
		}
	}
	return Message{}, io.EOF
}
