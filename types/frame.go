// Package types defines the core domain types shared by the job controller,
// the event stream, the HTTP backend and the CLI.
//
//nolint:revive // types is a common Go package naming convention
package types

// FrameKind discriminates frames on a job event stream.
type FrameKind string

// Frame kinds. Every kind except FrameProgress is terminal.
const (
	FrameProgress  FrameKind = "progress"
	FrameCompleted FrameKind = "completed"
	FrameCancelled FrameKind = "cancelled"
	FrameError     FrameKind = "error"
)

// IsTerminal reports whether a frame of this kind ends the stream.
func (k FrameKind) IsTerminal() bool {
	return k == FrameCompleted || k == FrameCancelled || k == FrameError
}

// Valid reports whether k is one of the known kinds.
func (k FrameKind) Valid() bool {
	switch k {
	case FrameProgress, FrameCompleted, FrameCancelled, FrameError:
		return true
	}
	return false
}

// Frame is one typed message received on a job event stream.
type Frame struct {
	// Kind is the frame discriminator.
	Kind FrameKind `msgpack:"kind" json:"kind" yaml:"kind"`
	// Text is the human-readable payload.
	Text string `msgpack:"text" json:"text" yaml:"text"`
	// Synthetic marks frames produced locally rather than received from
	// the server (connection lost, idle timeout).
	Synthetic bool `msgpack:"synthetic,omitempty" json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// IsTerminal reports whether the frame ends the stream.
func (f Frame) IsTerminal() bool {
	return f.Kind.IsTerminal()
}

// Progress returns a progress frame.
func Progress(text string) Frame { return Frame{Kind: FrameProgress, Text: text} }

// Completed returns a completed frame.
func Completed(text string) Frame { return Frame{Kind: FrameCompleted, Text: text} }

// Cancelled returns a cancelled frame.
func Cancelled(text string) Frame { return Frame{Kind: FrameCancelled, Text: text} }

// Failed returns an error frame.
func Failed(text string) Frame { return Frame{Kind: FrameError, Text: text} }
