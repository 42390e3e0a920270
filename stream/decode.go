package stream

import "github.com/pithecene-io/sheetjobs/types"

// Text of frames synthesised by a Session.
const (
	ConnectionLostText = "connection lost"
	IdleTimeoutText    = "stream idle timeout"
)

// DecodeFrame maps a message to a typed frame by event name.
// "message" (the default event) and "progress" decode to progress frames.
// Returns false for unknown event names; callers drop those messages.
func DecodeFrame(m Message) (types.Frame, bool) {
	switch m.Event {
	case DefaultEvent, string(types.FrameProgress):
		return types.Progress(m.Data), true
	case string(types.FrameCompleted):
		return types.Completed(m.Data), true
	case string(types.FrameCancelled):
		return types.Cancelled(m.Data), true
	case string(types.FrameError):
		return types.Failed(m.Data), true
	default:
		return types.Frame{}, false
	}
}

// EncodeFrame renders a frame as an event-stream message, the inverse of
// DecodeFrame. Progress frames use the default "message" event.
func EncodeFrame(f types.Frame) Message {
	event := string(f.Kind)
	if f.Kind == types.FrameProgress {
		event = DefaultEvent
	}
	return Message{Event: event, Data: f.Text}
}
