package stream

import (
	"fmt"
	"io"
	"strings"
)

// WriteMessage writes m in event-stream wire format, one "data:" line per
// line of m.Data, followed by the blank dispatch line.
func WriteMessage(w io.Writer, m Message) error {
	var b strings.Builder
	if m.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", m.ID)
	}
	if m.Event != "" && m.Event != DefaultEvent {
		fmt.Fprintf(&b, "event: %s\n", m.Event)
	}
	for _, line := range strings.Split(m.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComment writes a keep-alive comment line.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
