package runtime

import "github.com/pithecene-io/sheetjobs/types"

// Gate derives the "ready to start" condition from per-slot state.
//
// A slot is ready when it is validated, or, for features without a
// validation step, when an artifact is staged. CanStart is the conjunction
// over all slots, so a feature with no slots is always ready. Token-start
// features additionally need the shared validation token.
type Gate struct {
	feature types.Feature
}

// NewGate returns the gate for a feature.
func NewGate(f types.Feature) Gate {
	return Gate{feature: f}
}

// SlotReady reports whether slot s satisfies the gate.
func (g Gate) SlotReady(s types.Slot) bool {
	if g.feature.Validation == types.ValidationNone {
		return s.Artifact != nil
	}
	return s.Validated
}

// CanStart reports whether every slot is ready.
func (g Gate) CanStart(rec types.JobRecord) bool {
	return len(g.Pending(rec)) == 0 && g.tokenReady(rec)
}

// Pending returns the names of slots that are not ready, in slot order.
func (g Gate) Pending(rec types.JobRecord) []string {
	var out []string
	for _, s := range rec.Slots {
		if !g.SlotReady(s) {
			out = append(out, s.Name)
		}
	}
	return out
}

func (g Gate) tokenReady(rec types.JobRecord) bool {
	return g.feature.Start != types.StartToken || rec.ValidationToken != ""
}
