package types

// Version is the canonical project version.
// The CLI, the frame recording format and the ledger record schema share it.
const Version = "0.3.0"

// RecordingVersion is the frame recording format version written into
// every recording header. It moves in lockstep with Version.
const RecordingVersion = Version
