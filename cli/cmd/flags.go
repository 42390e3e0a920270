// Package cmd provides CLI commands for the sheetjobs binary.
package cmd

import (
	"time"

	"github.com/urfave/cli/v2"
)

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the live Bubble Tea job view.
	// Only run supports it; other commands reject it explicitly.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Follow the job in an interactive view (run only)",
	}
)

// Shared backend flags.
var (
	// ConfigFlag points at a sheetjobs.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to sheetjobs.yaml (default: ./sheetjobs.yaml when present)",
		EnvVars: []string{"SHEETJOBS_CONFIG"},
	}

	// BaseURLFlag overrides the backend API root.
	BaseURLFlag = &cli.StringFlag{
		Name:    "base-url",
		Usage:   "Backend API root, e.g. http://localhost:8000/ip/api",
		EnvVars: []string{"SHEETJOBS_BASE_URL"},
	}

	// FeatureFlag selects the feature.
	FeatureFlag = &cli.StringFlag{
		Name:     "feature",
		Usage:    "Feature name (see `sheetjobs features`)",
		Required: true,
	}

	// TimeoutFlag bounds each backend request (streams excluded).
	TimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Backend request timeout (default 60s)",
	}

	// LogLevelFlag sets the log level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (default warn)",
	}
)

// OutputFlags returns the shared output flags.
// Includes --tui so that unsupported commands can provide explicit error
// messages instead of generic "flag not defined" errors.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, TUIFlag}
}

// BackendFlags returns the shared flags of commands that talk to a backend.
func BackendFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, BaseURLFlag, FeatureFlag, TimeoutFlag, LogLevelFlag}
}

// defaultLogLevel is used when neither flag nor config set one.
const defaultLogLevel = "warn"

// cancelGrace bounds the cancel request and the wait for the server's
// confirmation after an interrupt.
const cancelGrace = 30 * time.Second

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func rejectTUI(c *cli.Context, command string) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for "+command, 1)
	}
	return nil
}
