// Package main provides the sheetjobs CLI entrypoint.
//
// Usage:
//
//	sheetjobs <command> [options]
//
// Exit codes for run and validate:
//   - 0: job completed (or files validated)
//   - 1: job reported an error
//   - 2: event stream lost or a backend request failed
//   - 3: job cancelled
//   - 4: invalid input or precondition failure
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/cmd"
	"github.com/pithecene-io/sheetjobs/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "sheetjobs",
		Usage:          "Validate, run and follow spreadsheet jobs",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ValidateCommand(),
			cmd.CancelCommand(),
			cmd.DiscardCommand(),
			cmd.DownloadCommand(),
			cmd.FeaturesCommand(),
			cmd.HistoryCommand(),
			cmd.ReplayCommand(),
			cmd.ServeMockCommand(),
			cmd.VersionCommand("", commit),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit, including wrapped ones.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(reportExit(os.Stderr, err))
}

// reportExit prints err's message, if it has a real one, and returns the
// process exit code.
func reportExit(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N) carries no message worth printing.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
