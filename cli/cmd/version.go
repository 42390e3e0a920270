package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version          string `json:"version"`
	RecordingVersion string `json:"recording_version"`
	Commit           string `json:"commit"`
}

// VersionCommand returns the version command.
// It must not contact the backend.
func VersionCommand(_, commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  OutputFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := rejectTUI(c, "version command"); err != nil {
			return err
		}
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		return r.Render(VersionResponse{
			Version:          types.Version,
			RecordingVersion: types.RecordingVersion,
			Commit:           commit,
		})
	}
}
