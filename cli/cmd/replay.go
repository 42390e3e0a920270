package cmd

import (
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/framelog"
	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// ReplayCommand returns the replay command.
// It reads a frame recording written by run --record. By default it lists
// the frames; with --summary it feeds them through the status reducer and
// shows the record each attempt ended with.
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Inspect a frame recording",
		ArgsUsage: "<recording>",
		Flags: withFlags([]cli.Flag{ConfigFlag}, OutputFlags(), []cli.Flag{
			&cli.BoolFlag{
				Name:  "summary",
				Usage: "Show the reduced job record of each attempt",
			},
		}),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if err := rejectTUI(c, "replay command"); err != nil {
		return err
	}
	if c.NArg() != 1 {
		return cli.Exit("replay takes exactly one recording path", runtime.ExitCodeInvalidInput)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	file, err := os.Open(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	defer iox.DiscardClose(file)

	reader, err := framelog.NewReader(file)
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	records, err := reader.ReadAll()
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}

	if !c.Bool("summary") {
		rows := make(render.FrameTable, len(records))
		for i, rec := range records {
			rows[i] = render.FrameRow{
				AttemptID: rec.AttemptID,
				JobID:     rec.JobID,
				Seq:       rec.Seq,
				Time:      rec.Time().Local().Format(time.TimeOnly),
				Kind:      string(rec.Frame.Kind),
				Text:      rec.Frame.Text,
				Synthetic: rec.Frame.Synthetic,
			}
		}
		return r.Render(rows)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	name := reader.Header().Feature
	feature, ok := types.LookupFeature(catalog, name)
	if !ok {
		feature = types.Feature{Name: name}
	}

	attempts := framelog.Replay(feature, records)
	views := make([]render.JobView, len(attempts))
	for i, a := range attempts {
		outcome := runtime.DetermineOutcome(a.Record, nil)
		views[i] = render.NewJobView(a.Record, outcome.Message, outcome.ExitCode)
	}
	if r.Format() == render.FormatTable {
		for _, v := range views {
			if err := r.Render(v); err != nil {
				return err
			}
		}
		return nil
	}
	return r.Render(views)
}
