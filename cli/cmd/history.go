package cmd

import (
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/lode"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// HistoryCommand returns the history command.
// It reads the job-history ledger configured under storage in
// sheetjobs.yaml, or the one given by --storage-path.
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List finished jobs from the ledger",
		Flags: withFlags([]cli.Flag{ConfigFlag, LogLevelFlag}, OutputFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Ledger root (directory, or bucket/prefix for s3)",
			},
			&cli.StringFlag{
				Name:  "storage-backend",
				Usage: "Ledger backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "feature",
				Usage: "Only jobs of this feature",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only jobs with this status: completed, cancelled, error",
			},
			&cli.StringFlag{
				Name:  "day",
				Usage: "Only jobs finished on this UTC day (YYYY-MM-DD)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Show the latest metrics snapshot instead of jobs",
			},
		}),
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	if err := rejectTUI(c, "history command"); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	storage := cfg.Storage
	if c.IsSet("storage-path") {
		storage.Path = c.String("storage-path")
	}
	if c.IsSet("storage-backend") {
		storage.Backend = c.String("storage-backend")
	}
	if storage.Path == "" {
		return cli.Exit("no ledger configured: set storage.path in sheetjobs.yaml or --storage-path", runtime.ExitCodeInvalidInput)
	}

	status := types.Status(c.String("status"))
	if status != "" && !status.IsTerminal() {
		return cli.Exit("--status must be completed, cancelled or error", runtime.ExitCodeInvalidInput)
	}
	if day := c.String("day"); day != "" {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			return cli.Exit("--day must be YYYY-MM-DD", runtime.ExitCodeInvalidInput)
		}
	}

	logger, err := newLogger(c, cfg, c.String("feature"))
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	collector := metrics.NewCollector(c.String("feature"), "", firstNonEmpty(storage.Backend, "fs"))
	ledger, err := openLedger(c.Context, storage, logger, collector)
	if err != nil {
		return cli.Exit("ledger: "+err.Error(), runtime.ExitCodeStreamLost)
	}

	if c.Bool("metrics") {
		snap, err := ledger.LatestMetrics(c.Context, c.String("feature"))
		if errors.Is(err, lode.ErrNoMetricsFound) {
			return cli.Exit("no metrics snapshot recorded", runtime.ExitCodeInvalidInput)
		}
		if err != nil {
			return cli.Exit("ledger: "+err.Error(), runtime.ExitCodeStreamLost)
		}
		return r.Render(snap)
	}

	entries, err := ledger.History(c.Context, lode.Query{
		Feature: c.String("feature"),
		Status:  status,
		Day:     c.String("day"),
		Limit:   c.Int("limit"),
	})
	if err != nil {
		return cli.Exit("ledger: "+err.Error(), runtime.ExitCodeStreamLost)
	}
	return r.Render(render.HistoryTable(entries))
}
