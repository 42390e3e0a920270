package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/mockbackend"
	"github.com/pithecene-io/sheetjobs/runtime"
)

// ServeMockCommand returns the serve-mock command.
// It serves the job protocol for every configured feature with scripted
// jobs, for local development and demos.
func ServeMockCommand() *cli.Command {
	defaults := mockbackend.DefaultScript()
	return &cli.Command{
		Name:  "serve-mock",
		Usage: "Serve a scripted mock backend",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
				Value: "127.0.0.1:8000",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Route prefix",
				Value: mockbackend.DefaultPrefix,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Delay between progress frames",
				Value: defaults.Interval,
			},
			&cli.StringSliceFlag{
				Name:  "step",
				Usage: "Progress step text, repeatable (default: a built-in script)",
			},
			&cli.StringFlag{
				Name:  "fail",
				Usage: "End every job with this error text",
			},
			&cli.IntFlag{
				Name:  "drop-after",
				Usage: "Drop event streams after this many frames (0 never drops)",
			},
			&cli.DurationFlag{
				Name:  "keep-alive",
				Usage: "Send a comment on idle event streams this often (0 disables)",
				Value: 15 * time.Second,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
		},
		Action: serveMockAction,
	}
}

func serveMockAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	logger, err := log.NewLoggerWithLevel(log.Meta{}, c.App.ErrWriter, c.String("log-level"))
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	defer iox.DiscardErr(logger.Sync)

	script := mockbackend.DefaultScript()
	script.Interval = c.Duration("interval")
	script.Fail = c.String("fail")
	script.DropAfter = c.Int("drop-after")
	if steps := c.StringSlice("step"); len(steps) > 0 {
		script.Steps = steps
	}

	srv, err := mockbackend.New(mockbackend.Config{
		Prefix:    c.String("prefix"),
		Features:  catalog,
		Script:    &script,
		Logger:    logger,
		KeepAlive: c.Duration("keep-alive"),
	})
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}

	logger.Sugar().Infof("serving %d features under %s", len(catalog), c.String("prefix"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, c.String("addr"))
}
