package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/backend"
	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// JobActionView is the output of the cancel, discard and download commands.
type JobActionView struct {
	Feature string `json:"feature" yaml:"feature"`
	Action  string `json:"action" yaml:"action"`
	Target  string `json:"target" yaml:"target"`
	Result  string `json:"result" yaml:"result"`
	Bytes   int64  `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

// CancelCommand returns the cancel command.
// It requests cancellation of a job started elsewhere; it does not wait for
// the job's cancelled frame.
func CancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Request cancellation of a running job",
		Flags: withFlags(BackendFlags(), OutputFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:     "job-id",
				Usage:    "Job identifier returned by start",
				Required: true,
			},
		}),
		Action: cancelAction,
	}
}

func cancelAction(c *cli.Context) error {
	if err := rejectTUI(c, "cancel command"); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	client, f, logger, err := clientFor(c)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	jobID := c.String("job-id")
	if err := client.Cancel(c.Context, jobID); err != nil {
		return transportExit("cancel", err)
	}
	return r.Render(JobActionView{Feature: f.Name, Action: "cancel", Target: jobID, Result: "requested"})
}

// DiscardCommand returns the discard command.
func DiscardCommand() *cli.Command {
	return &cli.Command{
		Name:  "discard",
		Usage: "Release a validation token on the backend",
		Flags: withFlags(BackendFlags(), OutputFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Validation token returned by validate",
				Required: true,
			},
		}),
		Action: discardAction,
	}
}

func discardAction(c *cli.Context) error {
	if err := rejectTUI(c, "discard command"); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	client, f, logger, err := clientFor(c)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	if !f.Discard {
		return cli.Exit(fmt.Sprintf("feature %s does not support discard", f.Name), runtime.ExitCodeInvalidInput)
	}
	token := c.String("token")
	if err := client.Discard(c.Context, token); err != nil {
		return transportExit("discard", err)
	}
	return r.Render(JobActionView{Feature: f.Name, Action: "discard", Target: token, Result: "discarded"})
}

// DownloadCommand returns the download command.
func DownloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "Download the result of a completed job",
		Flags: withFlags(BackendFlags(), OutputFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:     "job-id",
				Usage:    "Job identifier of a completed job",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Destination path, - for stdout",
				Value:   "-",
			},
		}),
		Action: downloadAction,
	}
}

func downloadAction(c *cli.Context) error {
	if err := rejectTUI(c, "download command"); err != nil {
		return err
	}
	client, f, logger, err := clientFor(c)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	if !f.HasDownload() {
		return cli.Exit(fmt.Sprintf("feature %s has no downloadable result", f.Name), runtime.ExitCodeInvalidInput)
	}
	jobID := c.String("job-id")
	handle := client.ResultHandle(jobID)
	output := c.String("output")

	var w io.Writer = c.App.Writer
	var file *os.File
	if output != "-" {
		file, err = os.Create(output)
		if err != nil {
			return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
		}
		w = file
	}

	n, err := client.Download(c.Context, handle, w)
	if file != nil {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(output)
		}
	}
	if err != nil {
		return transportExit("download", err)
	}
	logger.Info("result downloaded", map[string]any{"handle": handle, "bytes": n})

	// Raw bytes went to stdout; nothing else may follow them.
	if output == "-" {
		return nil
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(JobActionView{Feature: f.Name, Action: "download", Target: output, Result: handle, Bytes: n})
}

// clientFor builds a backend client for --feature without a controller.
func clientFor(c *cli.Context) (*backend.Client, types.Feature, *log.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, types.Feature{}, nil, err
	}
	f, err := resolveFeature(c, cfg)
	if err != nil {
		return nil, types.Feature{}, nil, err
	}
	logger, err := newLogger(c, cfg, f.Name)
	if err != nil {
		return nil, types.Feature{}, nil, err
	}
	client, err := newBackend(c, cfg, f, logger)
	if err != nil {
		return nil, types.Feature{}, nil, err
	}
	return client, f, logger, nil
}

func transportExit(op string, err error) error {
	return cli.Exit(runtime.NewTransportError(op, err).Error(), runtime.ExitCodeStreamLost)
}
