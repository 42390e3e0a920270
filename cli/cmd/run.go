package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/cli/tui"
	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// RunCommand returns the run command.
// It stages the given files, validates them, starts the job and follows
// its progress stream until a terminal frame. The exit code reflects the
// outcome.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Validate, start and follow a job",
		Flags: withFlags(BackendFlags(), OutputFlags(), []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"i"},
				Usage:   "Input file, once per slot in slot order",
			},
			&cli.StringFlag{
				Name:    "download",
				Aliases: []string{"o"},
				Usage:   "Write the job result to this path on completion",
			},
			&cli.StringFlag{
				Name:  "record",
				Usage: "Record the progress frames to this file",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Suppress progress and result output",
			},
		}),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	useTUI := c.Bool("tui")
	quiet := c.Bool("quiet")

	opts := envOptions{sinks: true, recordPath: c.String("record")}
	if !quiet && !useTUI {
		opts.onChange = newProgressPrinter(c.App.ErrWriter).print
	}
	env, err := newJobEnv(c, opts)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(env)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, opErr := execute(ctx, env, c.StringSlice("file"), useTUI)
	outcome := runtime.DetermineOutcome(rec, opErr)

	if outcome.ExitCode == runtime.ExitCodeCompleted {
		if path := c.String("download"); path != "" {
			if err := download(ctx, env, path); err != nil {
				outcome = runtime.DetermineOutcome(rec, err)
			}
		}
	}

	if !quiet {
		if err := r.Render(render.NewJobView(env.controller.Snapshot(), outcome.Message, outcome.ExitCode)); err != nil {
			return err
		}
	}
	if outcome.ExitCode != runtime.ExitCodeCompleted {
		return cli.Exit("", outcome.ExitCode)
	}
	return nil
}

// execute drives one attempt to the end. An interrupt, or leaving the live
// view early, cancels the job and waits for the cancel to settle.
func execute(ctx context.Context, env *jobEnv, files []string, useTUI bool) (types.JobRecord, error) {
	ctrl := env.controller
	if err := stage(ctrl, env.feature, files); err != nil {
		return ctrl.Snapshot(), err
	}
	if env.feature.Validation != types.ValidationNone {
		if err := ctrl.ValidateAll(ctx); err != nil {
			return ctrl.Snapshot(), err
		}
	}
	if err := ctrl.Start(ctx); err != nil {
		return ctrl.Snapshot(), err
	}

	if useTUI {
		_, detached, err := tui.Run(ctrl)
		switch {
		case err != nil:
			env.logger.Warn("live view failed; following without it", map[string]any{"error": err.Error()})
		case detached:
			return cancelAndWait(env)
		}
	}

	rec, err := ctrl.Wait(ctx)
	if err != nil {
		env.logger.Info("interrupted; cancelling job", map[string]any{"job_id": rec.JobID})
		return cancelAndWait(env)
	}
	return rec, nil
}

// cancelAndWait cancels the active job and waits up to cancelGrace for it
// to settle.
func cancelAndWait(env *jobEnv) (types.JobRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if err := env.controller.Cancel(ctx); err != nil {
		env.logger.Warn("cancel request failed", map[string]any{"error": err.Error()})
	}
	rec, err := env.controller.Wait(ctx)
	if err != nil {
		return rec, fmt.Errorf("cancel not confirmed within %s", cancelGrace)
	}
	return rec, nil
}

func download(ctx context.Context, env *jobEnv, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &runtime.Error{Kind: runtime.ErrorTransport, Op: "download", Detail: "result not written", Err: err}
	}
	n, err := env.controller.Download(ctx, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = runtime.NewTransportError("download", cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	env.logger.Info("result written", map[string]any{"path": path, "bytes": n})
	return nil
}

// progressPrinter writes new log lines as the record grows.
type progressPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed int
	attempt string
	status  types.Status
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) print(rec types.JobRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.AttemptID != p.attempt {
		p.attempt = rec.AttemptID
		p.printed = 0
	}
	if rec.Status != p.status {
		p.status = rec.Status
		if rec.Status.IsBusy() {
			fmt.Fprintf(p.w, "· %s\n", rec.Status)
		}
	}
	if len(rec.Log) < p.printed {
		p.printed = 0
	}
	for _, line := range rec.Log[p.printed:] {
		fmt.Fprintf(p.w, "  %s\n", line)
	}
	p.printed = len(rec.Log)
}
