package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// ValidateCommand returns the validate command.
// It validates the given files without starting a job. For token features
// the issued token is printed and kept on the backend unless --discard is
// set.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate input files without starting a job",
		Flags: withFlags(BackendFlags(), OutputFlags(), []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "file",
				Aliases: []string{"i"},
				Usage:   "Input file, once per slot in slot order",
			},
			&cli.BoolFlag{
				Name:  "discard",
				Usage: "Release the validation token after a successful validation",
			},
		}),
		Action: validateAction,
	}
}

// ValidateView is the validate command's output.
type ValidateView struct {
	Feature string   `json:"feature" yaml:"feature"`
	Status  string   `json:"status" yaml:"status"`
	Slots   []string `json:"slots" yaml:"slots"`
	Token   string   `json:"token,omitempty" yaml:"token,omitempty"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

func validateAction(c *cli.Context) error {
	if err := rejectTUI(c, "validate command"); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	env, err := newJobEnv(c, envOptions{})
	if err != nil {
		return err
	}
	defer iox.DiscardClose(env)

	if env.feature.Validation == types.ValidationNone {
		return cli.Exit(fmt.Sprintf("feature %s has no validation step", env.feature.Name), runtime.ExitCodeInvalidInput)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opErr := stage(env.controller, env.feature, c.StringSlice("file"))
	if opErr == nil {
		opErr = env.controller.ValidateAll(ctx)
	}
	rec := env.controller.Snapshot()

	view := ValidateView{
		Feature: rec.Feature,
		Status:  string(rec.Status),
		Slots:   render.NewJobView(rec, "", 0).Slots,
		Token:   rec.ValidationToken,
	}
	if len(rec.Log) > 0 {
		view.Message = rec.Log[len(rec.Log)-1]
	}
	if opErr != nil {
		view.Message = opErr.Error()
	}

	if opErr == nil && c.Bool("discard") && rec.ValidationToken != "" {
		if err := env.controller.Discard(ctx); err != nil {
			opErr = err
			view.Message = err.Error()
		} else {
			view.Status = string(types.StatusIdle)
			view.Message = "validation token discarded"
		}
	}

	if err := r.Render(view); err != nil {
		return err
	}
	if opErr != nil {
		return cli.Exit("", runtime.DetermineOutcome(rec, opErr).ExitCode)
	}
	return nil
}
