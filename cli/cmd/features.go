package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/cli/render"
	"github.com/pithecene-io/sheetjobs/runtime"
)

// FeaturesCommand returns the features command.
// It lists the effective feature catalog: the built-in features with any
// sheetjobs.yaml overrides applied. It never contacts the backend.
func FeaturesCommand() *cli.Command {
	return &cli.Command{
		Name:   "features",
		Usage:  "List the configured features",
		Flags:  withFlags([]cli.Flag{ConfigFlag}, OutputFlags()),
		Action: featuresAction,
	}
}

func featuresAction(c *cli.Context) error {
	if err := rejectTUI(c, "features command"); err != nil {
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
	catalog, err := cfg.Catalog()
	if err != nil {
		return cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	return r.Render(render.FeatureTable(catalog))
}
