package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sheetjobs/adapter"
	"github.com/pithecene-io/sheetjobs/adapter/redis"
	"github.com/pithecene-io/sheetjobs/adapter/webhook"
	"github.com/pithecene-io/sheetjobs/backend"
	"github.com/pithecene-io/sheetjobs/cli/config"
	"github.com/pithecene-io/sheetjobs/framelog"
	"github.com/pithecene-io/sheetjobs/lode"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/runtime"
	"github.com/pithecene-io/sheetjobs/types"
)

// defaultConfigPath is loaded when present and --config is not given.
const defaultConfigPath = "sheetjobs.yaml"

// loadConfig loads --config, or ./sheetjobs.yaml when it exists, or
// returns an empty config.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return &config.Config{}, nil
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	return cfg, nil
}

// resolveFeature looks up --feature in the configured catalog.
func resolveFeature(c *cli.Context, cfg *config.Config) (types.Feature, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return types.Feature{}, cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	name := c.String("feature")
	f, ok := types.LookupFeature(catalog, name)
	if !ok {
		names := make([]string, len(catalog))
		for i, f := range catalog {
			names[i] = f.Name
		}
		return types.Feature{}, cli.Exit(
			fmt.Sprintf("unknown feature %q (known: %s)", name, strings.Join(names, ", ")),
			runtime.ExitCodeInvalidInput)
	}
	return f, nil
}

// newLogger builds the stderr logger; --log-level overrides the config.
func newLogger(c *cli.Context, cfg *config.Config, feature string) (*log.Logger, error) {
	level := firstNonEmpty(c.String("log-level"), cfg.LogLevel, defaultLogLevel)
	logger, err := log.NewLoggerWithLevel(log.Meta{Feature: feature}, c.App.ErrWriter, level)
	if err != nil {
		return nil, cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	return logger, nil
}

// newBackend builds the HTTP client for f; flags override the config.
func newBackend(c *cli.Context, cfg *config.Config, f types.Feature, logger *log.Logger) (*backend.Client, error) {
	baseURL := firstNonEmpty(c.String("base-url"), cfg.BaseURL)
	if baseURL == "" {
		return nil, cli.Exit("a backend is required: set --base-url, SHEETJOBS_BASE_URL or base_url in sheetjobs.yaml",
			runtime.ExitCodeInvalidInput)
	}
	timeout := cfg.Timeout.Duration
	if c.IsSet("timeout") {
		timeout = c.Duration("timeout")
	}
	client, err := backend.New(backend.Config{
		BaseURL: baseURL,
		Feature: f,
		Timeout: timeout,
		Headers: cfg.Headers,
		Logger:  logger,
	})
	if err != nil {
		return nil, cli.Exit(err.Error(), runtime.ExitCodeInvalidInput)
	}
	return client, nil
}

// openLedger opens the configured job-history ledger, or returns nil when
// storage is not configured.
func openLedger(ctx context.Context, sc config.StorageConfig, logger *log.Logger, collector *metrics.Collector) (*lode.Ledger, error) {
	if sc.Path == "" {
		return nil, nil
	}
	lcfg := lode.Config{Dataset: sc.Dataset}
	switch sc.Backend {
	case "fs", "":
		return lode.NewFSLedger(lcfg, sc.Path, logger, collector)
	case "s3":
		bucket, prefix := lode.ParseS3Path(sc.Path)
		return lode.NewS3Ledger(ctx, lcfg, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.S3PathStyle,
		}, logger, collector)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (must be fs or s3)", sc.Backend)
	}
}

// openNotifier builds the configured job-finished notifier, or nil.
func openNotifier(ac config.AdapterConfig, logger *log.Logger, collector *metrics.Collector) (*adapter.Notifier, error) {
	retries := 0
	if ac.Retries != nil {
		retries = *ac.Retries
	}
	var a adapter.Adapter
	var err error
	switch ac.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err = webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		a, err = redis.New(redis.Config{
			URL:        ac.URL,
			Channel:    ac.Channel,
			HistoryKey: ac.HistoryKey,
			Timeout:    ac.Timeout.Duration,
			Retries:    retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be webhook or redis)", ac.Type)
	}
	if err != nil {
		return nil, err
	}
	return adapter.NewNotifier(a, logger, collector), nil
}

// jobEnv is everything a controller-driven command needs.
type jobEnv struct {
	feature    types.Feature
	logger     *log.Logger
	collector  *metrics.Collector
	client     *backend.Client
	controller *runtime.Controller
	ledger     *lode.Ledger
	notifier   *adapter.Notifier
	recorder   *framelog.Recorder
}

type envOptions struct {
	sinks      bool   // wire the ledger and notifier
	recordPath string // frame recording path, empty to skip
	onChange   func(types.JobRecord)
}

// newJobEnv wires the controller and its collaborators for --feature.
func newJobEnv(c *cli.Context, opts envOptions) (*jobEnv, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	f, err := resolveFeature(c, cfg)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(c, cfg, f.Name)
	if err != nil {
		return nil, err
	}
	client, err := newBackend(c, cfg, f, logger)
	if err != nil {
		return nil, err
	}

	env := &jobEnv{feature: f, logger: logger, client: client}
	storageBackend := "none"
	if cfg.Storage.Path != "" {
		storageBackend = firstNonEmpty(cfg.Storage.Backend, "fs")
	}
	env.collector = metrics.NewCollector(f.Name, string(f.CancelMode()), storageBackend)

	var finishers []runtime.Finisher
	if opts.sinks {
		env.ledger, err = openLedger(c.Context, cfg.Storage, logger, env.collector)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("ledger: %v", err), runtime.ExitCodeStreamLost)
		}
		if env.ledger != nil {
			finishers = append(finishers, env.ledger)
		}
		env.notifier, err = openNotifier(cfg.Adapter, logger, env.collector)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("adapter: %v", err), runtime.ExitCodeInvalidInput)
		}
		if env.notifier != nil {
			finishers = append(finishers, env.notifier)
		}
	}

	var recorder runtime.FrameRecorder
	if path := firstNonEmpty(opts.recordPath, cfg.Record); path != "" && opts.sinks {
		env.recorder, err = framelog.Create(path, f.Name)
		if err != nil {
			_ = env.closeSinks()
			return nil, cli.Exit(fmt.Sprintf("record: %v", err), runtime.ExitCodeInvalidInput)
		}
		recorder = env.recorder
	}

	env.controller, err = runtime.New(runtime.Config{
		Feature:     f,
		Backend:     client,
		Subscriber:  client,
		Downloader:  client,
		IdleTimeout: cfg.Watchdog.IdleTimeout.Duration,
		Recorder:    recorder,
		Finishers:   finishers,
		OnChange:    opts.onChange,
		Logger:      logger,
		Collector:   env.collector,
	})
	if err != nil {
		_ = env.closeSinks()
		return nil, err
	}
	return env, nil
}

// Close stops the controller, flushes metrics to the ledger and releases
// the sinks.
func (e *jobEnv) Close() error {
	err := e.controller.Close()
	if e.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if werr := e.ledger.WriteMetrics(ctx, e.collector.Snapshot()); werr != nil {
			e.logger.Warn("metrics snapshot not written", map[string]any{"error": werr.Error()})
		}
		cancel()
	}
	err = errors.Join(err, e.closeSinks())
	_ = e.logger.Sync()
	return err
}

func (e *jobEnv) closeSinks() error {
	var errs []error
	if e.notifier != nil {
		errs = append(errs, e.notifier.Close())
	}
	if e.recorder != nil {
		errs = append(errs, e.recorder.Close())
	}
	return errors.Join(errs...)
}

// stage stages one artifact per path, in slot order.
func stage(ctrl *runtime.Controller, f types.Feature, paths []string) error {
	if len(paths) != len(f.Slots) {
		return runtime.NewValidationError("stage",
			fmt.Sprintf("feature %s takes %d file(s) (%s), got %d", f.Name, len(f.Slots), slotNames(f), len(paths)))
	}
	for i, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return runtime.NewValidationError("stage", err.Error())
		}
		if err := ctrl.SetArtifact(i, types.NewFileArtifact(p)); err != nil {
			return err
		}
	}
	return nil
}

func slotNames(f types.Feature) string {
	if len(f.Slots) == 0 {
		return "none"
	}
	names := make([]string, len(f.Slots))
	for i, s := range f.Slots {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
