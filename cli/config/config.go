package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/sheetjobs/types"
)

// Config represents a sheetjobs.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	BaseURL  string                   `yaml:"base_url" validate:"omitempty,url"`
	Timeout  Duration                 `yaml:"timeout"`
	LogLevel string                   `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Headers  map[string]string        `yaml:"headers,omitempty"`
	Features map[string]FeatureConfig `yaml:"features" validate:"dive"`
	Watchdog WatchdogConfig           `yaml:"watchdog"`
	Storage  StorageConfig            `yaml:"storage"`
	Adapter  AdapterConfig            `yaml:"adapter"`
	Record   string                   `yaml:"record"`
}

// FeatureConfig overrides a built-in feature or defines a new one.
// Name is derived from the map key, not stored in the struct.
type FeatureConfig struct {
	CancelMode   types.CancelMode     `yaml:"cancel_mode" validate:"omitempty,oneof=confirm optimistic reset"`
	Slots        []types.SlotSpec     `yaml:"slots,omitempty" validate:"omitempty,dive"`
	Validation   types.ValidationMode `yaml:"validation" validate:"omitempty,oneof=none flag token"`
	Indexed      *bool                `yaml:"indexed_validation,omitempty"`
	Start        types.StartMode      `yaml:"start" validate:"omitempty,oneof=token artifacts empty"`
	DownloadPath *string              `yaml:"download_path,omitempty"`
	Discard      *bool                `yaml:"discard,omitempty"`
}

// WatchdogConfig bounds how long an event stream may stay silent.
type WatchdogConfig struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// StorageConfig configures the job-history ledger.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend" validate:"omitempty,oneof=fs s3"`
	Path        string `yaml:"path" validate:"required_with=Backend"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint" validate:"omitempty,url"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig configures job-finished notifications.
type AdapterConfig struct {
	Type    string            `yaml:"type" validate:"omitempty,oneof=webhook redis"`
	URL     string            `yaml:"url" validate:"required_with=Type"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty" validate:"omitempty,min=0,max=10"`
	// HistoryKey keeps a capped list of recent events (redis only).
	HistoryKey string `yaml:"history_key,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Catalog returns the built-in features with the configured overrides
// applied, followed by any new features, sorted by name.
func (c *Config) Catalog() ([]types.Feature, error) {
	catalog := types.BuiltinFeatures()
	if len(c.Features) == 0 {
		return catalog, nil
	}

	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var added []types.Feature
	for _, name := range names {
		fc := c.Features[name]
		idx := -1
		for i, f := range catalog {
			if f.Name == name {
				idx = i
				break
			}
		}
		var f types.Feature
		if idx >= 0 {
			f = catalog[idx]
		} else {
			f = types.Feature{Name: name, Validation: types.ValidationNone, Start: types.StartEmpty}
		}
		fc.apply(&f)
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("features.%s: %w", name, err)
		}
		if idx >= 0 {
			catalog[idx] = f
		} else {
			added = append(added, f)
		}
	}
	return append(catalog, added...), nil
}

func (fc FeatureConfig) apply(f *types.Feature) {
	if fc.CancelMode != "" {
		f.Cancel = fc.CancelMode
	}
	if fc.Slots != nil {
		f.Slots = fc.Slots
	}
	if fc.Validation != "" {
		f.Validation = fc.Validation
	}
	if fc.Indexed != nil {
		f.IndexedValidation = *fc.Indexed
	}
	if fc.Start != "" {
		f.Start = fc.Start
	}
	if fc.DownloadPath != nil {
		f.DownloadPath = *fc.DownloadPath
	}
	if fc.Discard != nil {
		f.Discard = *fc.Discard
	}
}
