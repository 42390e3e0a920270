package types

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ValidationMode describes how a feature validates its artifacts.
type ValidationMode string

const (
	// ValidationNone skips validation; artifacts are sent on start.
	ValidationNone ValidationMode = "none"
	// ValidationFlag validates each slot; the backend only acknowledges.
	ValidationFlag ValidationMode = "flag"
	// ValidationToken validates and receives a token that start consumes.
	ValidationToken ValidationMode = "token"
)

// StartMode describes what a start request carries.
type StartMode string

const (
	// StartToken sends the validation token as a query parameter.
	StartToken StartMode = "token"
	// StartArtifacts uploads the staged artifacts as multipart fields.
	StartArtifacts StartMode = "artifacts"
	// StartEmpty sends no payload.
	StartEmpty StartMode = "empty"
)

// CancelMode selects how the controller treats a user cancel.
type CancelMode string

const (
	// CancelConfirm waits for the server's cancelled frame.
	CancelConfirm CancelMode = "confirm"
	// CancelOptimistic closes the stream and marks the job cancelled at once.
	CancelOptimistic CancelMode = "optimistic"
	// CancelReset closes the stream and returns the record to idle.
	CancelReset CancelMode = "reset"
)

// Valid reports whether m is a known cancel mode.
func (m CancelMode) Valid() bool {
	return m == CancelConfirm || m == CancelOptimistic || m == CancelReset
}

// SlotSpec describes one input slot of a feature.
type SlotSpec struct {
	// Name labels the slot.
	Name string `yaml:"name" json:"name"`
	// Extensions restricts accepted file extensions (lowercase, with dot).
	// Empty accepts anything.
	Extensions []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
}

// Accepts reports whether an artifact name passes the extension filter.
func (s SlotSpec) Accepts(name string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	return slices.Contains(s.Extensions, strings.ToLower(filepath.Ext(name)))
}

// Feature is the configuration of one job feature.
// The controller is the same for every feature; only this descriptor varies.
type Feature struct {
	// Name is the feature name and the backend route prefix.
	Name string `yaml:"name" json:"name"`
	// Slots lists the input artifacts, in upload order.
	Slots []SlotSpec `yaml:"slots" json:"slots"`
	// Validation selects the validation protocol.
	Validation ValidationMode `yaml:"validation" json:"validation"`
	// IndexedValidation sends ?index=i on validate calls.
	IndexedValidation bool `yaml:"indexed_validation,omitempty" json:"indexed_validation,omitempty"`
	// Start selects the start payload.
	Start StartMode `yaml:"start" json:"start"`
	// DownloadPath is the result route segment ("download", "result"),
	// empty when the feature has no downloadable result.
	DownloadPath string `yaml:"download_path,omitempty" json:"download_path,omitempty"`
	// Discard enables releasing a staged token on the backend.
	Discard bool `yaml:"discard,omitempty" json:"discard,omitempty"`
	// Cancel selects the cancel mode. Empty means CancelConfirm.
	Cancel CancelMode `yaml:"cancel_mode,omitempty" json:"cancel_mode,omitempty"`
}

// HasDownload reports whether the feature produces a downloadable result.
func (f Feature) HasDownload() bool { return f.DownloadPath != "" }

// CancelMode returns the effective cancel mode.
func (f Feature) CancelMode() CancelMode {
	if f.Cancel == "" {
		return CancelConfirm
	}
	return f.Cancel
}

// Validate checks the descriptor for internal consistency.
func (f Feature) Validate() error {
	if f.Name == "" {
		return errors.New("feature name is required")
	}
	switch f.Validation {
	case ValidationNone, ValidationFlag, ValidationToken:
	default:
		return fmt.Errorf("feature %s: unknown validation mode %q", f.Name, f.Validation)
	}
	switch f.Start {
	case StartToken:
		if f.Validation != ValidationToken {
			return fmt.Errorf("feature %s: token start requires token validation", f.Name)
		}
	case StartArtifacts:
		if len(f.Slots) == 0 {
			return fmt.Errorf("feature %s: artifact start requires at least one slot", f.Name)
		}
	case StartEmpty:
	default:
		return fmt.Errorf("feature %s: unknown start mode %q", f.Name, f.Start)
	}
	if f.Validation == ValidationToken && len(f.Slots) != 1 {
		return fmt.Errorf("feature %s: token validation requires exactly one slot", f.Name)
	}
	if f.Cancel != "" && !f.Cancel.Valid() {
		return fmt.Errorf("feature %s: unknown cancel mode %q", f.Name, f.Cancel)
	}
	if f.Discard && f.Validation != ValidationToken {
		return fmt.Errorf("feature %s: discard requires token validation", f.Name)
	}
	return nil
}

var xlsx = []string{".xlsx"}

// BuiltinFeatures returns the built-in feature catalog.
func BuiltinFeatures() []Feature {
	return []Feature{
		{
			Name:       "agregar-imputaciones",
			Slots:      []SlotSpec{{Name: "file"}},
			Validation: ValidationToken,
			Start:      StartToken,
		},
		{
			Name:       "cargar-respuesta-sap",
			Slots:      []SlotSpec{{Name: "file"}},
			Validation: ValidationToken,
			Start:      StartToken,
			Discard:    true,
		},
		{
			Name:       "cargar-tareas-sap",
			Slots:      []SlotSpec{{Name: "file"}},
			Validation: ValidationFlag,
			Start:      StartArtifacts,
		},
		{
			Name:         "obtener-feedback",
			Slots:        []SlotSpec{{Name: "file", Extensions: xlsx}},
			Validation:   ValidationToken,
			Start:        StartToken,
			DownloadPath: "result",
			Discard:      true,
		},
		{
			Name: "imputaciones-ip",
			Slots: []SlotSpec{
				{Name: "wbs_por_clave", Extensions: xlsx},
				{Name: "listado_usuarios", Extensions: xlsx},
				{Name: "descarga_imputaciones", Extensions: xlsx},
				{Name: "fichajes_sap", Extensions: xlsx},
			},
			Validation:        ValidationFlag,
			IndexedValidation: true,
			Start:             StartArtifacts,
			DownloadPath:      "download",
		},
		{
			Name:         "obtencion-cnc",
			Slots:        []SlotSpec{{Name: "file"}},
			Validation:   ValidationNone,
			Start:        StartArtifacts,
			DownloadPath: "download",
		},
		{
			Name:         "generar-imputaciones-sap",
			Validation:   ValidationNone,
			Start:        StartEmpty,
			DownloadPath: "download",
		},
	}
}

// LookupFeature finds a feature by name in the given catalog.
func LookupFeature(catalog []Feature, name string) (Feature, bool) {
	for _, f := range catalog {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}
