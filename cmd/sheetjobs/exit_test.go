package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestReportExit(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{"completed", cli.Exit("", 0), 0, ""},
		{"job error silent", cli.Exit("", 1), 1, ""},
		{"stream lost with message", cli.Exit("ledger: unreachable", 2), 2, "ledger: unreachable\n"},
		{"cancelled", cli.Exit("", 3), 3, ""},
		{"invalid input", cli.Exit(`unknown feature "x"`, 4), 4, "unknown feature \"x\"\n"},
		{"wrapped", errors.Join(errors.New("context"), cli.Exit("inner", 42)), 42, "inner\n"},
		{"regular error", errors.New("boom"), 1, "Error: boom\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := reportExit(&buf, tt.err); code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if buf.String() != tt.wantOut {
				t.Errorf("output = %q, want %q", buf.String(), tt.wantOut)
			}
		})
	}
}

func TestNewApp_Commands(t *testing.T) {
	app := newApp()
	want := []string{"run", "validate", "cancel", "discard", "download", "features", "history", "replay", "serve-mock", "version"}
	for _, name := range want {
		if app.Command(name) == nil {
			t.Errorf("missing command %q", name)
		}
	}
}
