package lode

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"open /data/x: permission denied", ErrPermissionDenied},
		{"operation error S3: PutObject, https response error StatusCode: 403, AccessDenied", ErrPermissionDenied},
		{"open /data/x: no such file or directory", ErrNotFound},
		{"NoSuchBucket: the specified bucket does not exist", ErrNotFound},
		{"write /data/x: no space left on device", ErrDiskFull},
		{"request timed out", ErrTimeout},
		{"SlowDown: please reduce your request rate", ErrThrottled},
		{"NoCredentialProviders: no valid providers in chain", ErrAuth},
		{"dial tcp 127.0.0.1:9000: connect: connection refused", ErrNetwork},
		{"something odd", ErrStorage},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := classifyError(errors.New(tt.msg)); got != tt.want {
				t.Errorf("classifyError(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyError_TimeoutInterface(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); got != ErrTimeout {
		t.Errorf("DeadlineExceeded classified as %v", got)
	}
}

func TestWrapErrors(t *testing.T) {
	if WrapWriteError(nil, "x") != nil || WrapReadError(nil, "x") != nil || WrapInitError(nil, "x") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	cause := errors.New("no such file or directory")
	err := WrapReadError(cause, "snapshot/abc")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "read" || se.Path != "snapshot/abc" {
		t.Errorf("unexpected StorageError: %+v", se)
	}
	if got := err.Error(); got != "read snapshot/abc: not found: no such file or directory" {
		t.Errorf("Error() = %q", got)
	}

	// Already-classified errors are not wrapped twice.
	again := WrapWriteError(fmt.Errorf("ledger: %w", err), "ds")
	if !errors.As(again, &se) || se.Op != "read" {
		t.Errorf("expected original classification to survive, got %v", again)
	}
}
