// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"io"
	"sync"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DiscardErr calls fn and discards the returned error.
// Use for deferred flushes whose failure cannot be reported:
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }

// OnceCloser wraps a closer so that the underlying Close runs at most once.
// Every call returns the first call's error.
type OnceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

// NewOnceCloser wraps c.
func NewOnceCloser(c io.Closer) *OnceCloser {
	return &OnceCloser{c: c}
}

// Close closes the wrapped closer on the first call.
func (o *OnceCloser) Close() error {
	o.once.Do(func() { o.err = o.c.Close() })
	return o.err
}

// OnceReadCloser is a reader whose Close runs at most once.
type OnceReadCloser struct {
	io.Reader
	*OnceCloser
}

// NewOnceReadCloser wraps rc.
func NewOnceReadCloser(rc io.ReadCloser) *OnceReadCloser {
	return &OnceReadCloser{Reader: rc, OnceCloser: NewOnceCloser(rc)}
}
