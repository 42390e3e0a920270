package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/sheetjobs/iox"
	"github.com/pithecene-io/sheetjobs/log"
	"github.com/pithecene-io/sheetjobs/metrics"
	"github.com/pithecene-io/sheetjobs/types"
)

// Subscriber opens the event channel for a job.
// The returned body is an event-stream; closing it releases the connection.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, jobID string) (io.ReadCloser, error)

// Subscribe calls f.
func (f SubscriberFunc) Subscribe(ctx context.Context, jobID string) (io.ReadCloser, error) {
	return f(ctx, jobID)
}

// Options configures a Session.
type Options struct {
	// IdleTimeout closes the session with a synthetic error frame when no
	// message arrives for this long. Zero disables the watchdog.
	IdleTimeout time.Duration
	// Logger receives stream diagnostics. Nil discards them.
	Logger *log.Logger
	// Collector counts frames and stream losses. Nil is allowed.
	Collector *metrics.Collector
}

// Session owns the event channel of one job.
//
// Frames are delivered on Frames() in arrival order. After a terminal frame
// the connection is released and Frames() is closed; nothing further is
// delivered. A transport failure before a terminal frame is reported as a
// synthetic error frame carrying ConnectionLostText. Sessions never reconnect.
type Session struct {
	jobID  string
	opts   Options
	logger *log.Logger

	frames chan types.Frame
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	body     io.ReadCloser
	closing  bool
	idle     bool
	history  []types.Frame
	watchdog *time.Timer
}

// Open starts a session for jobID. The connection is established in the
// background; a failure to connect surfaces as a connection-lost frame.
// Cancelling ctx closes the session.
func Open(ctx context.Context, sub Subscriber, jobID string, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		jobID:  jobID,
		opts:   opts,
		logger: logger,
		frames: make(chan types.Frame),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(sctx, sub)
	return s
}

// JobID returns the job this session listens to.
func (s *Session) JobID() string { return s.jobID }

// Frames returns the ordered frame channel. It is closed when the session ends.
func (s *Session) Frames() <-chan types.Frame { return s.frames }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// History returns a copy of every frame received so far, in order.
func (s *Session) History() []types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Frame(nil), s.history...)
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close releases the connection. Safe to call any number of times from
// any goroutine; the connection is released exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		body := s.body
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.mu.Unlock()

		s.cancel()
		close(s.done)
		if body != nil {
			s.closeErr = body.Close()
		}
	})
	return s.closeErr
}

func (s *Session) run(ctx context.Context, sub Subscriber) {
	defer close(s.frames)

	body, err := sub.Subscribe(ctx, s.jobID)
	if err != nil {
		if s.isClosing() || ctx.Err() != nil {
			_ = s.Close()
			return
		}
		s.logger.Warn("event stream connect failed", map[string]any{"error": err.Error()})
		s.lost()
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = body.Close()
		return
	}
	s.body = iox.NewOnceReadCloser(body)
	if s.opts.IdleTimeout > 0 {
		s.watchdog = time.AfterFunc(s.opts.IdleTimeout, s.expire)
	}
	s.mu.Unlock()

	reader := NewMessageReader(s.body)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				_ = s.Close()
				return
			}
			if s.isIdle() {
				s.logger.Warn("event stream idle timeout", map[string]any{"timeout": s.opts.IdleTimeout.String()})
				s.opts.Collector.IncStreamIdleTimeout()
				s.deliver(types.Frame{Kind: types.FrameError, Text: IdleTimeoutText, Synthetic: true})
				_ = s.Close()
				return
			}
			fields := map[string]any{}
			message := "event stream dropped before terminal frame"
			if !errors.Is(err, io.EOF) {
				fields["error"] = err.Error()
				if !IsTransportError(err) {
					message = "event stream malformed"
				}
			}
			s.logger.Warn(message, fields)
			s.lost()
			return
		}
		s.touch()

		frame, ok := DecodeFrame(msg)
		if !ok {
			s.opts.Collector.IncFrameUnknown()
			s.logger.Debug("dropping unknown event", map[string]any{"event": msg.Event})
			continue
		}
		s.opts.Collector.IncFrameReceived(string(frame.Kind))
		if !s.deliver(frame) {
			return
		}
		if frame.IsTerminal() {
			_ = s.Close()
			return
		}
	}
}

// lost delivers the synthetic connection-lost frame and closes.
func (s *Session) lost() {
	s.opts.Collector.IncStreamLost()
	s.deliver(types.Frame{Kind: types.FrameError, Text: ConnectionLostText, Synthetic: true})
	_ = s.Close()
}

// deliver records f and hands it to the consumer.
// Returns false if the session was closed first.
func (s *Session) deliver(f types.Frame) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.history = append(s.history, f)
	s.mu.Unlock()

	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	if s.watchdog != nil && !s.closing {
		s.watchdog.Reset(s.opts.IdleTimeout)
	}
	s.mu.Unlock()
}

// expire fires from the watchdog timer; closing the body unblocks the reader.
func (s *Session) expire() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.idle = true
	body := s.body
	s.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}
