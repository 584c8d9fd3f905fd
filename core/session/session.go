// Package session implements the per-connection keep-alive state machine.
//
// A [Session] moves Open -> Dispatched -> Writing and then either back to
// Open (keep-alive) or through Closing to Closed. Any state moves to Closing
// on a timeout fault or I/O error. Closed is terminal: one Session is one
// transport lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/timeout"
)

// State is the lifecycle state of a Session
type State int32

const (
	Open State = iota
	Dispatched
	Writing
	Closing
	Closed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Dispatched:
		return "dispatched"
	case Writing:
		return "writing"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is the TimeoutFault: a read or write deadline elapsed
	ErrTimeout = errors.New("connection deadline exceeded")

	// ErrWriteFailure means the transport rejected the response bytes
	ErrWriteFailure = errors.New("connection write failed")

	// ErrClosed means the session already left the states where the operation applies
	ErrClosed = errors.New("connection closed")

	// ErrBusy means the session is waiting on its in-flight request
	ErrBusy = errors.New("connection has a request in flight")
)

// Transport is the raw byte pipe beneath a Session.
//
// Close is never called while Write is running.
type Transport interface {
	// Read reads whatever is available without blocking
	Read(p []byte) (int, error)

	// Write writes all of p, giving up once abort is closed
	Write(p []byte, abort <-chan struct{}) error

	// TryWrite makes a single non-blocking write attempt
	TryWrite(p []byte) (int, error)

	Close() error
}

// Config holds the deadlines applied to a Session
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Hooks lets the network layer react to lifecycle changes.
// Hooks run without the session lock held.
type Hooks struct {
	// OnResume runs after a keep-alive response when the session is Open again
	OnResume func(s *Session)

	// OnClose runs exactly once when the session reaches Closed
	OnClose func(s *Session, cause error)
}

// Session is one accepted connection
type Session struct {
	id        string
	transport Transport
	guard     *timeout.Guard
	cfg       Config
	hooks     Hooks
	logger    observability.SLogger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// mu serialises lifecycle transitions against deadline expiry
	mu        sync.Mutex
	state     State
	keepAlive bool
	writing   bool
	cause     error
	requests  int
}

// New creates an Open session and arms its read deadline
func New(id string, transport Transport, guard *timeout.Guard, cfg Config, hooks Hooks, logger observability.SLogger) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:        id,
		transport: transport,
		guard:     guard,
		cfg:       cfg,
		hooks:     hooks,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     Open,
	}
	guard.Arm(id, timeout.Read, cfg.ReadTimeout)
	return s
}

// ID returns the unique connection identifier
func (s *Session) ID() string {
	return s.id
}

// Context is cancelled, with the fault as cause, once the session starts closing
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// KeepAlive reports the keep-alive intent of the current request
func (s *Session) KeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

// Requests returns the number of requests dispatched on this session
func (s *Session) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Read reads inbound bytes while Open and resets the read deadline on progress
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Open:
	case Dispatched, Writing:
		return 0, ErrBusy
	default:
		return 0, ErrClosed
	}

	n, err := s.transport.Read(p)
	if n > 0 {
		s.guard.Arm(s.id, timeout.Read, s.cfg.ReadTimeout)
	}
	return n, err
}

// Dispatch records that a decoded request was handed to the worker pool.
//
// The read deadline keeps running while the request waits in the queue and
// while the business function runs; if it fires first, the session closes and
// the pending response is suppressed.
func (s *Session) Dispatch(keepAlive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Open {
		return fmt.Errorf("%w: dispatch in state %s", ErrClosed, s.state)
	}
	s.state = Dispatched
	s.keepAlive = keepAlive
	s.requests++
	return nil
}

// BeginWrite claims the session for writing the response.
// It returns false if the session timed out or closed meanwhile.
func (s *Session) BeginWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Dispatched {
		return false
	}
	s.state = Writing
	s.writing = true
	s.guard.Cancel(s.id, timeout.Read)
	s.guard.Arm(s.id, timeout.Write, s.cfg.WriteTimeout)
	return true
}

// WriteResponse writes resp and applies the keep-alive policy.
//
// The session must be Writing (see BeginWrite). After a successful write it
// returns to Open when both the request and closeAfter allow keep-alive, and
// closes otherwise. A failed write is not retried; the session is torn down.
func (s *Session) WriteResponse(resp *http.Response, closeAfter bool) error {
	s.mu.Lock()
	if state := s.state; state != Writing {
		s.writing = false
		cause := s.cause
		s.mu.Unlock()
		if state == Closing {
			s.teardown(cause)
		}
		return fmt.Errorf("%w: write in state %s", ErrClosed, state)
	}
	s.mu.Unlock()

	werr := s.transport.Write(resp.Bytes(), s.ctx.Done())

	s.mu.Lock()
	s.writing = false
	s.guard.Cancel(s.id, timeout.Write)

	switch {
	case s.state != Writing:
		// A deadline or Close landed while we were writing; finish the teardown
		cause := s.cause
		s.mu.Unlock()
		s.teardown(cause)
		return cause

	case werr != nil:
		cause := fmt.Errorf("%w: %w", ErrWriteFailure, werr)
		s.state = Closing
		s.cause = cause
		s.mu.Unlock()
		s.logger.Warn(
			"writeFailed",
			slog.String("connID", s.id),
			slog.Any("err", werr),
			slog.String("errClass", errclass.New(werr)),
		)
		s.teardown(cause)
		return cause

	case closeAfter || !s.keepAlive:
		s.state = Closing
		s.mu.Unlock()
		s.teardown(nil)
		return nil

	default:
		s.state = Open
		s.guard.Arm(s.id, timeout.Read, s.cfg.ReadTimeout)
		s.mu.Unlock()
		if s.hooks.OnResume != nil {
			s.hooks.OnResume(s)
		}
		return nil
	}
}

// Reject makes one best-effort write of resp and closes the session.
// The event loop uses it for responses it produces itself (400, 503).
func (s *Session) Reject(resp *http.Response) {
	s.mu.Lock()
	if s.state != Open && s.state != Dispatched {
		s.mu.Unlock()
		return
	}
	resp.SetKeepAlive(false)
	_, _ = s.transport.TryWrite(resp.Bytes())
	s.state = Closing
	s.mu.Unlock()

	s.teardown(nil)
}

// Fail moves the session to Closing because of err.
//
// It is a no-op once the session is already closing. If a response is being
// written, the writer is aborted and completes the teardown itself.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state == Closing || s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Closing
	s.cause = err
	writing := s.writing
	s.mu.Unlock()

	s.cancel(err)
	if errors.Is(err, ErrTimeout) {
		s.logger.Warn(
			"connTimeout",
			slog.String("connID", s.id),
			slog.String("state", prev.String()),
			slog.Any("err", err),
		)
	}
	if !writing {
		s.teardown(err)
	}
}

// Abort gives up on a write claimed with BeginWrite and closes the session.
// It is a no-op on a session that is already closed.
func (s *Session) Abort(err error) {
	s.mu.Lock()
	s.writing = false
	closing, cause := s.state == Closing, s.cause
	s.mu.Unlock()

	if closing {
		s.teardown(cause)
		return
	}
	s.Fail(err)
}

// Close closes the session (peer disconnect, shutdown)
func (s *Session) Close() {
	s.Fail(ErrClosed)
}

// teardown performs the Closing -> Closed step exactly once
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	requests := s.requests
	s.mu.Unlock()

	if cause == nil {
		cause = ErrClosed
	}
	s.cancel(cause)
	s.guard.CancelAll(s.id)
	err := s.transport.Close()

	s.logger.Debug(
		"connClosed",
		slog.String("connID", s.id),
		slog.Int("requests", requests),
		slog.Any("cause", cause),
		slog.Any("closeErr", err),
	)

	if s.hooks.OnClose != nil {
		s.hooks.OnClose(s, cause)
	}
}
