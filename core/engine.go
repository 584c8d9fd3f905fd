package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"github.com/searchktools/async-server/core/dispatch"
	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/poller"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/core/session"
	"github.com/searchktools/async-server/core/timeout"
	"golang.org/x/sys/unix"
)

// Config configures an Engine
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int

	// Payload is handed to the business function with every request
	Payload []byte

	Logger  observability.SLogger
	Monitor *observability.PerformanceMonitor
}

// conn is an accepted connection.
// buf and n belong to the event loop goroutine.
type conn struct {
	fd   int
	sess *session.Session
	buf  []byte
	n    int
}

// Engine is the epoll/kqueue event loop of the HTTP front end.
//
// The loop goroutine accepts, reads and decodes; decoded requests go to the
// Dispatcher and the loop moves on. Workers hand connections back to the
// loop (keep-alive resume, close) through queues drained after each wakeup.
type Engine struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     observability.SLogger
	monitor    *observability.PerformanceMonitor
	guard      *timeout.Guard
	bytePool   *pools.BytePool

	poller poller.Poller
	lnFile *os.File
	lfd    int
	addr   net.Addr

	// fds is only touched by the loop goroutine
	fds map[int]*conn

	mu           sync.Mutex
	conns        map[string]*conn
	resumed      []*conn
	reaped       []*conn
	closing      bool
	serving      bool
	pollerClosed bool
	done         chan struct{}
}

// NewEngine creates an engine that dispatches onto d
func NewEngine(cfg Config, d *dispatch.Dispatcher) *Engine {
	runtimex.Assert(d != nil)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.DefaultSLogger()
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		logger:     cfg.Logger,
		monitor:    cfg.Monitor,
		bytePool:   pools.NewBytePool(),
		lfd:        -1,
		fds:        make(map[int]*conn),
		conns:      make(map[string]*conn),
		done:       make(chan struct{}),
	}
	e.guard = timeout.NewGuard(e.onDeadline)
	return e
}

// Listen binds the listening socket and creates the poller
func (e *Engine) Listen(addr string) error {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	// File duplicates the descriptor; the loop owns the duplicate
	lnFile, err := ln.File()
	if err != nil {
		return err
	}
	lfd := int(lnFile.Fd())

	if err := poller.SetNonblock(lfd); err != nil {
		lnFile.Close()
		return err
	}

	p, err := poller.NewPoller()
	if err != nil {
		lnFile.Close()
		return err
	}
	if err := p.Add(lfd); err != nil {
		p.Close()
		lnFile.Close()
		return err
	}

	e.poller, e.lnFile, e.lfd, e.addr = p, lnFile, lfd, ln.Addr()

	e.logger.Info(
		"listening",
		slog.String("addr", e.addr.String()),
		slog.Duration("readTimeout", e.cfg.ReadTimeout),
		slog.Duration("writeTimeout", e.cfg.WriteTimeout),
	)
	return nil
}

// Addr returns the bound listening address, or nil before Listen
func (e *Engine) Addr() net.Addr {
	return e.addr
}

// Run listens on addr and serves until ctx is done or Shutdown is called
func (e *Engine) Run(ctx context.Context, addr string) error {
	if err := e.Listen(addr); err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Serve runs the event loop on the calling goroutine.
// It returns nil after a graceful Shutdown or cancellation of ctx.
func (e *Engine) Serve(ctx context.Context) error {
	if e.poller == nil {
		return ErrNotListening
	}

	e.mu.Lock()
	if e.closing || e.serving {
		e.mu.Unlock()
		return ErrServerClosed
	}
	e.serving = true
	e.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { e.stop() })
	defer stop()
	defer close(e.done)
	defer e.cleanup()

	for {
		fds, err := e.poller.Wait(pollTimeout)
		if err != nil {
			e.logger.Error("pollFailed", slog.Any("err", err), slog.String("errClass", errclass.New(err)))
			return err
		}

		if e.isClosing() {
			return nil
		}

		for _, fd := range fds {
			if fd == e.lfd {
				e.accept()
			} else if c := e.fds[fd]; c != nil {
				e.handleRead(c)
			}
		}

		e.drainQueues()
	}
}

// Shutdown stops the loop, closes every connection and waits for Serve to return
func (e *Engine) Shutdown() {
	serving := e.stop()
	if serving {
		<-e.done
		return
	}
	if e.poller != nil {
		e.cleanup()
	}
}

// stop flags the loop for exit and reports whether it is running
func (e *Engine) stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closing = true
	e.wakeLocked()
	return e.serving
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// cleanup releases the listener, every session and the poller
func (e *Engine) cleanup() {
	e.mu.Lock()
	if e.pollerClosed {
		e.mu.Unlock()
		return
	}
	sessions := make([]*session.Session, 0, len(e.conns))
	for _, c := range e.conns {
		sessions = append(sessions, c.sess)
	}
	e.mu.Unlock()

	e.lnFile.Close()
	for _, s := range sessions {
		s.Close()
	}

	e.mu.Lock()
	e.pollerClosed = true
	e.mu.Unlock()
	e.poller.Close()

	e.logger.Info("engineStopped", slog.Int("closedConns", len(sessions)))
}

// wakeLocked interrupts the poller; e.mu must be held
func (e *Engine) wakeLocked() {
	if e.poller == nil || e.pollerClosed {
		return
	}
	if err := e.poller.Wake(); err != nil {
		e.logger.Warn("wakeFailed", slog.Any("err", err))
	}
}

// accept accepts every pending connection
func (e *Engine) accept() {
	for {
		nfd, _, err := unix.Accept(e.lfd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				e.logger.Warn("acceptFailed", slog.Any("err", err), slog.String("errClass", errclass.New(err)))
			}
			return
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		// TCP_NODELAY: Disable Nagle's algorithm
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		e.register(nfd)
	}
}

// register creates the session for an accepted descriptor
func (e *Engine) register(fd int) {
	c := &conn{fd: fd, buf: e.bytePool.Get(readBufferSize)}
	id := runtimex.PanicOnError1(uuid.NewV7()).String()

	// Registered before the read deadline can fire
	e.mu.Lock()
	c.sess = session.New(id, &fdTransport{fd: fd}, e.guard, session.Config{
		ReadTimeout:  e.cfg.ReadTimeout,
		WriteTimeout: e.cfg.WriteTimeout,
	}, session.Hooks{
		OnResume: func(*session.Session) { e.enqueueResume(c) },
		OnClose:  func(_ *session.Session, cause error) { e.enqueueReap(c, cause) },
	}, e.logger)
	e.conns[id] = c
	e.mu.Unlock()
	e.fds[fd] = c

	if err := e.poller.Add(fd); err != nil {
		e.logger.Warn("pollAddFailed", slog.String("connID", id), slog.Any("err", err))
		c.sess.Close()
		return
	}

	e.logger.Debug("connAccepted", slog.String("connID", id), slog.Int("fd", fd))
}

// onDeadline runs on a guard timer goroutine
func (e *Engine) onDeadline(id string, kind timeout.Kind) {
	e.mu.Lock()
	c := e.conns[id]
	e.mu.Unlock()

	if c != nil {
		c.sess.Fail(fmt.Errorf("%w: %s deadline", session.ErrTimeout, kind))
	}
}

func (e *Engine) enqueueResume(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = append(e.resumed, c)
	e.wakeLocked()
}

func (e *Engine) enqueueReap(c *conn, cause error) {
	switch {
	case errors.Is(cause, session.ErrTimeout):
		e.monitor.RecordFault(observability.FaultTimeout, cause)
	case errors.Is(cause, session.ErrWriteFailure):
		e.monitor.RecordFault(observability.FaultWriteFailure, cause)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c.sess.ID())
	e.reaped = append(e.reaped, c)
	e.wakeLocked()
}

// drainQueues handles connections handed back by workers and timers
func (e *Engine) drainQueues() {
	e.mu.Lock()
	resumed, reaped := e.resumed, e.reaped
	e.resumed, e.reaped = nil, nil
	e.mu.Unlock()

	// The descriptor is already closed, which drops it from the poller
	for _, c := range reaped {
		if e.fds[c.fd] == c {
			delete(e.fds, c.fd)
		}
		if c.buf != nil {
			e.bytePool.Put(c.buf)
			c.buf = nil
		}
	}

	for _, c := range resumed {
		if c.buf == nil || c.sess.State() != session.Open {
			continue
		}
		if err := e.poller.Add(c.fd); err != nil {
			c.sess.Close()
			continue
		}
		// Pipelined requests may already be buffered
		e.process(c)
	}
}

// handleRead reads available bytes and decodes what it can
func (e *Engine) handleRead(c *conn) {
	if c.n == len(c.buf) && !e.grow(c) {
		return
	}

	n, err := c.sess.Read(c.buf[c.n:])
	c.n += n
	switch {
	case err == nil:
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrClosed):
		return
	case errors.Is(err, io.EOF):
		c.sess.Close()
		return
	default:
		e.logger.Debug("readFailed", slog.String("connID", c.sess.ID()), slog.Any("err", err))
		c.sess.Close()
		return
	}

	e.process(c)
}

// grow enlarges a full read buffer, rejecting requests beyond MaxRequestSize
func (e *Engine) grow(c *conn) bool {
	if len(c.buf) >= e.cfg.MaxRequestSize {
		e.reject(c, 413, http.ErrInvalidRequest)
		return false
	}

	buf := e.bytePool.Get(min(2*len(c.buf), e.cfg.MaxRequestSize))
	copy(buf, c.buf[:c.n])
	e.bytePool.Put(c.buf)
	c.buf = buf
	return true
}

// process decodes one buffered request and dispatches it
func (e *Engine) process(c *conn) {
	if c.n == 0 {
		return
	}

	req, consumed, err := http.ParseRequest(c.buf[:c.n])
	switch {
	case errors.Is(err, http.ErrIncomplete):
		return
	case errors.Is(err, http.ErrHeaderTooLarge):
		e.reject(c, 431, err)
		return
	case errors.Is(err, http.ErrUnsupportedEncoding):
		e.reject(c, 501, err)
		return
	case err != nil:
		e.reject(c, 400, err)
		return
	}

	c.n = copy(c.buf, c.buf[consumed:c.n])
	e.dispatch(c, req)
}

// dispatch hands a decoded request to the worker pool
func (e *Engine) dispatch(c *conn, req *http.Request) {
	if err := c.sess.Dispatch(req.KeepAlive()); err != nil {
		return
	}

	// No read interest until the response is written
	_ = e.poller.Remove(c.fd)

	e.logger.Debug(
		"requestDispatched",
		slog.String("connID", c.sess.ID()),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.String("proto", req.Proto),
	)

	if err := e.dispatcher.Submit(c.sess, req, e.cfg.Payload); err != nil {
		c.sess.Reject(http.NewErrorResponse(503))
	}
}

func (e *Engine) reject(c *conn, code int, err error) {
	e.monitor.RecordFault(observability.FaultBadRequest, err)
	e.logger.Warn(
		"requestRejected",
		slog.String("connID", c.sess.ID()),
		slog.Int("status", code),
		slog.Any("err", err),
	)
	c.sess.Reject(http.NewErrorResponse(code))
}

// Connections returns the number of open connections
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}
