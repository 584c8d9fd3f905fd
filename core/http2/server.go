// Package http2 serves the dispatcher through net/http, either as h2 over
// TLS (ALPN h2, http/1.1) or as cleartext h2c.
package http2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"github.com/searchktools/async-server/core/dispatch"
	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server provides HTTP/2 support with multiplexing and HPACK compression
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     observability.SLogger
	server     *http.Server
	h2         *http2.Server

	// TLS configuration for ALPN negotiation
	tlsConfig *tls.Config

	// Statistics
	stats struct {
		totalConnections atomic.Uint64
		totalStreams     atomic.Uint64
		rejected         atomic.Uint64
	}

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// Config contains HTTP/2 server configuration
type Config struct {
	Addr string

	// TLSConfig enables h2 over TLS; nil serves h2c
	TLSConfig *tls.Config

	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	IdleTimeout          time.Duration
	MaxRequestSize       int64

	// Payload is handed to the business function with every request
	Payload []byte

	Logger observability.SLogger
}

// Stats contains server statistics
type Stats struct {
	TotalConnections uint64 `json:"total_connections"`
	TotalStreams     uint64 `json:"total_streams"`
	Rejected         uint64 `json:"rejected"`
}

// NewServer creates a new HTTP/2 server that dispatches onto d
func NewServer(cfg Config, d *dispatch.Dispatcher) (*Server, error) {
	runtimex.Assert(d != nil)

	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20 // 1MB
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.DefaultSLogger()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     cfg.Logger,
	}

	// Configure HTTP/2 server
	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	// Create HTTP server
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateNew {
				s.stats.totalConnections.Add(1)
			}
		},
	}

	// Configure TLS with ALPN for HTTP/2
	if cfg.TLSConfig != nil {
		s.tlsConfig = cfg.TLSConfig.Clone()
		s.tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		s.server.TLSConfig = s.tlsConfig
		if err := http2.ConfigureServer(s.server, s.h2); err != nil {
			return nil, fmt.Errorf("http2: %w", err)
		}
	} else {
		// h2c (HTTP/2 cleartext)
		s.server.Handler = h2c.NewHandler(s, s.h2)
	}

	return s, nil
}

// Listen binds the listening socket
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve serves until ctx is done or Close is called
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New("http2: server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	protocol := "h2c"
	if s.tlsConfig != nil {
		protocol = "h2"
	}
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("protocol", protocol))

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the server down, letting in-flight responses complete
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout+time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return s.server.Close()
	}
	return nil
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	return Stats{
		TotalConnections: s.stats.totalConnections.Load(),
		TotalStreams:     s.stats.totalStreams.Load(),
		Rejected:         s.stats.rejected.Load(),
	}
}

// ServeHTTP turns each request into a WorkItem and waits for the worker's response
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.stats.totalStreams.Add(1)

	http1 := r.ProtoMajor == 1

	req, err := s.convert(w, r)
	if err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		s.reject(w, http1, code, err)
		return
	}

	c := newStreamConn(r.Context(), w, http1)
	if err := s.dispatcher.Submit(c, req, s.cfg.Payload); err != nil {
		s.reject(w, http1, http.StatusServiceUnavailable, err)
		return
	}

	c.wait()
}

// convert builds the decoded request the dispatcher works with
func (s *Server) convert(w http.ResponseWriter, r *http.Request) (*corehttp.Request, error) {
	req := &corehttp.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Proto:  r.Proto,
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.SetHeader(key, v)
		}
	}
	req.SetHeader("Host", r.Host)

	if q := r.URL.Query(); len(q) > 0 {
		req.Query = make(map[string]string, len(q))
		for key := range q {
			req.Query[key] = q.Get(key)
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Body = body
	}
	return req, nil
}

func (s *Server) reject(w http.ResponseWriter, http1 bool, code int, err error) {
	s.stats.rejected.Add(1)
	s.logger.Warn("requestRejected", slog.Int("status", code), slog.Any("err", err))

	_ = writeResponse(w, corehttp.NewErrorResponse(code), http1)
}

// streamConn is the dispatch.Conn of one net/http request
type streamConn struct {
	id    string
	ctx   context.Context
	w     http.ResponseWriter
	http1 bool

	mu        sync.Mutex
	claimed   bool
	abandoned bool
	done      chan struct{}
}

var _ dispatch.Conn = &streamConn{}

func newStreamConn(ctx context.Context, w http.ResponseWriter, http1 bool) *streamConn {
	return &streamConn{
		id:    runtimex.PanicOnError1(uuid.NewV7()).String(),
		ctx:   ctx,
		w:     w,
		http1: http1,
		done:  make(chan struct{}),
	}
}

func (c *streamConn) ID() string {
	return c.id
}

// Context is the request context, cancelled when the client goes away
func (c *streamConn) Context() context.Context {
	return c.ctx
}

func (c *streamConn) BeginWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abandoned || c.claimed || c.ctx.Err() != nil {
		return false
	}
	c.claimed = true
	return true
}

func (c *streamConn) WriteResponse(resp *corehttp.Response, closeAfter bool) error {
	defer close(c.done)

	if closeAfter {
		resp.SetKeepAlive(false)
	}
	return writeResponse(c.w, resp, c.http1)
}

// wait blocks the handler until the response is written or the client leaves.
// A claimed write always completes before the handler returns.
func (c *streamConn) wait() {
	select {
	case <-c.done:
		return
	case <-c.ctx.Done():
	}

	c.mu.Lock()
	claimed := c.claimed
	c.abandoned = true
	c.mu.Unlock()

	if claimed {
		<-c.done
	}
}

// writeResponse copies resp onto w; Connection only exists in HTTP/1.x
func writeResponse(w http.ResponseWriter, resp *corehttp.Response, http1 bool) error {
	header := w.Header()
	for key, value := range resp.Header {
		if key == corehttp.HeaderConnection && !http1 {
			continue
		}
		header.Set(key, value)
	}
	header.Set(corehttp.HeaderContentLength, strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.StatusCode)
	_, err := w.Write(resp.Body)
	return err
}
