// Package dispatch moves decoded requests off the event loop.
//
// The event loop calls [*Dispatcher.Submit] with a [Conn] capability and the
// decoded request. A fixed set of workers drains the bounded FIFO queue, runs
// the [BusinessFunc] and writes the response back through the Conn, honoring
// the request's keep-alive intent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/searchktools/async-server/core/codec"
	"github.com/searchktools/async-server/core/http"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/pools"
)

var (
	// ErrQueueFull is returned by Submit when the work queue is at capacity
	ErrQueueFull = fmt.Errorf("dispatch: %w", pools.ErrQueueFull)

	// ErrClosed is returned by Submit after Close
	ErrClosed = fmt.Errorf("dispatch: %w", pools.ErrPoolClosed)

	// ErrBusinessFailure wraps errors and panics raised by the business function
	ErrBusinessFailure = errors.New("business logic failure")
)

// Conn is the write capability a WorkItem holds on its originating connection.
type Conn interface {
	// ID returns the connection identifier used in logs
	ID() string

	// Context is cancelled once the connection starts closing
	Context() context.Context

	// BeginWrite claims the connection for the response.
	// It returns false when the connection timed out or closed meanwhile.
	BeginWrite() bool

	// WriteResponse writes resp and applies the keep-alive policy
	WriteResponse(resp *http.Response, closeAfter bool) error
}

// BusinessFunc produces the response payload for a request.
//
// ctx is cancelled when the connection closes.
type BusinessFunc func(ctx context.Context, req *http.Request, payload []byte) ([]byte, error)

// FixedPayload returns a BusinessFunc that waits delay and answers with the
// configured payload. The wait ends early if ctx is cancelled.
func FixedPayload(delay time.Duration) BusinessFunc {
	return func(ctx context.Context, req *http.Request, payload []byte) ([]byte, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
		return payload, nil
	}
}

// WorkItem is one unit of deferred response work
type WorkItem struct {
	Conn     Conn
	Request  *http.Request
	Payload  []byte
	Enqueued time.Time
}

// Config configures a Dispatcher
type Config struct {
	// Workers is the fixed number of worker goroutines
	Workers int

	// QueueCapacity bounds the number of queued WorkItems
	QueueCapacity int

	// Business produces the response payload; defaults to FixedPayload(0)
	Business BusinessFunc

	// Logger defaults to [observability.DefaultSLogger]
	Logger observability.SLogger

	// Monitor is optional
	Monitor *observability.PerformanceMonitor
}

// Dispatcher runs business processing on a bounded worker pool
type Dispatcher struct {
	pool     *pools.WorkerPool
	business BusinessFunc
	logger   observability.SLogger
	monitor  *observability.PerformanceMonitor
	timeNow  func() time.Time
}

// New creates a Dispatcher and starts its workers
func New(cfg Config) *Dispatcher {
	runtimex.Assert(cfg.Workers > 0)
	runtimex.Assert(cfg.QueueCapacity > 0)

	d := &Dispatcher{
		business: cfg.Business,
		logger:   cfg.Logger,
		monitor:  cfg.Monitor,
		timeNow:  time.Now,
	}
	if d.business == nil {
		d.business = FixedPayload(0)
	}
	if d.logger == nil {
		d.logger = observability.DefaultSLogger()
	}

	d.pool = pools.NewWorkerPool(pools.WorkerPoolConfig{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		PanicHandler: func(v any) {
			d.logger.Error("workerPanic", slog.Any("panic", v))
		},
	})

	d.logger.Info(
		"dispatcherStarted",
		slog.Int("workers", cfg.Workers),
		slog.Int("queueCapacity", cfg.QueueCapacity),
	)
	return d
}

// Submit enqueues the request without blocking.
//
// It returns ErrQueueFull when the queue is at capacity; the caller owns the
// rejection (the engine answers 503 and closes).
func (d *Dispatcher) Submit(conn Conn, req *http.Request, payload []byte) error {
	item := d.newItem(conn, req, payload)
	return d.enqueueResult(conn, d.pool.TrySubmit(func() { d.execute(item) }))
}

// SubmitWait is like Submit but waits for queue space until ctx is done
func (d *Dispatcher) SubmitWait(ctx context.Context, conn Conn, req *http.Request, payload []byte) error {
	item := d.newItem(conn, req, payload)
	return d.enqueueResult(conn, d.pool.Submit(ctx, func() { d.execute(item) }))
}

func (d *Dispatcher) newItem(conn Conn, req *http.Request, payload []byte) *WorkItem {
	return &WorkItem{
		Conn:     conn,
		Request:  req,
		Payload:  payload,
		Enqueued: d.timeNow(),
	}
}

func (d *Dispatcher) enqueueResult(conn Conn, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pools.ErrQueueFull):
		d.monitor.RecordFault(observability.FaultQueueFull, nil)
		d.logger.Warn("queueFull", slog.String("connID", conn.ID()))
		return ErrQueueFull
	case errors.Is(err, pools.ErrPoolClosed):
		return ErrClosed
	default:
		return err
	}
}

// execute runs on a worker goroutine
func (d *Dispatcher) execute(item *WorkItem) {
	start := d.timeNow()
	d.monitor.RecordStage(observability.StageQueue, start.Sub(item.Enqueued), false)

	ctx := item.Conn.Context()
	if ctx.Err() != nil {
		d.logger.Debug("workSkipped", slog.String("connID", item.Conn.ID()))
		return
	}

	body, berr := d.runBusiness(ctx, item)
	d.monitor.RecordStage(observability.StageBusiness, d.timeNow().Sub(start), berr != nil)

	if !item.Conn.BeginWrite() {
		d.monitor.RecordFault(observability.FaultSuppressed, context.Cause(ctx))
		d.logger.Debug("writeSuppressed", slog.String("connID", item.Conn.ID()))
		return
	}

	writeStart := d.timeNow()
	resp, closeAfter := d.buildResponse(item, body, berr)
	werr := item.Conn.WriteResponse(resp, closeAfter)
	d.monitor.RecordStage(observability.StageWrite, d.timeNow().Sub(writeStart), werr != nil)

	if werr != nil {
		d.logger.Debug(
			"responseDropped",
			slog.String("connID", item.Conn.ID()),
			slog.Any("err", werr),
			slog.String("errClass", errclass.New(werr)),
		)
	}
}

// runBusiness calls the business function, converting panics to errors
func (d *Dispatcher) runBusiness(ctx context.Context, item *WorkItem) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrBusinessFailure, r)
		}
	}()

	body, err = d.business(ctx, item.Request, item.Payload)
	if err != nil && !errors.Is(err, ErrBusinessFailure) {
		err = fmt.Errorf("%w: %w", ErrBusinessFailure, err)
	}
	return body, err
}

// buildResponse returns the response and whether the connection closes after it
func (d *Dispatcher) buildResponse(item *WorkItem, body []byte, berr error) (*http.Response, bool) {
	if berr != nil {
		d.businessFailed(item, berr)
		return http.NewErrorResponse(500), true
	}

	c := codec.Negotiate(item.Request.Accept)
	encoded, err := c.Encode(body)
	if err != nil {
		d.businessFailed(item, fmt.Errorf("%w: %s encode: %w", ErrBusinessFailure, c.Name(), err))
		return http.NewErrorResponse(500), true
	}

	keepAlive := item.Request.KeepAlive()
	resp := http.NewResponse(200, encoded)
	resp.SetHeader(http.HeaderContentType, c.ContentType())
	resp.SetKeepAlive(keepAlive)
	return resp, !keepAlive
}

func (d *Dispatcher) businessFailed(item *WorkItem, err error) {
	d.monitor.RecordFault(observability.FaultBusinessFailure, err)
	d.logger.Error(
		"businessFailed",
		slog.String("connID", item.Conn.ID()),
		slog.String("method", item.Request.Method),
		slog.String("path", item.Request.Path),
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
	)
}

// Close stops accepting work, drains the queue and waits for the workers
func (d *Dispatcher) Close() {
	d.pool.Close()
	d.logger.Info("dispatcherClosed")
}

// Stats returns the worker pool counters
func (d *Dispatcher) Stats() pools.WorkerPoolStats {
	return d.pool.Stats()
}
