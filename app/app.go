package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/searchktools/async-server/config"
	"github.com/searchktools/async-server/core"
	"github.com/searchktools/async-server/core/dispatch"
	"github.com/searchktools/async-server/core/http2"
	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/pools"
)

// App owns the dispatcher and the front end that feeds it.
//
// The plain HTTP/1.x path runs on the event-loop [core.Engine]; TLS and h2c
// are served by [http2.Server]. Both submit to the same dispatcher, which is
// created once here and closed once when Serve returns.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	monitor    *observability.PerformanceMonitor
	dispatcher *dispatch.Dispatcher

	// exactly one of these is set
	engine *core.Engine
	server *http2.Server
}

// NewLogger builds the process logger: text in development, JSON in production.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Env == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New creates an application instance logging to stderr
func New(cfg *config.Config) (*App, error) {
	return NewWithLogger(cfg, NewLogger(cfg, os.Stderr))
}

// NewWithLogger creates an application instance with a caller-supplied logger
func NewWithLogger(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.GCPercent > 0 {
		prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GCPercent})
		logger.Info("gcTuned", slog.Int("gcPercent", cfg.GCPercent), slog.Int("previous", prev))
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		monitor: observability.NewPerformanceMonitor(),
	}
	a.dispatcher = dispatch.New(dispatch.Config{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		Business:      dispatch.FixedPayload(cfg.BusinessDelay),
		Logger:        logger,
		Monitor:       a.monitor,
	})
	payload := []byte(cfg.Payload)

	if !cfg.TLS() && !cfg.H2C {
		a.engine = core.NewEngine(core.Config{
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Payload:      payload,
			Logger:       logger,
			Monitor:      a.monitor,
		}, a.dispatcher)
		return a, nil
	}

	scfg := http2.Config{
		Addr:         cfg.Addr(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Payload:      payload,
		Logger:       logger,
	}
	if cfg.TLS() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			a.dispatcher.Close()
			return nil, fmt.Errorf("app: loading TLS key pair: %w", err)
		}
		scfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	server, err := http2.NewServer(scfg, a.dispatcher)
	if err != nil {
		a.dispatcher.Close()
		return nil, err
	}
	a.server = server
	return a, nil
}

// Engine returns the event-loop engine, or nil when serving through net/http
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Monitor returns the monitor shared by the dispatcher and the engine
func (a *App) Monitor() *observability.PerformanceMonitor {
	return a.monitor
}

// Listen binds the configured port
func (a *App) Listen() error {
	if a.engine != nil {
		return a.engine.Listen(a.cfg.Addr())
	}
	return a.server.Listen()
}

// Addr returns the bound address after Listen
func (a *App) Addr() net.Addr {
	if a.engine != nil {
		return a.engine.Addr()
	}
	return a.server.Addr()
}

// Serve blocks until ctx is done, then releases the dispatcher
func (a *App) Serve(ctx context.Context) error {
	defer a.dispatcher.Close()

	addr := a.Addr()
	if addr == nil {
		return core.ErrNotListening
	}
	a.logger.Info(
		"serverStarting",
		slog.String("addr", addr.String()),
		slog.String("env", a.cfg.Env),
		slog.Int("workers", a.cfg.Workers),
		slog.Duration("businessDelay", a.cfg.BusinessDelay),
	)

	var err error
	if a.engine != nil {
		err = a.engine.Serve(ctx)
	} else {
		err = a.server.Serve(ctx)
	}

	a.report()
	return err
}

// Run serves until SIGINT or SIGTERM
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Listen(); err != nil {
		a.dispatcher.Close()
		return fmt.Errorf("app: listen: %w", err)
	}

	err := a.Serve(ctx)
	if err != nil && !errors.Is(err, core.ErrServerClosed) {
		return err
	}
	a.logger.Info("serverStopped")
	return nil
}

func (a *App) report() {
	stats := a.dispatcher.Stats()
	snap := a.monitor.Snapshot()

	faults := make([]any, 0, len(snap.Faults))
	for fault, n := range snap.Faults {
		faults = append(faults, slog.Uint64(string(fault), n))
	}
	a.logger.Info(
		"dispatchSummary",
		slog.Uint64("submitted", stats.TasksSubmitted),
		slog.Uint64("completed", stats.TasksCompleted),
		slog.Uint64("rejected", stats.TasksRejected),
		slog.Group("faults", faults...),
	)

	for _, b := range a.monitor.Bottlenecks() {
		a.logger.Warn(
			"bottleneck",
			slog.String("type", b.Type),
			slog.String("location", b.Location),
			slog.Int("severity", b.Severity),
			slog.String("details", b.Details),
		)
	}
}
