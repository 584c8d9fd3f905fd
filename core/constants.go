package core

import (
	"errors"
	"time"
)

// Engine defaults
const (
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxRequestSize = 1 << 20

	// readBufferSize is the initial per-connection read buffer
	readBufferSize = 8192

	// pollTimeout bounds each poller wait, in milliseconds
	pollTimeout = 100

	// writePollInterval bounds each wait for socket writability
	writePollInterval = 50 * time.Millisecond
)

// Error definitions
var (
	ErrServerClosed = errors.New("server closed")
	ErrNotListening = errors.New("engine is not listening")
	ErrWriteAborted = errors.New("write aborted")
)
