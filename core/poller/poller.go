// Package poller wraps the platform I/O multiplexer (epoll, kqueue).
package poller

import "golang.org/x/sys/unix"

// Poller is the I/O multiplexing interface.
//
// Registered descriptors are level-triggered for readability. Wake may be
// called from any goroutine; the other methods belong to the event loop.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error

	// Wait blocks until descriptors are readable, Wake is called or timeout
	// (milliseconds, -1 for none) elapses. Wakeups are not reported as fds.
	Wait(timeout int) ([]int, error)

	// Wake interrupts a blocked or upcoming Wait
	Wake() error

	Close() error
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
