package core

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// fdTransport is a session.Transport over a non-blocking socket descriptor
type fdTransport struct {
	fd int
}

// Read reads whatever is available; unix.EAGAIN means nothing is
func (t *fdTransport) Read(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// TryWrite makes one write attempt
func (t *fdTransport) TryWrite(p []byte) (int, error) {
	n, err := unix.Write(t.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Write writes all of p, waiting for writability while the socket buffer is
// full. It gives up with ErrWriteAborted once abort is closed.
func (t *fdTransport) Write(p []byte, abort <-chan struct{}) error {
	for len(p) > 0 {
		n, err := unix.Write(t.fd, p)
		switch {
		case err == nil:
			p = p[n:]
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := t.waitWritable(abort); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func (t *fdTransport) waitWritable(abort <-chan struct{}) error {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
	for {
		select {
		case <-abort:
			return ErrWriteAborted
		default:
		}

		n, err := unix.Poll(fds, int(writePollInterval.Milliseconds()))
		switch {
		case errors.Is(err, unix.EINTR):
		case err != nil:
			return err
		case n > 0:
			// Writable, or in error: the next write reports which
			return nil
		}
	}
}

// Close closes the descriptor
func (t *fdTransport) Close() error {
	return unix.Close(t.fd)
}
