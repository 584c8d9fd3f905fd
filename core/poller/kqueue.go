//go:build darwin

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// wakeIdent identifies the EVFILT_USER wakeup event
const wakeIdent = 0

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	p := &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
	}

	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	return p, nil
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		// Level-triggered; EV_CLEAR would make the loop responsible for draining
		Flags: unix.EV_ADD | unix.EV_ENABLE,
	}

	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}

	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if p.events[i].Filter == unix.EVFILT_USER {
			continue
		}
		fds = append(fds, int(p.events[i].Ident))
	}

	return fds, nil
}

// Wake interrupts Wait
func (p *KqueuePoller) Wake() error {
	ev := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
