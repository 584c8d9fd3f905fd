//go:build linux

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	wakefd int // eventfd
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 1024),
	}
	if err := p.Add(wakefd); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{
		// Level-triggered; EPOLLRDHUP reports peer shutdown as readable
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		fds = append(fds, fd)
	}

	return fds, nil
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// Wake interrupts Wait
func (p *EpollPoller) Wake() error {
	buf := [8]byte{1} // little-endian counter increment of 1
	_, err := unix.Write(p.wakefd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil // counter saturated, a wakeup is already pending
	}
	return err
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
