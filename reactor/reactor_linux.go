//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller.

package reactor

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxPoller is a level-triggered epoll instance.
type linuxPoller struct {
	mu     sync.Mutex
	epfd   int
	closed bool
	raw    []unix.EpollEvent
}

// NewPoller constructs the platform poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &linuxPoller{epfd: epfd}, nil
}

func toEpoll(interest Interest) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if interest&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func (p *linuxPoller) ctl(op, fd int, interest Interest) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ev := &unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Register adds fd to epoll.
func (p *linuxPoller) Register(fd int, interest Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, interest)
}

// Modify changes the interest of fd.
func (p *linuxPoller) Modify(fd int, interest Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, interest)
}

// Unregister removes fd from epoll.
func (p *linuxPoller) Unregister(fd int) error {
	err := p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait waits for epoll events and fills the result into events slice.
func (p *linuxPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	epfd := p.epfd
	p.mu.Unlock()

	n, err := unix.EpollWait(epfd, raw, ms)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		e := raw[i].Events
		events[i] = Event{
			Fd:       int(raw[i].Fd),
			Readable: e&unix.EPOLLIN != 0,
			Writable: e&unix.EPOLLOUT != 0,
			Hangup:   e&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

// Close closes the epoll instance.
func (p *linuxPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}
