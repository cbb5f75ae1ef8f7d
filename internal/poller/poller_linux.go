//go:build linux

package poller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller is the real Poller implementation, backed by a single
// epoll instance. Every descriptor is registered
// EPOLLONESHOT|EPOLLET so a ready fd is reported exactly once per
// explicit rearm.
//
// An eventfd registered level-triggered alongside the real descriptors
// lets Close wake a Wait blocked in epoll_wait; closing the epoll fd
// alone does not unblock a pending wait.
type epollPoller struct {
	epfd   int
	wakeFD int

	mu       sync.Mutex
	waiting  bool
	closed   bool
	released bool
	events   []unix.EpollEvent
}

func newPoller(config Config) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("poller: register wake fd: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		wakeFD: wakeFD,
		events: make([]unix.EpollEvent, config.MaxEvents+1),
	}, nil
}

func toEpollEvents(m EventMask) uint32 {
	var e uint32 = unix.EPOLLONESHOT | unix.EPOLLET
	if m&EventIn != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventOut != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) EventMask {
	var m EventMask
	if e&unix.EPOLLIN != 0 {
		m |= EventIn
	}
	if e&unix.EPOLLOUT != 0 {
		m |= EventOut
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		m |= EventHup
	}
	if e&unix.EPOLLERR != 0 {
		m |= EventErr
	}
	return m
}

// ctl serializes epoll_ctl calls against Close so a registration can
// never race the epoll fd being released and reused.
func (p *epollPoller) ctl(op, fd int, ev *unix.EpollEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return unix.EpollCtl(p.epfd, op, fd, ev)
}

func (p *epollPoller) Add(fd int, events EventMask) error {
	ev := &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Rearm(fd int, events EventMask) error {
	ev := &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	}
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := p.ctl(unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != ErrClosed {
		return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (p *epollPoller) Wait() ([]Event, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.releaseLocked()
			p.mu.Unlock()
			return nil, ErrClosed
		}
		p.waiting = true
		p.mu.Unlock()

		n, err := unix.EpollWait(p.epfd, p.events, -1)

		p.mu.Lock()
		p.waiting = false
		if p.closed {
			p.releaseLocked()
			p.mu.Unlock()
			return nil, ErrClosed
		}
		p.mu.Unlock()

		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("poller: epoll_wait: %w", err)
		}

		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			if int(p.events[i].Fd) == p.wakeFD {
				continue
			}
			out = append(out, Event{
				FD:     int(p.events[i].Fd),
				Events: fromEpollEvents(p.events[i].Events),
			})
		}
		if len(out) == 0 {
			continue
		}
		return out, nil
	}
}

// Close wakes any blocked Wait and releases the epoll and wake fds.
// When a Wait is in flight, the fds are released by Wait on its way
// out rather than here, so a descriptor number is never reused while
// epoll_wait might still be entered on it.
func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.waiting {
		buf := [8]byte{1}
		unix.Write(p.wakeFD, buf[:])
		return nil
	}
	p.releaseLocked()
	return nil
}

func (p *epollPoller) releaseLocked() {
	if p.released {
		return
	}
	p.released = true
	unix.Close(p.wakeFD)
	unix.Close(p.epfd)
}
