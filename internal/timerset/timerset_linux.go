//go:build linux

package timerset

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollTimerSet holds one timerfd per in-flight handshake inside its
// own epoll instance. The same eventfd wake discipline as the main
// poller applies: closing an epoll fd does not unblock epoll_wait, so
// Close signals a registered eventfd instead and the fds are released
// by whichever side observes the closed flag last.
type epollTimerSet struct {
	epfd   int
	wakeFD int

	mu       sync.Mutex
	waiting  bool
	closed   bool
	released bool
	fds      map[int]struct{}
	batch    []unix.EpollEvent
}

func newTimerSet() (TimerSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerset: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("timerset: eventfd: %w", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, ev); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("timerset: register wake fd: %w", err)
	}
	return &epollTimerSet{
		epfd:   epfd,
		wakeFD: wakeFD,
		fds:    make(map[int]struct{}),
		batch:  make([]unix.EpollEvent, 64),
	}, nil
}

func (s *epollTimerSet) Create(d time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("timerset: timerfd_create: %w", err)
	}

	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("timerset: timerfd_settime: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unix.Close(fd)
		return -1, ErrClosed
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		s.mu.Unlock()
		unix.Close(fd)
		return -1, fmt.Errorf("timerset: epoll_ctl add: %w", err)
	}
	s.fds[fd] = struct{}{}
	s.mu.Unlock()
	return fd, nil
}

func (s *epollTimerSet) Cancel(fd int) error {
	s.mu.Lock()
	_, ok := s.fds[fd]
	delete(s.fds, fd)
	if ok && !s.closed {
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.Close(fd)
}

func (s *epollTimerSet) Wait() ([]int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.releaseLocked()
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.waiting = true
		s.mu.Unlock()

		n, err := unix.EpollWait(s.epfd, s.batch, -1)

		s.mu.Lock()
		s.waiting = false
		if s.closed {
			s.releaseLocked()
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.mu.Unlock()

		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("timerset: epoll_wait: %w", err)
		}

		fired := make([]int, 0, n)
		for i := 0; i < n; i++ {
			fd := int(s.batch[i].Fd)
			if fd == s.wakeFD {
				continue
			}
			// Drain the timerfd's expiration counter so the fd does
			// not stay readable.
			var discard [8]byte
			unix.Read(fd, discard[:])
			fired = append(fired, fd)
		}
		if len(fired) == 0 {
			continue
		}
		return fired, nil
	}
}

func (s *epollTimerSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for fd := range s.fds {
		unix.Close(fd)
	}
	s.fds = nil
	if s.waiting {
		buf := [8]byte{1}
		unix.Write(s.wakeFD, buf[:])
		return nil
	}
	s.releaseLocked()
	return nil
}

func (s *epollTimerSet) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	unix.Close(s.wakeFD)
	unix.Close(s.epfd)
}
