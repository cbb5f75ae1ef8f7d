package rembashd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tflatt/rembashd/internal/interfaces"
)

// FakeLauncher implements interfaces.Launcher without spawning a real
// PTY or shell: it lets callers unit-test the server's
// accept/handshake/relay wiring against a plain socketpair standing in
// for a PTY master, and tracks method calls for verification the same
// way a mock collaborator would.
type FakeLauncher struct {
	mu           sync.Mutex
	launched     int
	closed       int
	failNext     bool
	lastMasterFD int
	shellEnds    map[int]int // masterFD -> the "shell" end the test drives
}

// NewFakeLauncher returns an empty FakeLauncher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{shellEnds: make(map[int]int)}
}

// Launch implements interfaces.Launcher by creating a non-blocking
// AF_UNIX socketpair and handing back one end as the "master" fd; the
// other end is retrievable via ShellEnd for the test to read/write as
// if it were the shell's side of the PTY.
func (l *FakeLauncher) Launch(ctx context.Context, clientFD int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.launched++
	if l.failNext {
		l.failNext = false
		return -1, fmt.Errorf("fake launcher: forced failure")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("fake launcher: socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, err
	}

	l.shellEnds[fds[0]] = fds[1]
	l.lastMasterFD = fds[0]
	return fds[0], nil
}

// Close implements interfaces.Launcher by closing both ends of the
// socketpair backing masterFD.
func (l *FakeLauncher) Close(masterFD int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed++
	if shellFD, ok := l.shellEnds[masterFD]; ok {
		unix.Close(shellFD)
		delete(l.shellEnds, masterFD)
	}
	return unix.Close(masterFD)
}

// FailNext makes the next call to Launch return an error, simulating
// a PTY allocation or shell-spawn failure.
func (l *FakeLauncher) FailNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = true
}

// ShellEnd returns the "shell" side of the socketpair for masterFD, so
// a test can write simulated shell output and read what the relay sent
// to it.
func (l *FakeLauncher) ShellEnd(masterFD int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, ok := l.shellEnds[masterFD]
	return fd, ok
}

// LaunchCount returns how many times Launch has been called.
func (l *FakeLauncher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched
}

// CloseCount returns how many times Close has been called.
func (l *FakeLauncher) CloseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// LastMasterFD returns the masterFD handed out by the most recent
// Launch call, for tests driving a single session at a time.
func (l *FakeLauncher) LastMasterFD() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMasterFD
}

var _ interfaces.Launcher = (*FakeLauncher)(nil)
