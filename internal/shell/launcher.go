// Package shell spawns the interactive shell each established session
// relays bytes to and from: a fresh PTY, a child set as its own
// session leader with the slave wired to its stdio, the non-blocking
// master handed back to the caller for the Multiplexer to watch.
package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/tflatt/rembashd/internal/interfaces"
)

// Launcher implements interfaces.Launcher using github.com/creack/pty.
// It owns the *os.File and *exec.Cmd for every session it starts, since
// the byte relay only ever deals in raw file descriptors — Launcher
// is where those descriptors are created and eventually torn down.
type Launcher struct {
	// Shell is the executable to run under the PTY. Empty means "use
	// $SHELL, falling back to /bin/sh".
	Shell string

	mu       sync.Mutex
	sessions map[int]*session
}

type session struct {
	master *os.File
	cmd    *exec.Cmd
}

// New returns a Launcher that spawns shell (or the default if empty)
// under a fresh PTY for every session.
func New(shell string) *Launcher {
	return &Launcher{
		Shell:    shell,
		sessions: make(map[int]*session),
	}
}

func (l *Launcher) resolveShell() string {
	if l.Shell != "" {
		return l.Shell
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// Launch starts the configured shell under a new PTY, set as its own
// session leader, and returns a non-blocking duplicate of the PTY
// master's file descriptor. The duplicate exists so the returned fd's
// lifetime is independent of Go's *os.File finalizer; the caller (and
// eventually Close) owns it.
func (l *Launcher) Launch(ctx context.Context, clientFD int) (int, error) {
	cmd := exec.CommandContext(ctx, l.resolveShell())
	cmd.Env = append(os.Environ(), "TERM=xterm")
	if home, err := user.Current(); err == nil {
		cmd.Dir = home.HomeDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	master, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("shell: failed to start %s under pty: %w", l.resolveShell(), err)
	}

	dupFD, err := unix.Dup(int(master.Fd()))
	if err != nil {
		master.Close()
		_ = cmd.Process.Kill()
		return -1, fmt.Errorf("shell: dup master fd: %w", err)
	}
	if err := unix.SetNonblock(dupFD, true); err != nil {
		unix.Close(dupFD)
		master.Close()
		_ = cmd.Process.Kill()
		return -1, fmt.Errorf("shell: set nonblocking: %w", err)
	}

	l.mu.Lock()
	l.sessions[dupFD] = &session{master: master, cmd: cmd}
	l.mu.Unlock()

	return dupFD, nil
}

// Close terminates the shell process owning masterFD and releases its
// PTY master, both the duplicate handed to the caller and the
// original *os.File.
func (l *Launcher) Close(masterFD int) error {
	l.mu.Lock()
	s, ok := l.sessions[masterFD]
	delete(l.sessions, masterFD)
	l.mu.Unlock()
	if !ok {
		return unix.Close(masterFD)
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGHUP)
	}
	closeErr := unix.Close(masterFD)
	_ = s.master.Close()
	go s.cmd.Wait() // reap without blocking the caller
	return closeErr
}

var _ interfaces.Launcher = (*Launcher)(nil)
