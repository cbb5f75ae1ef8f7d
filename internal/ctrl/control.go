// Package ctrl implements the handshake controller, dispatcher and
// termination logic: the state machine driving a client from accept
// through challenge/secret validation, PTY/shell launch, byte relay,
// and eventual cleanup.
package ctrl

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tflatt/rembashd/internal/constants"
	"github.com/tflatt/rembashd/internal/poller"
	"github.com/tflatt/rembashd/internal/table"
	"github.com/tflatt/rembashd/internal/timerset"
)

// Controller owns the client table and drives every state transition
// in response to events the Multiplexer and Timer Set report. All
// exported methods are safe to call concurrently from worker
// goroutines handling different descriptors.
type Controller struct {
	params Params
	table  *table.Table
	poll   poller.Poller
	timers timerset.TimerSet
}

// New creates a Controller. poll and timers are owned by the caller
// (typically the top-level Server) and shared across every session.
func New(params Params, poll poller.Poller, timers timerset.TimerSet) *Controller {
	return &Controller{
		params: params,
		table:  table.New(),
		poll:   poll,
		timers: timers,
	}
}

// Accept registers a newly accepted client connection: adds it to the
// table in StateNew, arms its handshake timer, and writes the
// challenge before the main loop ever sees the fd again.
func (c *Controller) Accept(socketFD int) error {
	timerFD, err := c.timers.Create(c.params.HandshakeTimeout)
	if err != nil {
		unix.Close(socketFD)
		return fmt.Errorf("ctrl: arm handshake timer: %w", err)
	}

	if !c.table.Add(socketFD, timerFD) {
		c.timers.Cancel(timerFD)
		unix.Close(socketFD)
		return fmt.Errorf("ctrl: fd %d already tracked", socketFD)
	}

	if err := c.poll.Add(socketFD, poller.EventIn); err != nil {
		c.Terminate(socketFD, "poller add failed")
		return err
	}

	if err := writeFull(socketFD, []byte(constants.Challenge)); err != nil {
		c.Terminate(socketFD, "challenge write failed")
		return err
	}

	if c.params.Observer != nil {
		c.params.Observer.ObserveAccept()
	}
	return nil
}

// HandleTimeout is called when the timer set reports a handshake
// deadline passing. Any client still in StateNew when its timer fires
// is terminated silently — no error token, the client simply never
// receives <ok>.
func (c *Controller) HandleTimeout(timerFD int) {
	socketFD, ok := c.findByTimer(timerFD)
	if !ok {
		return
	}
	if c.params.Logger != nil {
		c.params.Logger.Info("handshake timed out", "fd", socketFD)
	}
	if c.params.Observer != nil {
		c.params.Observer.ObserveHandshake(c.handshakeLatency(socketFD), false)
	}
	c.Terminate(socketFD, "handshake timeout")
}

func (c *Controller) findByTimer(timerFD int) (int, bool) {
	found := -1
	// Table has no direct timer index; scan is acceptable since the
	// number of in-flight handshakes is small and bounded by accept
	// rate, not by total established sessions.
	for _, fd := range c.socketFDs() {
		if r, ok := c.table.Get(fd); ok && r.State == table.StateNew && r.TimerFD == timerFD {
			found = fd
			break
		}
	}
	return found, found >= 0
}

// socketFDs is a small helper exposing the live socket fds so
// HandleTimeout can scan them; it intentionally does not expose the
// table's internals beyond fd numbers.
func (c *Controller) socketFDs() []int {
	return c.table.SocketFDs()
}

func (c *Controller) handshakeLatency(socketFD int) uint64 {
	r, ok := c.table.Get(socketFD)
	if !ok || r.HandshakeStart.IsZero() {
		return 0
	}
	return uint64(time.Since(r.HandshakeStart).Nanoseconds())
}

// HandleReadable is the Dispatcher: given a ready fd, it looks the fd
// up in the table and advances whatever state transition that
// readiness implies — validating the secret, relaying client-to-shell
// bytes, or relaying shell-to-client bytes.
func (c *Controller) HandleReadable(ctx context.Context, fd int) {
	if r, ok := c.table.Get(fd); ok {
		switch r.State {
		case table.StateNew:
			c.validate(ctx, fd)
		case table.StateEstablished:
			c.relay(r.SocketFD, table.ToShell)
		}
		return
	}
	if r, ok := c.table.ByMaster(fd); ok && r.State == table.StateEstablished {
		c.relay(r.SocketFD, table.ToClient)
	}
}

// HandleWritable is called when the Multiplexer reports a previously
// blocked fd has become writable again, so any buffered Unwritten
// bytes for that direction can be flushed.
func (c *Controller) HandleWritable(fd int) {
	socketFD, r, ok := c.recordForEitherFD(fd)
	if !ok || r.State != table.StateEstablished {
		return
	}
	c.flushUnwritten(socketFD, r)
}

func (c *Controller) recordForEitherFD(fd int) (int, *table.Record, bool) {
	if r, ok := c.table.Get(fd); ok {
		return fd, r, true
	}
	if r, ok := c.table.ByMaster(fd); ok {
		return r.SocketFD, r, true
	}
	return 0, nil, false
}

// validate reads the client's response to the challenge and compares
// it to the fixed secret with a single-shot, bounded read.
func (c *Controller) validate(ctx context.Context, socketFD int) {
	buf := make([]byte, constants.MaxLength-1)
	n, err := unix.Read(socketFD, buf)
	if err != nil || n <= 0 {
		c.failHandshake(socketFD, "no response to challenge")
		return
	}

	if string(buf[:n]) != constants.Secret {
		writeFull(socketFD, []byte(constants.ErrorMsg)) // best effort
		c.failHandshake(socketFD, "secret mismatch")
		return
	}

	r, ok := c.table.Get(socketFD)
	if !ok {
		return
	}
	c.timers.Cancel(r.TimerFD)

	masterFD, err := c.params.Launcher.Launch(ctx, socketFD)
	if err != nil {
		c.failHandshake(socketFD, "shell launch failed")
		return
	}

	if err := c.poll.Add(masterFD, poller.EventIn); err != nil {
		c.failHandshake(socketFD, "poller add for master failed")
		return
	}

	c.table.Mutate(socketFD, func(rec *table.Record) {
		rec.State = table.StateEstablished
		rec.MasterFD = masterFD
	})

	if err := writeFull(socketFD, []byte(constants.Proceed)); err != nil {
		c.Terminate(socketFD, "proceed write failed")
		return
	}

	if err := c.poll.Rearm(socketFD, poller.EventIn); err != nil {
		c.Terminate(socketFD, "rearm after established failed")
		return
	}

	if c.params.Observer != nil {
		c.params.Observer.ObserveHandshake(c.handshakeLatency(socketFD), true)
	}
	if c.params.Logger != nil {
		c.params.Logger.Info("session established", "fd", socketFD, "master", masterFD)
	}
}

func (c *Controller) failHandshake(socketFD int, reason string) {
	if c.params.Observer != nil {
		c.params.Observer.ObserveHandshake(c.handshakeLatency(socketFD), false)
	}
	c.Terminate(socketFD, reason)
}

// writeFull writes all of data to fd, retrying short writes until the
// whole token is out or the peer errors. The handshake tokens are a
// few bytes against an empty socket buffer, so the retry loop runs at
// most a handful of times in practice.
func writeFull(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// Terminate tears down a session's resources unconditionally: cancels
// any outstanding handshake timer, removes the socket and (if present)
// master fd from the Multiplexer, closes both descriptors, stops the
// shell process, and drops the table entry, for any reason a session
// ends (EOF, error, signal).
func (c *Controller) Terminate(socketFD int, reason string) {
	r, ok := c.table.Get(socketFD)
	if !ok {
		// Already torn down. Closing here would risk hitting a reused
		// descriptor number, so a second Terminate is a strict no-op.
		return
	}

	if r.State == table.StateNew {
		c.timers.Cancel(r.TimerFD)
	}

	c.poll.Remove(socketFD)
	unix.Close(socketFD)

	if r.MasterFD >= 0 {
		c.poll.Remove(r.MasterFD)
		if c.params.Launcher != nil {
			c.params.Launcher.Close(r.MasterFD)
		} else {
			unix.Close(r.MasterFD)
		}
	}

	c.table.Remove(socketFD)

	if c.params.Observer != nil {
		c.params.Observer.ObserveTerminate(reason)
	}
	if c.params.Logger != nil {
		c.params.Logger.Debug("session terminated", "fd", socketFD, "reason", reason)
	}
}

// SessionCount returns the number of tracked clients, handshaking or
// established, for metrics and tests.
func (c *Controller) SessionCount() int {
	return c.table.Len()
}

// TerminateFD terminates the session owning fd, whichever of its two
// descriptors (socket or PTY master) the Multiplexer happened to
// report. Used for hang-up/error events, which go straight to
// termination without the Dispatcher's state-based branching.
func (c *Controller) TerminateFD(fd int, reason string) {
	socketFD, _, ok := c.recordForEitherFD(fd)
	if !ok {
		return
	}
	c.Terminate(socketFD, reason)
}
