package ctrl

import (
	"golang.org/x/sys/unix"

	"github.com/tflatt/rembashd/internal/poller"
	"github.com/tflatt/rembashd/internal/queue"
	"github.com/tflatt/rembashd/internal/table"
)

// fdsForDirection returns the (source, destination) fd pair a relay
// direction reads from and writes to.
func fdsForDirection(r *table.Record, dir table.Direction) (src, dst int) {
	if dir == table.ToShell {
		return r.SocketFD, r.MasterFD
	}
	return r.MasterFD, r.SocketFD
}

// desiredMask computes the epoll interest mask fd should carry given
// the record's current back-pressure state: every fd always wants
// EventIn, plus EventOut exactly when it is the destination a pending
// Unwritten buffer is blocked on.
func desiredMask(fd int, r *table.Record) poller.EventMask {
	mask := poller.EventIn
	if len(r.Unwritten) > 0 {
		blockedFD := r.SocketFD
		if r.UnwrittenDir == table.ToShell {
			blockedFD = r.MasterFD
		}
		if fd == blockedFD {
			mask |= poller.EventOut
		}
	}
	return mask
}

// relay implements one step of the byte relay: read whatever is
// available on the direction's source fd and forward it to the
// destination, carrying over any bytes the destination can't accept
// yet in Record.Unwritten, capped at constants.MaxLength so a slow
// peer can only ever block one connection's worth of memory rather
// than growing without bound. socketFD is the record key regardless of
// direction.
func (c *Controller) relay(socketFD int, dir table.Direction) {
	r, ok := c.table.Get(socketFD)
	if !ok {
		return
	}
	srcFD, dstFD := fdsForDirection(r, dir)

	if len(r.Unwritten) > 0 {
		// A carry-over is pending; no new read happens in either
		// direction until HandleWritable drains it, so the single
		// Unwritten buffer can never be clobbered by the opposite leg.
		// Re-arm so the edge isn't lost.
		c.poll.Rearm(srcFD, desiredMask(srcFD, r))
		return
	}

	buf := queue.GetBuffer()
	defer queue.PutBuffer(buf)

	n, err := unix.Read(srcFD, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.poll.Rearm(srcFD, desiredMask(srcFD, r))
			return
		}
		c.Terminate(socketFD, "relay read error")
		return
	}
	if n == 0 {
		c.Terminate(socketFD, "peer closed connection")
		return
	}

	c.writeOrBuffer(socketFD, dstFD, dir, buf[:n])
}

// writeOrBuffer writes data to dstFD, storing any unwritten remainder
// on the record and arming dstFD for EventOut so HandleWritable can
// finish the flush once dstFD drains.
func (c *Controller) writeOrBuffer(socketFD, dstFD int, dir table.Direction, data []byte) {
	written, err := unix.Write(dstFD, data)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.Terminate(socketFD, "relay write error")
			return
		}
		written = 0
	}
	if written < len(data) {
		remaining := append(table.NewUnwrittenBuffer(), data[written:]...)
		c.table.Mutate(socketFD, func(rec *table.Record) {
			rec.Unwritten = remaining
			rec.UnwrittenDir = dir
		})
		if c.params.Observer != nil {
			c.params.Observer.ObserveRelay(uint64(written), true)
		}
		if r, ok := c.table.Get(socketFD); ok {
			c.poll.Rearm(dstFD, desiredMask(dstFD, r))
		}
		return
	}

	if c.params.Observer != nil {
		c.params.Observer.ObserveRelay(uint64(written), false)
	}

	r, ok := c.table.Get(socketFD)
	if !ok {
		return
	}
	srcFD, _ := fdsForDirection(r, dir)
	c.poll.Rearm(srcFD, desiredMask(srcFD, r))
}

// flushUnwritten retries writing a record's buffered Unwritten bytes
// once the Multiplexer reports its destination fd writable again. On
// success it clears the backlog and re-arms the stalled reader so the
// relay resumes in the original order, with no bytes dropped or
// reordered across the stall.
func (c *Controller) flushUnwritten(socketFD int, r *table.Record) {
	if len(r.Unwritten) == 0 {
		return
	}
	src, dst := fdsForDirection(r, r.UnwrittenDir)

	written, err := unix.Write(dst, r.Unwritten)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.Terminate(socketFD, "flush write error")
			return
		}
		written = 0
	}

	if written < len(r.Unwritten) {
		c.table.Mutate(socketFD, func(rec *table.Record) {
			rec.Unwritten = rec.Unwritten[written:]
		})
		if r, ok := c.table.Get(socketFD); ok {
			c.poll.Rearm(dst, desiredMask(dst, r))
		}
		return
	}

	c.table.Mutate(socketFD, func(rec *table.Record) {
		rec.Unwritten = nil
	})
	r, ok := c.table.Get(socketFD)
	if !ok {
		return
	}
	c.poll.Rearm(dst, desiredMask(dst, r))
	c.poll.Rearm(src, desiredMask(src, r))
}
