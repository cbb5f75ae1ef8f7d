package rembashd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tflatt/rembashd/internal/config"
	"github.com/tflatt/rembashd/internal/constants"
	"github.com/tflatt/rembashd/internal/ctrl"
	"github.com/tflatt/rembashd/internal/interfaces"
	"github.com/tflatt/rembashd/internal/netutil"
	"github.com/tflatt/rembashd/internal/poller"
	"github.com/tflatt/rembashd/internal/queue"
	"github.com/tflatt/rembashd/internal/shell"
	"github.com/tflatt/rembashd/internal/timerset"
)

// Server is the multiplexer and event loop: it owns the listening
// socket, the primary readiness set, the handshake timer set, and the
// fixed worker pool, and drives all three through the dispatch logic
// in internal/ctrl. One constructor, one blocking serve call.
type Server struct {
	cfg     config.Config
	logger  interfaces.Logger
	metrics *Metrics

	listener *netutil.Listener
	poll     poller.Poller
	timers   timerset.TimerSet
	pool     *queue.Pool
	launcher interfaces.Launcher
	ctrl     *ctrl.Controller

	ctx context.Context
	wg  sync.WaitGroup
}

// New builds a Server from cfg, wiring a real PTY/shell launcher.
func New(cfg config.Config, logger interfaces.Logger) (*Server, error) {
	return NewWithLauncher(cfg, logger, shell.New(cfg.Shell))
}

// NewWithLauncher builds a Server with an explicit Launcher, the seam
// tests use to substitute FakeLauncher for a real PTY and shell.
func NewWithLauncher(cfg config.Config, logger interfaces.Logger, launcher interfaces.Launcher) (*Server, error) {
	poll, err := poller.New(poller.Config{MaxEvents: constants.MaxEvents})
	if err != nil {
		return nil, NewError("server.New", ErrCodePollerError, err.Error())
	}

	timers, err := timerset.New()
	if err != nil {
		poll.Close()
		return nil, NewError("server.New", ErrCodePollerError, err.Error())
	}

	ln, err := netutil.Listen(fmt.Sprintf(":%d", cfg.Port), constants.ListenBacklog)
	if err != nil {
		poll.Close()
		timers.Close()
		return nil, NewError("server.New", ErrCodeAcceptFailed, err.Error())
	}

	metrics := NewMetrics()
	params := ctrl.DefaultParams(launcher)
	params.HandshakeTimeout = cfg.HandshakeTimeout
	params.Logger = logger
	params.Observer = NewMetricsObserver(metrics)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		listener: ln,
		poll:     poll,
		timers:   timers,
		launcher: launcher,
		ctrl:     ctrl.New(params, poll, timers),
	}
	return s, nil
}

// Metrics returns a point-in-time snapshot of the server's counters.
func (s *Server) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot(uint64(s.ctrl.SessionCount()))
}

// ListenAndServe runs the Multiplexer's event loop and the Timer
// Set's expiry loop on two interacting goroutines until ctx is
// cancelled, then tears down every owned resource and returns. Accept
// and timer-expiry handling happen inline on their own goroutines,
// never queued behind worker backlog.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.ctx = ctx

	if err := s.poll.Add(s.listener.Fd(), poller.EventIn); err != nil {
		return NewError("ListenAndServe", ErrCodePollerError, err.Error())
	}

	s.pool = queue.New(queue.Config{
		Size:       s.cfg.Workers,
		QueueDepth: s.cfg.Workers * 4,
		Handler:    s.dispatch,
		Logger:     s.logger,
	})
	s.pool.Start(ctx)

	s.wg.Add(2)
	go s.timerLoop()
	go s.multiplexLoop()

	if s.logger != nil {
		s.logger.Info("rembashd listening", "addr", s.listener.Addr().String(), "workers", s.cfg.Workers)
	}

	<-ctx.Done()

	s.shutdown()
	s.wg.Wait()
	s.pool.Stop()
	return nil
}

// multiplexLoop is the Multiplexer: it blocks on the primary readiness
// set and, for every event, either runs the cheap accept path inline,
// terminates a hung-up/errored descriptor inline, or enqueues the
// descriptor for a worker to dispatch.
func (s *Server) multiplexLoop() {
	defer s.wg.Done()
	for {
		events, err := s.poll.Wait()
		if err != nil {
			if s.stopping() {
				return
			}
			if s.logger != nil {
				s.logger.Error("poller wait failed", "error", err)
			}
			return
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev poller.Event) {
	if ev.FD == s.listener.Fd() {
		s.acceptReady()
		return
	}
	if ev.Events&(poller.EventHup|poller.EventErr) != 0 {
		s.ctrl.TerminateFD(ev.FD, "peer hang-up or error")
		return
	}
	if ok := s.pool.Submit(queue.Task{FD: ev.FD, Events: uint32(ev.Events)}); !ok {
		// Queue was full: rearm with the same interest rather than
		// leaving the one-shot descriptor unwatched forever. A queue
		// sized to several times the fd count makes this effectively
		// impossible; rearming is the best available recovery if it
		// ever happens anyway.
		mask := ev.Events & (poller.EventIn | poller.EventOut)
		if mask == 0 {
			mask = poller.EventIn
		}
		s.poll.Rearm(ev.FD, mask)
	}
}

// acceptReady drains every pending connection on the listening
// socket. accept(2) is edge-triggered here too, so it must be called
// until it reports "would block", registering each in the Client
// Table via the Controller before rearming the listening descriptor.
func (s *Server) acceptReady() {
	for {
		fd, err := s.listener.Accept()
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if s.logger != nil {
				s.logger.Warn("accept failed", "error", err)
			}
			break
		}
		if err := s.ctrl.Accept(fd); err != nil && s.logger != nil {
			s.logger.Warn("handshake init failed", "error", err)
		}
	}
	if err := s.poll.Rearm(s.listener.Fd(), poller.EventIn); err != nil && s.logger != nil {
		s.logger.Error("failed to rearm listener", "error", err)
	}
}

// timerLoop is the Timer Set's own drain loop: it blocks until at
// least one handshake deadline fires and terminates every client still
// in StateNew when its timer expires.
func (s *Server) timerLoop() {
	defer s.wg.Done()
	for {
		fired, err := s.timers.Wait()
		if err != nil {
			if s.stopping() {
				return
			}
			if s.logger != nil {
				s.logger.Error("timer set wait failed", "error", err)
			}
			return
		}
		for _, fd := range fired {
			s.ctrl.HandleTimeout(fd)
		}
	}
}

// dispatch is the Worker Pool's handler: it runs the Dispatcher for
// whatever readiness the Multiplexer reported for this descriptor.
// Rearming happens inside internal/ctrl as each path completes.
func (s *Server) dispatch(t queue.Task) {
	events := poller.EventMask(t.Events)
	if events&poller.EventIn != 0 {
		s.ctrl.HandleReadable(s.ctx, t.FD)
	}
	if events&poller.EventOut != 0 {
		s.ctrl.HandleWritable(t.FD)
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// shutdown closes every resource owned by the Server, unblocking the
// multiplexer and timer goroutines' pending Wait calls so they observe
// ctx.Done() and return.
func (s *Server) shutdown() {
	s.metrics.Stop()
	s.listener.Close()
	s.poll.Close()
	s.timers.Close()
}
