// Package table holds the per-connection client records rembashd
// multiplexes over, indexed by file descriptor.
package table

import (
	"sync"
	"time"

	"github.com/tflatt/rembashd/internal/constants"
)

// State is a client's position in the handshake/relay lifecycle.
type State int

const (
	// StateNew is assigned immediately after accept, before the
	// challenge has been written.
	StateNew State = iota
	// StateValidated means the secret has been read and matched; the
	// shell has not been spawned yet.
	StateValidated
	// StateEstablished means the PTY and shell are running and the
	// socket/master fds are being relayed bidirectionally.
	StateEstablished
	// StateTerminated is a tombstone: the record is about to be (or
	// has been) removed from the table.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateValidated:
		return "validated"
	case StateEstablished:
		return "established"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Record is one client's full session state. A Record is only ever
// mutated while its owning Table's mutex is held.
type Record struct {
	SocketFD int
	MasterFD int // PTY master fd, valid once State >= StateEstablished
	TimerFD  int // handshake timer fd, valid while State == StateNew

	State State

	// HandshakeStart is when the record entered StateNew, used to
	// compute handshake latency for metrics. It lives on the record
	// rather than a side map so access stays under the table's mutex.
	HandshakeStart time.Time

	// Unwritten holds bytes read from one side of the relay that could
	// not be fully written to the other side yet. Direction records
	// which fd the buffered bytes are destined for.
	Unwritten    []byte
	UnwrittenDir Direction
}

// Direction identifies which leg of the relay an unwritten buffer is
// queued for.
type Direction int

const (
	// ToShell means Unwritten is destined for MasterFD.
	ToShell Direction = iota
	// ToClient means Unwritten is destined for SocketFD.
	ToClient
)

// Table is the Client Table: a map of fd to Record, guarded by a
// single mutex. It is exercised from multiple worker goroutines at
// once, so every access goes through the exported methods below
// rather than direct field access.
type Table struct {
	mu      sync.Mutex
	records map[int]*Record
}

// New returns an empty client table.
func New() *Table {
	return &Table{records: make(map[int]*Record)}
}

// Add inserts a new record in StateNew for the given socket/timer fds.
// It returns false if a record already exists for socketFD.
func (t *Table) Add(socketFD, timerFD int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[socketFD]; exists {
		return false
	}
	t.records[socketFD] = &Record{
		SocketFD:       socketFD,
		MasterFD:       -1,
		TimerFD:        timerFD,
		State:          StateNew,
		HandshakeStart: time.Now(),
	}
	return true
}

// Get returns the record for fd and whether it exists. fd may be
// either the socket fd or, once established, the master fd — callers
// look up by whichever fd epoll just reported readable.
func (t *Table) Get(fd int) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[fd]
	return r, ok
}

// ByMaster returns the record whose MasterFD equals fd.
func (t *Table) ByMaster(fd int) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if r.MasterFD == fd {
			return r, true
		}
	}
	return nil, false
}

// Mutate runs fn with exclusive access to the record for fd. It is the
// only way callers are allowed to change a Record's fields, so that
// state transitions and unwritten-buffer updates are atomic with
// respect to other workers touching the same fd.
func (t *Table) Mutate(fd int, fn func(*Record)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[fd]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// Remove deletes the record keyed by socketFD from the table. The
// caller is responsible for closing the associated fds first.
func (t *Table) Remove(socketFD int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, socketFD)
}

// SocketFDs returns the socket fd of every tracked record. Used by the
// controller to scan for a timer fd match since the table keeps no
// separate timer index.
func (t *Table) SocketFDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fds := make([]int, 0, len(t.records))
	for fd := range t.records {
		fds = append(fds, fd)
	}
	return fds
}

// Len returns the number of live records, for metrics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// NewUnwrittenBuffer allocates an empty buffer with capacity for the
// relay's carry-over write. One relay step never reads more than
// constants.MaxLength bytes, so the remainder of a short write always
// fits.
func NewUnwrittenBuffer() []byte {
	return make([]byte, 0, constants.MaxLength)
}
