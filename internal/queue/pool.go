// Package queue provides the worker pool that dispatches ready file
// descriptors to session handlers, plus a pooled buffer allocator for
// the relay's read/unwritten-carry-over path.
package queue

import (
	"sync"

	"github.com/tflatt/rembashd/internal/constants"
)

// globalPool is the shared relay buffer pool. Unlike a multi-bucket
// pool juggling several I/O sizes (128KB/256KB/512KB/1MB), the relay
// only ever moves constants.MaxLength-sized chunks, so a single bucket
// covers every caller.
var globalPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.MaxLength)
		return &b
	},
}

// GetBuffer returns a pooled buffer of exactly constants.MaxLength
// bytes. Callers must call PutBuffer when done.
func GetBuffer() []byte {
	return (*globalPool.Get().(*[]byte))[:constants.MaxLength]
}

// PutBuffer returns buf to the pool. Buffers of any other length are
// dropped rather than pooled, since nothing in the relay allocates any
// other size.
func PutBuffer(buf []byte) {
	if cap(buf) != constants.MaxLength {
		return
	}
	buf = buf[:constants.MaxLength]
	globalPool.Put(&buf)
}
