// Package interfaces provides internal interface definitions for rembashd.
// These are separate from the public package to avoid circular imports
// between the root package and the internal packages that implement it.
package interfaces

import "context"

// Launcher is the shell collaborator contract: given a
// client socket fd (used only for log/metric correlation), it starts an
// interactive shell under a fresh PTY and returns the non-blocking
// master descriptor. The slave is bound to the shell's stdin/stdout/
// stderr with the shell set as its own session leader.
type Launcher interface {
	Launch(ctx context.Context, clientFD int) (masterFD int, err error)

	// Close releases masterFD and tears down the shell process behind
	// it. The shell is expected to exit once its PTY master is gone.
	Close(masterFD int) error
}

// Logger is the minimal logging surface consumed by internal packages.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer collects session-lifecycle and relay metrics. Implementations
// must be safe for concurrent use: methods are called from worker
// goroutines handling different descriptors simultaneously.
type Observer interface {
	ObserveAccept()
	ObserveHandshake(latencyNs uint64, success bool)
	ObserveRelay(bytes uint64, partial bool)
	ObserveTerminate(reason string)
}
