package ctrl

import (
	"time"

	"github.com/tflatt/rembashd/internal/constants"
	"github.com/tflatt/rembashd/internal/interfaces"
)

// Params configures a Controller: a plain struct plus a default
// constructor, rather than functional options.
type Params struct {
	HandshakeTimeout time.Duration
	BufferCapacity   int

	Launcher interfaces.Launcher
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// DefaultParams returns Params wired to the given Launcher with the
// protocol's fixed handshake timing and buffer sizing.
func DefaultParams(launcher interfaces.Launcher) Params {
	return Params{
		HandshakeTimeout: constants.HandshakeTimeout,
		BufferCapacity:   constants.MaxLength,
		Launcher:         launcher,
	}
}
