// Package config holds rembashd's resolved runtime configuration.
package config

import (
	"time"

	"github.com/tflatt/rembashd/internal/constants"
)

// Config is the fully resolved server configuration, built from CLI
// flags in cmd/rembashd and passed explicitly to the server rather than
// read from globals.
type Config struct {
	// Port is the TCP port to listen on.
	Port int

	// Workers is the fixed worker pool size.
	Workers int

	// HandshakeTimeout bounds how long a client has to deliver the
	// secret after being accepted.
	HandshakeTimeout time.Duration

	// Shell is the executable launched under the PTY for each
	// established session. Empty means "use $SHELL, falling back to
	// /bin/sh".
	Shell string

	// Verbose enables debug-level logging.
	Verbose bool
}

// Default returns the configuration rembashd runs with absent any
// flags.
func Default() Config {
	return Config{
		Port:             constants.DefaultPort,
		Workers:          constants.DefaultWorkers,
		HandshakeTimeout: constants.HandshakeTimeout,
		Shell:            "",
		Verbose:          false,
	}
}
