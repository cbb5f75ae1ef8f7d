//go:build !linux

package poller

func newPoller(config Config) (Poller, error) {
	return nil, errUnsupported
}
