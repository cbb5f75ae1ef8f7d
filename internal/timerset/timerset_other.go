//go:build !linux

package timerset

import "errors"

func newTimerSet() (TimerSet, error) {
	return nil, errors.New("timerset: timerfd not supported on this platform")
}
