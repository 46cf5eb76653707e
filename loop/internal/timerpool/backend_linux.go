//go:build linux

package timerpool

import (
	"time"

	"golang.org/x/sys/unix"
)

// timerfdBackend arms pooled timers via Linux's timerfd, so they can be
// registered with iomux's epoll backend like any other readable fd.
type timerfdBackend struct{}

func newBackend() (backend, error) {
	return timerfdBackend{}, nil
}

func (timerfdBackend) create() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
}

func (timerfdBackend) arm(fd int, d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

func (timerfdBackend) disarm(fd int) error {
	spec := unix.ItimerSpec{}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

func (timerfdBackend) close(fd int) error {
	return unix.Close(fd)
}
