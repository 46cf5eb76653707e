//go:build !linux

package timerpool

import (
	"os"
	"sync"
	"time"
)

// pipeBackend fakes a pollable timer fd on platforms without timerfd: each
// timer is a pipe whose read end is the pollable fd, armed by writing a
// byte to the write end after the requested delay.
type pipeBackend struct {
	mu     sync.Mutex
	timers map[int]*pipeTimer
}

type pipeTimer struct {
	r, w *os.File
	stop chan struct{}
}

func newBackend() (backend, error) {
	return &pipeBackend{timers: make(map[int]*pipeTimer)}, nil
}

func (b *pipeBackend) create() (int, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	t := &pipeTimer{r: r, w: w, stop: make(chan struct{})}

	b.mu.Lock()
	b.timers[int(r.Fd())] = t
	b.mu.Unlock()
	return int(r.Fd()), nil
}

func (b *pipeBackend) arm(fd int, d time.Duration) error {
	b.mu.Lock()
	t, ok := b.timers[fd]
	b.mu.Unlock()
	if !ok {
		return os.ErrClosed
	}

	stop := make(chan struct{})
	t.stop = stop
	go func() {
		select {
		case <-time.After(d):
			_, _ = t.w.Write([]byte{1})
		case <-stop:
		}
	}()
	return nil
}

func (b *pipeBackend) disarm(fd int) error {
	b.mu.Lock()
	t, ok := b.timers[fd]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(t.stop)
	return nil
}

func (b *pipeBackend) close(fd int) error {
	b.mu.Lock()
	t, ok := b.timers[fd]
	delete(b.timers, fd)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	t.r.Close()
	t.w.Close()
	return nil
}
