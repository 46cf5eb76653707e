// Package timerpool implements a pooled OS timer: a free-stack of reusable
// timer descriptors that integrate with loop/internal/iomux as ordinary
// waitable file descriptors, so sleeping is just awaiting a timer's
// readiness.
package timerpool

import (
	"fmt"
	"sync"
	"time"
)

// Timer is one reusable OS timer handle.
type Timer struct {
	FD int // pollable via iomux.Mux.Add(timer.FD, iomux.Readable)
}

// backend abstracts the OS timer primitive so the pool can fall back to a
// portable implementation on platforms without timerfd.
type backend interface {
	create() (int, error)
	arm(fd int, d time.Duration) error
	disarm(fd int) error
	close(fd int) error
}

// Pool is a free-stack of idle timers, holding at most the cap passed to
// New; a timer freed while the stack is full is closed rather than
// recycled.
type Pool struct {
	mu      sync.Mutex
	backend backend
	free    []*Timer
	cap     int
}

// New returns a timer pool backed by the OS's native timer facility
// (timerfd on Linux), capped at holding `cap` idle timers for reuse.
func New(cap int) (*Pool, error) {
	b, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("timerpool: %w", err)
	}
	return &Pool{backend: b, cap: cap}, nil
}

// Get pops a pooled timer, or allocates a new one if the pool is empty.
func (p *Pool) Get() (*Timer, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		t := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	fd, err := p.backend.create()
	if err != nil {
		return nil, fmt.Errorf("timerpool: create: %w", err)
	}
	return &Timer{FD: fd}, nil
}

// Set arms t to fire once after d.
func (p *Pool) Set(t *Timer, d time.Duration) error {
	if err := p.backend.arm(t.FD, d); err != nil {
		return fmt.Errorf("timerpool: arm: %w", err)
	}
	return nil
}

// Free returns t to the pool, closing it instead if the pool is at
// capacity.
func (p *Pool) Free(t *Timer) {
	_ = p.backend.disarm(t.FD)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.cap {
		_ = p.backend.close(t.FD)
		return
	}
	p.free = append(p.free, t)
}

// Close releases every idle timer on the free-stack. Timers currently
// handed out by Get are not tracked and are not closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, t := range p.free {
		if err := p.backend.close(t.FD); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	return firstErr
}
