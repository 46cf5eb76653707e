//go:build linux

package iomux

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollMux is the real Linux backend, implementing a readiness-style
// contract: a composite event mask per fd and a list of waiters, updated
// with epoll_ctl ADD/MOD/DEL as waiters come and go.
type epollMux struct {
	mu       sync.Mutex
	epfd     int
	fds      map[int]*fdState
	nextID   uint64
	waiters  int
}

type fdState struct {
	composite Event
	waiters   []*Waiter
}

// New returns the epoll-backed Mux.
func New() (Mux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iomux: epoll_create1: %w", err)
	}
	return &epollMux{epfd: epfd, fds: make(map[int]*fdState)}, nil
}

func toEpollEvents(m Event) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) Event {
	var m Event
	if e&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		m |= Error
	}
	if e&unix.EPOLLHUP != 0 {
		m |= HangUp
	}
	return m
}

func (m *epollMux) Add(fd int, mask Event) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, exists := m.fds[fd]
	if !exists {
		st = &fdState{}
		m.fds[fd] = st
	} else {
		for _, w := range st.waiters {
			if w.Mask&mask != 0 {
				return nil, fmt.Errorf("iomux: overlapping waiter mask on fd %d", fd)
			}
		}
	}

	m.nextID++
	w := &Waiter{FD: fd, Mask: mask, id: m.nextID}

	newComposite := st.composite | mask
	ev := unix.EpollEvent{Events: toEpollEvents(newComposite), Fd: int32(fd)}

	var err error
	if !exists {
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	} else if newComposite != st.composite {
		err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		delete(m.fds, fd)
		return nil, fmt.Errorf("iomux: epoll_ctl: %w", err)
	}

	st.composite = newComposite
	st.waiters = append(st.waiters, w)
	m.waiters++
	return w, nil
}

func (m *epollMux) Remove(w *Waiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(w)
}

func (m *epollMux) removeLocked(w *Waiter) error {
	st, ok := m.fds[w.FD]
	if !ok {
		return nil
	}
	idx := -1
	for i, cand := range st.waiters {
		if cand.id == w.id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	st.waiters = append(st.waiters[:idx], st.waiters[idx+1:]...)
	m.waiters--

	if len(st.waiters) == 0 {
		delete(m.fds, w.FD)
		return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, w.FD, nil)
	}

	var newComposite Event
	for _, rem := range st.waiters {
		newComposite |= rem.Mask
	}
	if newComposite != st.composite {
		st.composite = newComposite
		ev := unix.EpollEvent{Events: toEpollEvents(newComposite), Fd: int32(w.FD)}
		return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, w.FD, &ev)
	}
	return nil
}

func (m *epollMux) NumWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters
}

func (m *epollMux) Wait(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(m.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("iomux: epoll_wait: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []Ready
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		st, ok := m.fds[fd]
		if !ok {
			continue
		}
		observed := fromEpollEvents(events[i].Events)

		var fired []*Waiter
		var remaining []*Waiter
		for _, w := range st.waiters {
			if w.Mask&observed != 0 {
				fired = append(fired, w)
			} else {
				remaining = append(remaining, w)
			}
		}
		for _, w := range fired {
			ready = append(ready, Ready{Waiter: w, Events: observed & w.Mask})
		}
		m.waiters -= len(fired)
		st.waiters = remaining

		if len(remaining) == 0 {
			delete(m.fds, fd)
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		} else {
			var newComposite Event
			for _, w := range remaining {
				newComposite |= w.Mask
			}
			if newComposite != st.composite {
				st.composite = newComposite
				ev := unix.EpollEvent{Events: toEpollEvents(newComposite), Fd: int32(fd)}
				_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
			}
		}
	}
	return ready, nil
}

func (m *epollMux) Close() error {
	return unix.Close(m.epfd)
}
