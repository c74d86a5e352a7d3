// Package worker implements the per-worker readiness-multiplexing event
// loop: one goroutine services the control UDS plus every client socket
// assigned to this process, advancing each connection.Conn through its
// read/write state machine.
//
// Grounded on the epoll usage in the pack's other_examples references
// (searchktools-fast-server's core/poller, the raw epoll HTTP server
// snippet) and jroosing-HydraDNS's direct golang.org/x/sys/unix use for
// low-level socket syscalls.
package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EventKind is the readiness this fd is currently registered for.
type EventKind int

const (
	EventRead EventKind = iota
	EventWrite
)

// poller wraps a Linux epoll instance keyed by file descriptor.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("worker: epoll_create1: %w", err)
	}
	return &poller{epfd: fd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) add(fd int, kind EventKind) error {
	ev := unix.EpollEvent{Events: eventsFor(kind), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("worker: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, kind EventKind) error {
	ev := unix.EpollEvent{Events: eventsFor(kind), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("worker: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("worker: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// readyEvent is one ready fd paired with the readiness it fired for.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
}

// wait blocks up to timeoutMS milliseconds and returns the ready events.
func (p *poller) wait(timeoutMS int) ([]readyEvent, error) {
	events := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.epfd, events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("worker: epoll_wait: %w", err)
	}
	ready := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := events[i]
		ready = append(ready, readyEvent{
			fd:       int(e.Fd),
			readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: e.Events&unix.EPOLLOUT != 0,
		})
	}
	return ready, nil
}

func eventsFor(kind EventKind) uint32 {
	if kind == EventWrite {
		return unix.EPOLLOUT
	}
	return unix.EPOLLIN
}
