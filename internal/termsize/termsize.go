//go:build linux

// Package termsize is the CLI-side half of the signal router described in
// spec section 4.4: nsctl's "attach" command watches SIGWINCH on its own
// controlling terminal and turns each one into a "resize" RPC call,
// using the same signalfd-backed pattern internal/sigfd uses daemon-side.
package termsize

import (
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/sigfd"
)

// Watcher delivers the current terminal size once per SIGWINCH.
type Watcher struct {
	router *sigfd.Router
	fd     int
}

// New blocks SIGWINCH for the calling process and returns a Watcher that
// reads it via signalfd, the same mechanism sigfd.New uses for the
// daemon's SIGINT/SIGCHLD.
func New() (*Watcher, error) {
	router, err := sigfd.New(unix.SIGWINCH)
	if err != nil {
		return nil, err
	}
	return &Watcher{router: router, fd: int(unix.Stdout)}, nil
}

// FD is the signalfd descriptor, suitable for select/poll alongside the
// attach session's own stdin-copy loop.
func (w *Watcher) FD() int { return w.router.FD() }

// Next blocks until a SIGWINCH has been observed and returns the new
// terminal size read via TIOCGWINSZ on stdout.
func (w *Watcher) Next() (cols, rows uint16, err error) {
	fds := []unix.PollFd{{Fd: int32(w.router.FD()), Events: unix.POLLIN}}
	for {
		if _, err := unix.Poll(fds, -1); err == nil {
			break
		} else if err != unix.EINTR {
			return 0, 0, err
		}
	}
	if _, err := w.router.Next(); err != nil {
		return 0, 0, err
	}
	ws, err := unix.IoctlGetWinsize(w.fd, unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, err
	}
	return ws.Col, ws.Row, nil
}

// Close releases the underlying signalfd.
func (w *Watcher) Close() error { return w.router.Close() }
