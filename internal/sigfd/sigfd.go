//go:build linux

// Package sigfd is the signal router from spec section 4.4: SIGINT,
// SIGCHLD (daemon side) and SIGWINCH (CLI attach, see internal/termsize)
// all arrive as one fd the event loop can select on, instead of an
// asynchronous signal handler. The signals routed through a Router are
// blocked at the process level first, so only the signalfd ever observes
// them.
package sigfd

import (
	"unsafe"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Router owns a signalfd(2) descriptor for a fixed set of signals.
type Router struct {
	fd      int
	mask    unix.Sigset_t
	blocked mapset.Set
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	set.Val[(sig-1)/64] |= 1 << (uint(sig-1) % 64)
}

// New blocks the given signals process-wide and returns a Router whose
// FD becomes readable whenever one of them is pending. Duplicate signals
// in the argument list are folded into one blocked entry.
func New(signals ...unix.Signal) (*Router, error) {
	var mask unix.Sigset_t
	blocked := mapset.NewSet()
	for _, s := range signals {
		if blocked.Contains(s) {
			continue
		}
		blocked.Add(s)
		addSignal(&mask, s)
	}
	if err := unix.SigprocMask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return nil, errors.Wrap(err, "sigfd: sigprocmask")
	}
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "sigfd: signalfd")
	}
	return &Router{fd: fd, mask: mask, blocked: blocked}, nil
}

// Blocked lists the signals this router has blocked process-wide, for a
// startup debug-log line enumerating them.
func (r *Router) Blocked() []unix.Signal {
	out := make([]unix.Signal, 0, r.blocked.Cardinality())
	for s := range r.blocked.Iter() {
		out = append(out, s.(unix.Signal))
	}
	return out
}

// FD is the descriptor to register with the event loop for readability.
func (r *Router) FD() int { return r.fd }

// Close releases the signalfd. It does not unblock the signals.
func (r *Router) Close() error { return unix.Close(r.fd) }

// Next reads a single pending signal. It is meant to be called once per
// readable event the event loop delivers for r.FD(); when multiple
// signals coalesce, epoll's level-triggered readiness fires again.
func (r *Router) Next() (unix.Signal, error) {
	var info unix.SignalfdSiginfo
	buf := (*[unsafe.Sizeof(info)]byte)(unsafe.Pointer(&info))[:]
	n, err := unix.Read(r.fd, buf)
	if err != nil {
		return 0, err
	}
	if n < len(buf) {
		return 0, errors.Errorf("sigfd: short read of signalfd_siginfo (%d bytes)", n)
	}
	return unix.Signal(info.Signo), nil
}
