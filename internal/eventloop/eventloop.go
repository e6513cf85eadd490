//go:build linux

// Package eventloop implements the single-threaded, edge-insensitive
// readiness demultiplexer described in spec section 4.3: every
// registered source is a (fd, interest-mask, callback) tuple, the loop
// blocks until something is ready, dispatches callbacks to completion
// one at a time, and exits once shutdown has been requested and no
// callback is pending.
//
// It is the daemon's only concurrency primitive (spec section 5): no
// locks, no goroutine fan-out, every callback runs to completion before
// the next begins.
package eventloop

import (
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
	"golang.org/x/sys/unix"
)

// Interest bits, kept in a 3-bit bitset rather than raw epoll constants
// so add/del reason about "readable / writable / error" independently
// of the underlying epoll_event.events encoding.
const (
	BitReadable uint = iota
	BitWritable
	BitErrorCond
)

// NewInterest builds an interest set from any combination of the Bit*
// constants above.
func NewInterest(bits ...uint) *bitset.BitSet {
	bs := bitset.New(3)
	for _, b := range bits {
		bs.Set(b)
	}
	return bs
}

func (l *Loop) epollMask(interest *bitset.BitSet) uint32 {
	var mask uint32
	if interest.Test(BitReadable) {
		mask |= unix.EPOLLIN
	}
	if interest.Test(BitWritable) {
		mask |= unix.EPOLLOUT
	}
	if interest.Test(BitErrorCond) {
		mask |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return mask
}

// Token identifies a registered callback. It is stable for the lifetime
// of the registration. The epoll_event user-data word carries the fd, and
// the loop maps each fd back to the token it was added under.
type Token uint64

// Callback is invoked once per ready source, with the raw epoll event
// mask that fired (so a source registered for both readable and error
// can tell readable-with-EOF apart from plain error).
type Callback func(events uint32)

// Loop is a single epoll instance plus its registered callbacks.
//
// Loop is not safe for concurrent use: the whole point of spec section 5
// is that there is exactly one goroutine driving it.
type Loop struct {
	epfd       int
	sources    map[Token]Callback
	fdTokens   map[int]Token
	nextToken  Token
	liveTokens mapset.Set
	shutdown   bool
}

// New creates an epoll instance ready for registration.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: epoll_create1")
	}
	return &Loop{
		epfd:       epfd,
		sources:    make(map[Token]Callback),
		fdTokens:   make(map[int]Token),
		liveTokens: mapset.NewSet(),
	}, nil
}

// Close releases the underlying epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Register stores callback and returns a stable token for use with Add.
func (l *Loop) Register(callback Callback) Token {
	l.nextToken++
	token := l.nextToken
	l.sources[token] = callback
	l.liveTokens.Add(token)
	return token
}

// Deregister forgets a token entirely, once its caller knows it will
// never Add an fd under it again (e.g. a child's io_fd closed for good on
// the Exited transition). Deregistering an unknown or already-deregistered
// token is a no-op, so callers don't need to track liveness themselves.
func (l *Loop) Deregister(token Token) {
	if !l.liveTokens.Contains(token) {
		return
	}
	l.liveTokens.Remove(token)
	delete(l.sources, token)
}

// Add subscribes fd for the given interest using token's callback. If fd
// is already registered, its interest and token are replaced (EPOLL_CTL_MOD).
func (l *Loop) Add(interest *bitset.BitSet, fd int, token Token) error {
	if !l.liveTokens.Contains(token) {
		return errors.Errorf("eventloop: unknown or deregistered token %d", token)
	}
	ev := &unix.EpollEvent{
		Events: l.epollMask(interest),
		Fd:     int32(fd),
	}
	op := unix.EPOLL_CTL_ADD
	if _, already := l.fdTokens[fd]; already {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		return errors.Wrapf(err, "eventloop: epoll_ctl fd=%d", fd)
	}
	l.fdTokens[fd] = token
	return nil
}

// Del unsubscribes fd. It is idempotent: deleting an fd that is not
// registered is not an error.
func (l *Loop) Del(fd int) error {
	if _, ok := l.fdTokens[fd]; !ok {
		return nil
	}
	delete(l.fdTokens, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err != unix.ENOENT && err != unix.EBADF {
			return errors.Wrapf(err, "eventloop: epoll_ctl del fd=%d", fd)
		}
	}
	return nil
}

// Shutdown requests the loop to unwind. The next dispatch batch after
// the call that's currently in flight sees it and Wait returns.
func (l *Loop) Shutdown() {
	l.shutdown = true
}

const maxEvents = 64

// Wait blocks until at least one source is ready or shutdown has been
// requested, dispatches ready callbacks sequentially (each running to
// completion before the next begins), and repeats until Shutdown has
// been called and there is nothing left to dispatch.
func (l *Loop) Wait() error {
	events := make([]unix.EpollEvent, maxEvents)
	for !l.shutdown {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "eventloop: epoll_wait")
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			token, ok := l.fdTokens[fd]
			if !ok {
				continue
			}
			cb, ok := l.sources[token]
			if !ok {
				continue
			}
			cb(events[i].Events)
		}
	}
	return nil
}
