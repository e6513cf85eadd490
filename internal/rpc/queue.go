//go:build linux

package rpc

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/eventloop"
)

// job is one RPC call waiting to run on the event loop goroutine. jsonrpc2
// hands each request to Server.handle on its own goroutine (one per
// connection, sometimes more); handle enqueues a job and blocks on done
// rather than calling into the Supervisor directly, so every Supervisor
// method still only ever runs on the single event-loop goroutine per spec
// section 5 ("no locks, no reentrancy") even though requests arrive
// concurrently.
type job struct {
	fn   func() (interface{}, error)
	done chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// callQueue is an eventfd-backed cross-goroutine work queue: any goroutine
// may push a job, and the event loop goroutine drains and runs them as
// part of its normal readiness dispatch, the way the reference integrates
// its websocket server's request queue into the same poll loop that
// drives child I/O and signals.
type callQueue struct {
	loop  *eventloop.Loop
	evfd  int
	mu    sync.Mutex
	jobs  []*job
	token eventloop.Token
}

func newCallQueue(loop *eventloop.Loop) (*callQueue, error) {
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "rpc: eventfd")
	}
	q := &callQueue{loop: loop, evfd: evfd}
	q.token = loop.Register(q.drain)
	if err := loop.Add(eventloop.NewInterest(eventloop.BitReadable), evfd, q.token); err != nil {
		unix.Close(evfd)
		return nil, errors.Wrap(err, "rpc: registering call queue with event loop")
	}
	return q, nil
}

// submit enqueues fn and blocks the calling goroutine until it has run on
// the event loop goroutine, returning its result.
func (q *callQueue) submit(fn func() (interface{}, error)) (interface{}, error) {
	j := &job{fn: fn, done: make(chan jobResult, 1)}
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(q.evfd, buf[:])

	r := <-j.done
	return r.val, r.err
}

// drain is the event loop callback: clear the eventfd's counter, then run
// every job queued since the last drain, each to completion, before
// returning to the loop's normal dispatch.
func (q *callQueue) drain(events uint32) {
	var buf [8]byte
	unix.Read(q.evfd, buf[:])

	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	for _, j := range pending {
		val, err := j.fn()
		j.done <- jobResult{val: val, err: err}
	}
}

func (q *callQueue) close() error {
	q.loop.Del(q.evfd)
	q.loop.Deregister(q.token)
	return unix.Close(q.evfd)
}
