//go:build linux

// Package supervisor implements spec section 4.5: the ServiceTable, its
// reverse indices, the per-service state machine driven by SIGCHLD, the
// restart policy, the child-I/O handler and every RPC method except
// "version", which internal/rpc answers itself.
package supervisor

import (
	"time"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/eventloop"
	"github.com/codehz/nsgod/internal/launcher"
)

// entry is the supervisor's private, mutable view of a service. The
// wire-facing api.ServiceState is derived from it on demand.
type entry struct {
	name         string
	handle       *launcher.Handle
	status       api.Status
	restartMode  api.RestartMode
	restartCount int
	startTime    time.Time
	deadTime     time.Time
	options      api.LaunchOptions
	ioToken      eventloop.Token
	ioRegistered bool
	ioClosed     bool
}

func (e *entry) wire() api.ServiceState {
	var deadUnix int64
	if !e.deadTime.IsZero() {
		deadUnix = e.deadTime.Unix()
	}
	return api.ServiceState{
		Name:           e.name,
		Pid:            e.handle.Pid,
		Status:         e.status,
		StartTime:      e.startTime.Unix(),
		DeadTime:       deadUnix,
		Restart:        e.restartMode,
		Options:        e.options,
		RestartCurrent: e.restartCount,
	}
}

// table is the ServiceTable from spec section 3: a name -> entry map
// plus two reverse indices kept in lockstep. It is not safe for
// concurrent use — the single-threaded event loop is its only caller,
// per spec section 5.
type table struct {
	byName map[string]*entry
	byPID  map[int]string
	byFD   map[int]string
}

func newTable() *table {
	return &table{
		byName: make(map[string]*entry),
		byPID:  make(map[int]string),
		byFD:   make(map[int]string),
	}
}

func (t *table) get(name string) (*entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

func (t *table) byPid(pid int) (*entry, bool) {
	name, ok := t.byPID[pid]
	if !ok {
		return nil, false
	}
	return t.get(name)
}

func (t *table) byFd(fd int) (*entry, bool) {
	name, ok := t.byFD[fd]
	if !ok {
		return nil, false
	}
	return t.get(name)
}

// insert adds a brand new entry and wires both indices. Invariant: an
// entry is only absent from byPID once its status is Exited, so a fresh
// (non-Exited) entry always gets both index entries immediately.
func (t *table) insert(e *entry) {
	t.byName[e.name] = e
	t.byPID[e.handle.Pid] = e.name
	t.byFD[int(e.handle.IO.Fd())] = e.name
}

// dropPID removes the pid->name index entry without touching anything
// else, used on the Exited transition (spec section 3: "For every entry
// with status = Exited: pid->name does not contain s.pid").
func (t *table) dropPID(pid int) {
	delete(t.byPID, pid)
}

// dropFD removes the fd->name index entry, used when the child-I/O
// handler observes hangup/error.
func (t *table) dropFD(fd int) {
	delete(t.byFD, fd)
}

// spliceRestart replaces a live entry's pid/fd/handle/times/status in
// place (same name, same map entry) for a restart, updating both
// indices so invariants 1-2 keep holding for the new generation.
func (t *table) spliceRestart(e *entry, h *launcher.Handle) {
	delete(t.byPID, e.handle.Pid)
	delete(t.byFD, int(e.handle.IO.Fd()))
	e.handle = h
	e.startTime = h.StartTime
	e.status = h.Status
	e.deadTime = time.Time{}
	e.ioClosed = false
	t.byPID[h.Pid] = e.name
	t.byFD[int(h.IO.Fd())] = e.name
}

// remove fully erases an entry and both index entries (invariant 3:
// after erase, name is absent from the table and both indices).
func (t *table) remove(name string) {
	e, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byPID, e.handle.Pid)
	delete(t.byFD, int(e.handle.IO.Fd()))
	delete(t.byName, name)
}

func (t *table) wireAll() api.ServiceTable {
	out := make(api.ServiceTable, len(t.byName))
	for name, e := range t.byName {
		out[name] = e.wire()
	}
	return out
}
