//go:build linux

package supervisor

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/eventloop"
	"github.com/codehz/nsgod/internal/launcher"
	"github.com/codehz/nsgod/internal/nsgoderr"
)

// Emitter broadcasts a named event (spec section 6's "output", "started",
// "stopped", "updated") to every subscribed RPC client. internal/rpc
// implements it; supervisor only depends on the interface.
type Emitter interface {
	Emit(method string, params interface{})
}

const ioReadBuf = 64 * 1024

// Supervisor owns the service table and is the single place SIGCHLD
// delivery, the child-I/O handler and the RPC methods meet ("version" is
// answered by internal/rpc itself; the other eight are here). Every
// method here runs on the event loop's single goroutine (spec section 5):
// no locking.
type Supervisor struct {
	table    *table
	loop     *eventloop.Loop
	emit     Emitter
	log      logrus.FieldLogger
	quitFunc func()
}

// New creates a Supervisor bound to loop for I/O registration and emit
// for event broadcast. quitFunc is called by Shutdown to unwind main's
// event loop (cmd/nsgod wires this to loop.Shutdown; main releases the
// lock file once the loop has returned).
func New(loop *eventloop.Loop, emit Emitter, log logrus.FieldLogger, quitFunc func()) *Supervisor {
	return &Supervisor{
		table:    newTable(),
		loop:     loop,
		emit:     emit,
		log:      log,
		quitFunc: quitFunc,
	}
}

// ---- RPC methods ----

// Ping answers the liveness check by echoing the request body unchanged
// (spec section 4.5), with no state access at all.
func (s *Supervisor) Ping(data json.RawMessage) json.RawMessage { return data }

// Start launches name per opts, rejecting a name already tracked unless
// its prior incarnation has Exited (spec section 4.5, "start").
func (s *Supervisor) Start(req api.StartRequest) (api.ServiceState, error) {
	if e, ok := s.table.get(req.Service); ok {
		if e.status != api.StatusExited {
			return api.ServiceState{}, nsgoderr.State(nsgoderr.MsgServiceExists)
		}
		s.closeIO(e)
		s.table.remove(req.Service)
	}

	h, err := launcher.Launch(req.Options)
	if err != nil {
		return api.ServiceState{}, err
	}

	e := &entry{
		name:        req.Service,
		handle:      h,
		status:      h.Status,
		restartMode: api.RestartNormal,
		startTime:   h.StartTime,
		options:     req.Options,
	}
	s.table.insert(e)
	s.registerIO(e)

	s.emit.Emit("started", api.StartedEvent{Service: req.Service})
	s.emit.Emit("updated", s.table.wireAll())
	s.log.WithField("service", req.Service).WithField("pid", h.Pid).Info("service started")
	return e.wire(), nil
}

// Send writes data to the service's stdin (the pty master or socketpair
// end), failing if the service has already exited.
func (s *Supervisor) Send(req api.SendRequest) (api.OkReply, error) {
	e, ok := s.table.get(req.Service)
	if !ok {
		return nil, nsgoderr.Lookup(req.Service)
	}
	if e.status == api.StatusExited {
		return nil, nsgoderr.State(nsgoderr.MsgServiceExited)
	}
	if _, err := e.handle.IO.Write([]byte(req.Data)); err != nil {
		return nil, nsgoderr.OS(err, "supervisor: write to %s", req.Service)
	}
	return api.NewOkReply(req.Service), nil
}

// Resize overlays column and/or row onto the service's pty, failing for
// non-pty services (spec section 4.5, "resize").
func (s *Supervisor) Resize(req api.ResizeRequest) (api.OkReply, error) {
	e, ok := s.table.get(req.Service)
	if !ok {
		return nil, nsgoderr.Lookup(req.Service)
	}
	if e.status == api.StatusExited {
		return nil, nsgoderr.State(nsgoderr.MsgServiceExited)
	}
	if !e.handle.IO.IsPty() {
		return nil, nsgoderr.State("target service is not a tty.")
	}
	ws, err := e.handle.IO.GetSize()
	if err != nil {
		return nil, err
	}
	if req.Column != nil {
		ws.Cols = *req.Column
	}
	if req.Row != nil {
		ws.Rows = *req.Row
	}
	if err := e.handle.IO.SetSize(ws); err != nil {
		return nil, nsgoderr.OS(err, "supervisor: resize %s", req.Service)
	}
	return api.NewOkReply(req.Service), nil
}

// Erase removes an Exited service from the table, failing if it is still
// tracked as running (spec section 4.5, "erase").
func (s *Supervisor) Erase(req api.ServiceRequest) (api.OkReply, error) {
	e, ok := s.table.get(req.Service)
	if !ok {
		return nil, nsgoderr.Lookup(req.Service)
	}
	if e.status != api.StatusExited {
		return nil, nsgoderr.State(nsgoderr.MsgServiceNotExited)
	}
	s.closeIO(e)
	s.table.remove(req.Service)
	s.emit.Emit("updated", s.table.wireAll())
	return api.NewOkReply(req.Service), nil
}

// Status returns one ServiceState when service is non-empty, or the full
// ServiceTable otherwise.
func (s *Supervisor) Status(service string) (interface{}, error) {
	if service == "" {
		return s.table.wireAll(), nil
	}
	e, ok := s.table.get(service)
	if !ok {
		return nil, nsgoderr.Lookup(service)
	}
	return e.wire(), nil
}

// Kill sends signal to the service's process, optionally overriding its
// restart_mode for the death this kill is expected to cause.
func (s *Supervisor) Kill(req api.KillRequest) error {
	e, ok := s.table.get(req.Service)
	if !ok {
		return nsgoderr.Lookup(req.Service)
	}
	if e.status == api.StatusExited {
		return nsgoderr.State(nsgoderr.MsgServiceExited)
	}
	if req.Restart != nil {
		e.restartMode = *req.Restart
	}
	if err := unix.Kill(e.handle.Pid, unix.Signal(req.Signal)); err != nil {
		return nsgoderr.OS(err, "supervisor: kill %s", req.Service)
	}
	return nil
}

// Shutdown asks the daemon to terminate. It does not itself kill tracked
// services (spec section 4.5 names no such cascade); it just unwinds the
// event loop so main can release the lock file and exit.
func (s *Supervisor) Shutdown() error {
	s.quitFunc()
	return nil
}

// ---- SIGCHLD handling ----

// HandleSIGCHLD drains every pending waitpid status, updating the table
// and evaluating the restart policy for each death, per spec section 4.5's
// state-machine table.
func (s *Supervisor) HandleSIGCHLD() {
	for {
		var wstatus unix.WaitStatus
		pid, err := unix.Wait4(-1, &wstatus, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		if err != nil || pid <= 0 {
			return
		}
		e, ok := s.table.byPid(pid)
		if !ok {
			continue
		}
		switch {
		case wstatus.Stopped():
			if e.options.Waitstop && e.status == api.StatusWaiting {
				unix.Kill(e.handle.Pid, unix.SIGCONT)
				e.status = api.StatusRunning
				s.emit.Emit("started", api.StartedEvent{Service: e.name})
			} else {
				e.status = api.StatusStopped
			}
			s.emit.Emit("updated", s.table.wireAll())
		case wstatus.Continued():
			e.status = api.StatusRunning
			s.emit.Emit("updated", s.table.wireAll())
		case wstatus.Exited() || wstatus.Signaled():
			s.handleDeath(e)
		}
	}
}

func (s *Supervisor) handleDeath(e *entry) {
	e.status = api.StatusExited
	e.deadTime = time.Now()
	s.table.dropPID(e.handle.Pid)
	// Spec section 4.5's state table requires closing log_fd (and, per
	// the child-I/O handler note, io_fd) on the Exited transition itself,
	// not deferred until a later hangup or an eventual erase.
	s.closeIO(e)

	info := evaluateRestart(e)
	switch info.action {
	case restartNone:
		s.emit.Emit("stopped", api.StoppedEvent{Service: e.name})
	case restartDenied:
		s.emit.Emit("stopped", api.StoppedEvent{Service: e.name, Restart: &api.RestartInfo{Error: "max"}})
	case restartAttempt:
		h, err := launcher.Launch(e.options)
		if err != nil {
			s.log.WithField("service", e.name).WithError(err).Warn("restart failed")
			s.emit.Emit("stopped", api.StoppedEvent{Service: e.name, Restart: &api.RestartInfo{Error: "failed to restart"}})
			break
		}
		e.restartCount = info.nextCount
		e.restartMode = api.RestartNormal
		s.table.spliceRestart(e, h)
		s.registerIO(e)
		s.emit.Emit("stopped", api.StoppedEvent{
			Service: e.name,
			Restart: &api.RestartInfo{Max: e.options.Restart.Max, Current: e.restartCount},
		})
		s.emit.Emit("started", api.StartedEvent{Service: e.name})
	}
	s.emit.Emit("updated", s.table.wireAll())
}

// ---- child I/O ----

// closeIO unregisters e's io_fd from the event loop, closes it and its
// log_fd, and forgets its loop token — the cleanup spec section 4.5
// requires on the Exited transition, on erase, and on the child-I/O
// handler's hangup/error path. Idempotent: closing an entry whose IO
// this has already run for is a no-op, since a restart or an erase can
// each reach an entry the other has already touched.
func (s *Supervisor) closeIO(e *entry) {
	if e.ioClosed {
		return
	}
	e.ioClosed = true
	if e.ioRegistered {
		fd := int(e.handle.IO.Fd())
		s.loop.Del(fd)
		s.loop.Deregister(e.ioToken)
		s.table.dropFD(fd)
		e.ioRegistered = false
	}
	e.handle.IO.Close()
	if e.handle.LogFile != nil {
		e.handle.LogFile.Close()
	}
}

func (s *Supervisor) registerIO(e *entry) {
	fd := int(e.handle.IO.Fd())
	token := s.loop.Register(func(events uint32) { s.onChildIO(fd, events) })
	e.ioToken = token
	e.ioRegistered = true
	if err := s.loop.Add(eventloop.NewInterest(eventloop.BitReadable, eventloop.BitErrorCond), fd, token); err != nil {
		s.log.WithError(err).Warn("eventloop: registering child io failed")
	}
}

func (s *Supervisor) onChildIO(fd int, events uint32) {
	e, ok := s.table.byFd(fd)
	if !ok {
		s.loop.Del(fd)
		return
	}

	if events&(unix.EPOLLIN) != 0 {
		buf := make([]byte, ioReadBuf)
		n, err := e.handle.IO.Read(buf)
		if n > 0 {
			data := buf[:n]
			if e.handle.LogFile != nil {
				e.handle.LogFile.Write(data)
			}
			s.emit.Emit("output", api.OutputEvent{Service: e.name, Data: string(data)})
		}
		if err == nil {
			return
		}
	}

	// Hangup or read error: e was resolved from the fd index above,
	// before closing — looking it up after would fail.
	s.closeIO(e)
}
