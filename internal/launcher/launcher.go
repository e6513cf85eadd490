//go:build linux

// Package launcher is the process launcher from spec section 4.2: given
// a LaunchOptions record it forks (via a self re-exec helper, see
// exechelper.go) a child confined by bind mounts and a chroot, and
// returns a handle carrying the child's PID, an I/O descriptor (PTY
// master or socketpair end) and an open log file descriptor.
package launcher

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/console"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/nsgoderr"
)

// WinSize is the terminal size overlay used by the "resize" RPC method.
type WinSize struct {
	Cols uint16
	Rows uint16
}

// IOConn is the single io_fd abstraction ServiceState carries, whether
// it is backed by a PTY master or a socketpair end (spec section 9,
// "PTY vs socketpair divergence").
type IOConn interface {
	io.ReadWriteCloser
	Fd() uintptr
	IsPty() bool
	GetSize() (WinSize, error)
	SetSize(WinSize) error
}

type fileIO struct{ *os.File }

func (fileIO) IsPty() bool { return false }
func (fileIO) GetSize() (WinSize, error) {
	return WinSize{}, nsgoderr.State("resize is only valid for a pty-backed service")
}
func (fileIO) SetSize(WinSize) error {
	return nsgoderr.State("resize is only valid for a pty-backed service")
}

type ptyIO struct{ console.Console }

func (p ptyIO) IsPty() bool { return true }

func (p ptyIO) GetSize() (WinSize, error) {
	ws, err := p.Console.Size()
	if err != nil {
		return WinSize{}, errors.Wrap(err, "launcher: get pty size")
	}
	return WinSize{Cols: ws.Width, Rows: ws.Height}, nil
}

func (p ptyIO) SetSize(ws WinSize) error {
	return p.Console.Resize(console.WinSize{Width: ws.Cols, Height: ws.Rows})
}

// Handle is the result of a successful Launch: everything ServiceState
// needs beyond the LaunchOptions it was created from.
type Handle struct {
	Pid       int
	IO        IOConn
	LogFile   *os.File
	StartTime time.Time
	Status    api.Status
}

// helperSpec is what Launch hands to the re-exec helper via the
// NSGOD_LAUNCH environment variable: just enough to perform the mounts,
// chroot, chdir and final exec (see exechelper.go). It intentionally
// excludes restart policy and waitstop — those are supervisor concerns.
type helperSpec struct {
	Root    string            `json:"root"`
	Cwd     string            `json:"cwd"`
	Mounts  map[string]string `json:"mounts"`
	Cmdline []string          `json:"cmdline"`
	Env     []string          `json:"env"`
}

// ExecHelperArg is the argv[1] marker that tells a re-exec'd nsgod binary
// to behave as the launch helper instead of starting the daemon; see
// MaybeRunExecHelper, which cmd/nsgod calls first thing in main.
const ExecHelperArg = "__nsgod_exec_child"

const launchEnvVar = "NSGOD_LAUNCH"

// Launch forks a new child per spec section 4.2 and returns its initial
// handle. The child is confined by chroot(options.root) and the bind
// mounts in options.mounts; waitstop governs the returned Status.
func Launch(opts api.LaunchOptions) (_ *Handle, err error) {
	if len(opts.Cmdline) == 0 {
		return nil, nsgoderr.Launch(nil, "launch: cmdline is empty")
	}

	var logFile *os.File
	if opts.Log != "" {
		logFile, err = os.OpenFile(opts.Log, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nsgoderr.Launch(err, "launch: opening log file %q", opts.Log)
		}
	}
	cleanupLog := func() {
		if logFile != nil {
			logFile.Close()
		}
	}

	spec := helperSpec{
		Root:    resolveRoot(opts.Root),
		Cwd:     resolveCwd(opts.Cwd),
		Mounts:  opts.Mounts,
		Cmdline: opts.Cmdline,
		Env:     opts.Env,
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		cleanupLog()
		return nil, nsgoderr.Launch(err, "launch: encoding helper spec")
	}

	cmd := &exec.Cmd{
		Path: "/proc/self/exe",
		Args: []string{"/proc/self/exe", ExecHelperArg},
		Env:  []string{launchEnvVar + "=" + string(payload)},
	}

	var ioConn IOConn
	if opts.Pty {
		pty, slavePath, perr := console.NewPty()
		if perr != nil {
			cleanupLog()
			return nil, nsgoderr.Launch(perr, "launch: allocating pty")
		}
		slave, serr := os.OpenFile(slavePath, os.O_RDWR, 0)
		if serr != nil {
			pty.Close()
			cleanupLog()
			return nil, nsgoderr.Launch(serr, "launch: opening pty slave %q", slavePath)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: true,
		}
		defer slave.Close()
		ioConn = ptyIO{pty}
	} else {
		fds, serr := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if serr != nil {
			cleanupLog()
			return nil, nsgoderr.Launch(serr, "launch: socketpair")
		}
		parentSide := os.NewFile(uintptr(fds[0]), "nsgod-io")
		childSide := os.NewFile(uintptr(fds[1]), "nsgod-io-child")
		cmd.Stdin, cmd.Stdout, cmd.Stderr = childSide, childSide, childSide
		defer childSide.Close()
		ioConn = fileIO{parentSide}
	}

	if err := cmd.Start(); err != nil {
		ioConn.Close()
		cleanupLog()
		return nil, nsgoderr.Launch(err, "launch: starting %q", opts.Cmdline[0])
	}

	status := api.StatusRunning
	if opts.Waitstop {
		status = api.StatusWaiting
	}
	return &Handle{
		Pid:       cmd.Process.Pid,
		IO:        ioConn,
		LogFile:   logFile,
		StartTime: time.Now(),
		Status:    status,
	}, nil
}

func resolveRoot(root string) string {
	if root == "" {
		return "/"
	}
	return root
}

func resolveCwd(cwd string) string {
	if cwd == "" {
		return "."
	}
	return cwd
}

// pathSeparatorIndex reports whether cmd names an explicit path (and so
// must not be PATH-searched), mirroring execvpe's own rule.
func pathSeparatorIndex(cmd string) bool {
	return strings.ContainsRune(cmd, filepath.Separator)
}
