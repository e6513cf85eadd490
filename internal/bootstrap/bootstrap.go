//go:build linux

// Package bootstrap establishes the execution environment the daemon
// runs in, per spec section 4.1: new user/mount/PID/IPC namespaces, the
// current UID/GID mapped to root inside, /proc remounted, inherited FDs
// closed, SIGPIPE ignored, and (unless debug) a daemonizing fork so the
// invoking process only exits once the new-namespace daemon signals it
// is alive.
//
// The reference implementation performs this with a single raw fork(2)
// in the same process. Go's runtime keeps multiple OS threads alive from
// before main() ever runs, so a naked fork(2) without an immediate
// exec(2) is not safe here: instead, the launcher re-execs its own
// binary into the new namespaces via os/exec's Cloneflags/UidMappings
// support, which performs the unshare, the setgroups-deny and the
// uid_map/gid_map writes atomically as part of the clone itself. The
// re-exec'd process plays the role of the C reference's forked child.
package bootstrap

import (
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// reexecMarker, when present in the environment, identifies a process as
// the already-namespaced re-exec child rather than the original invoker.
const reexecMarker = "NSGOD_NS_CHILD"

// reexecEventFD is the fd number the readiness eventfd lands on inside
// the re-exec child: ExtraFiles[0] always becomes fd 3.
const reexecEventFD = 3

// closeFDCeiling bounds the "close all inherited FDs" sweep in step 1.
const closeFDCeiling = 256

// Init performs the sandbox bootstrap and returns a ready-notification
// eventfd whose single write signals "daemon is alive", or -1 in debug
// mode (no PID-namespace re-fork was performed). Any failure is returned
// as a plain error wrapped with syscall context (not an *nsgoderr.Error);
// cmd/nsgod treats it as fatal.
func Init(debug bool) (int, error) {
	if os.Getenv(reexecMarker) != "" {
		return initNamespacedChild()
	}
	if debug {
		return initDebug()
	}
	return initDaemonize()
}

// initNamespacedChild runs inside the already-cloned namespaces (user,
// mount, PID, IPC all freshly unshared by the parent's Cloneflags). It
// is PID 1 of its PID namespace, becomes session leader, remounts /proc
// so it sees its own PID namespace, and ignores SIGPIPE.
func initNamespacedChild() (int, error) {
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return -1, errors.Wrap(err, "bootstrap: setsid")
	}
	if err := remountProc(); err != nil {
		return -1, err
	}
	ignoreSIGPIPE()
	return reexecEventFD, nil
}

// initDebug unshares user/mount/IPC namespaces (but not PID) in the
// current process and returns -1: no daemonizing re-fork happens, so the
// caller keeps running as the same PID, useful for running under a
// debugger or a foreground supervisor like systemd --user.
func initDebug() (int, error) {
	closeInherited()
	if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWIPC); err != nil {
		return -1, errors.Wrap(err, "bootstrap: unshare (debug)")
	}
	if err := mapCurrentIDToRoot(); err != nil {
		return -1, err
	}
	if err := remountProc(); err != nil {
		return -1, err
	}
	ignoreSIGPIPE()
	return -1, nil
}

// initDaemonize is the launcher role: it creates the readiness eventfd,
// re-execs itself into new user/mount/PID/IPC namespaces, waits for
// either the child to signal readiness (success, exit 0) or the child to
// die before doing so (failure, exit 1) — mirroring the reference's
// SIGCHLD-triggers-exit-failure behavior without needing an async
// signal handler, since we can just block on Wait in a goroutine.
func initDaemonize() (int, error) {
	closeInherited()

	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "bootstrap: eventfd")
	}
	evFile := os.NewFile(uintptr(evfd), "nsgod-ready")
	defer evFile.Close()

	self := "/proc/self/exe"
	uid := os.Geteuid()
	gid := os.Getegid()

	cmd := &exec.Cmd{
		Path:       self,
		Args:       os.Args,
		Env:        append(os.Environ(), reexecMarker+"=1"),
		ExtraFiles: []*os.File{evFile},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC,
			UidMappings: []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: uid, Size: 1},
			},
			GidMappings: []syscall.SysProcIDMap{
				{ContainerID: 0, HostID: gid, Size: 1},
			},
			GidMappingsEnableSetgroups: false,
		},
	}
	if err := cmd.Start(); err != nil {
		return -1, errors.Wrap(err, "bootstrap: re-exec into new namespaces")
	}

	ready := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := evFile.Read(buf)
		if err != nil {
			ready <- err
			return
		}
		if n != 8 {
			ready <- errors.Errorf("short read of readiness eventfd (%d bytes)", n)
			return
		}
		ready <- nil
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-ready:
		if err != nil {
			return -1, errors.Wrap(err, "bootstrap: waiting for namespaced child readiness")
		}
		os.Exit(0)
	case err := <-exited:
		return -1, errors.Wrap(err, "bootstrap: namespaced child exited before signaling readiness")
	}
	panic("unreachable")
}

func mapCurrentIDToRoot() error {
	uid := os.Geteuid()
	gid := os.Getegid()
	if err := writeFile("/proc/self/setgroups", "deny"); err != nil {
		return err
	}
	if err := writeFile("/proc/self/uid_map", formatIDMap(uid)); err != nil {
		return err
	}
	if err := writeFile("/proc/self/gid_map", formatIDMap(gid)); err != nil {
		return err
	}
	return nil
}

func formatIDMap(id int) string {
	return "0 " + strconv.Itoa(id) + " 1"
}

func writeFile(path, content string) error {
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "bootstrap: open %s", path)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte(content)); err != nil {
		return errors.Wrapf(err, "bootstrap: write %s", path)
	}
	return nil
}

func remountProc() error {
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return errors.Wrap(err, "bootstrap: mount /proc")
	}
	return nil
}

func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

// closeInherited redirects stdin/stdout/stderr to /dev/null and closes
// every other FD >= 3 up to closeFDCeiling, per spec step 1.
func closeInherited() {
	devnull, err := unix.Open("/dev/null", unix.O_RDWR, 0)
	if err == nil {
		for _, fd := range []int{0, 1, 2} {
			unix.Dup2(devnull, fd)
		}
		if devnull > 2 {
			unix.Close(devnull)
		}
	}
	for fd := 3; fd < closeFDCeiling; fd++ {
		unix.Close(fd)
	}
}
