//go:build linux

// Command nsgod is the namespace-sandboxed process supervisor daemon
// described in spec.md: it bootstraps its own sandbox (internal/bootstrap),
// then runs an epoll-style event loop (internal/eventloop) dispatching
// SIGCHLD/SIGINT (internal/sigfd) and RPC traffic (internal/rpc) into the
// service state machine (internal/supervisor).
package main

import (
	"github.com/Masterminds/semver"
	"github.com/gofrs/flock"
	"github.com/pkg/profile"
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/bootstrap"
	"github.com/codehz/nsgod/internal/eventloop"
	"github.com/codehz/nsgod/internal/launcher"
	"github.com/codehz/nsgod/internal/nsgodenv"
	"github.com/codehz/nsgod/internal/nsgodlog"
	"github.com/codehz/nsgod/internal/rpc"
	"github.com/codehz/nsgod/internal/sigfd"
	"github.com/codehz/nsgod/internal/supervisor"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "0.0.0-dev"

func main() {
	launcher.MaybeRunExecHelper()

	log := nsgodlog.New("nsgod")

	if nsgodenv.Debug() {
		stop := profile.Start(profile.CPUProfile, profile.NoShutdownHook)
		defer stop.Stop()
	}

	if _, err := semver.NewVersion(version); err != nil {
		log.WithError(err).Fatal("invalid build version string")
	}

	evfd, err := bootstrap.Init(nsgodenv.Debug())
	if err != nil {
		log.WithError(err).Fatal("sandbox bootstrap failed")
	}

	lock := flock.New(nsgodenv.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		log.WithError(err).Fatal("acquiring lock file")
	}
	if !locked {
		log.Fatal("another nsgod instance already holds the lock file")
	}
	defer lock.Unlock()

	loop, err := eventloop.New()
	if err != nil {
		log.WithError(err).Fatal("creating event loop")
	}
	defer loop.Close()

	sigRouter, err := sigfd.New(unix.SIGINT, unix.SIGCHLD)
	if err != nil {
		log.WithError(err).Fatal("creating signal router")
	}
	defer sigRouter.Close()
	log.WithField("blocked", sigRouter.Blocked()).Debug("signals routed through signalfd")

	ln, err := rpc.Listen(nsgodenv.API())
	if err != nil {
		log.WithError(err).Fatal("opening control socket")
	}
	defer ln.Close()

	quit := func() { loop.Shutdown() }
	server, err := rpc.NewServer(version, log, loop)
	if err != nil {
		log.WithError(err).Fatal("creating RPC server")
	}
	defer server.Close()
	sup := supervisor.New(loop, server, log, quit)
	server.SetSupervisor(sup)

	go func() {
		if err := server.Serve(ln); err != nil {
			log.WithError(err).Warn("control socket server stopped")
		}
	}()

	sigToken := loop.Register(func(events uint32) {
		sig, err := sigRouter.Next()
		if err != nil {
			return
		}
		switch sig {
		case unix.SIGINT:
			loop.Shutdown()
		case unix.SIGCHLD:
			sup.HandleSIGCHLD()
		}
	})
	if err := loop.Add(eventloop.NewInterest(eventloop.BitReadable), sigRouter.FD(), sigToken); err != nil {
		log.WithError(err).Fatal("registering signal router with event loop")
	}

	if evfd >= 0 {
		signalReady(evfd)
	}

	log.WithField("api", nsgodenv.API()).Info("nsgod ready")
	if err := loop.Wait(); err != nil {
		log.WithError(err).Fatal("event loop exited with error")
	}
	log.Info("nsgod shutting down")
}

// signalReady writes the 8-byte eventfd value bootstrap's daemonizing
// parent is blocked reading, letting it exit 0 now that startup finished.
func signalReady(evfd int) {
	buf := [8]byte{1}
	unix.Write(evfd, buf[:])
}

