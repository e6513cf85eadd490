//go:build linux

// Command nsctl is the CLI client for nsgod's JSON-RPC control socket,
// implementing the subcommand surface spec section 6 fixes: status,
// start, stop, kill, erase, send, log, wait, attach, shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/cliclient"
	"github.com/codehz/nsgod/internal/nsgodenv"
	"github.com/codehz/nsgod/internal/nsgodlog"
	"github.com/codehz/nsgod/internal/termsize"
)

// clientVersion is compared against the daemon's "version" reply purely
// to print a warning on a major-version mismatch; there is no
// compatibility matrix (see SPEC_FULL.md's "version method" note).
var clientVersion = "0.0.0-dev"

var log = nsgodlog.New("nsctl")

func main() {
	app := cli.NewApp()
	app.Name = "nsctl"
	app.Usage = "control client for the nsgod process supervisor"
	app.Version = clientVersion
	app.Commands = []cli.Command{
		statusCommand,
		startCommand,
		stopCommand,
		killCommand,
		eraseCommand,
		sendCommand,
		logCommand,
		waitCommand,
		attachCommand,
		shutdownCommand,
		versionCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "nsctl:", err)
		os.Exit(1)
	}
}

func dial(ctx context.Context, onEvent cliclient.EventHandler) *cliclient.Client {
	c, err := cliclient.Dial(ctx, nsgodenv.API(), onEvent)
	if err != nil {
		log.WithError(err).Fatal("connecting to nsgod control socket")
	}
	return c
}

func checkVersion(ctx context.Context, c *cliclient.Client) {
	remote, err := c.Version(ctx)
	if err != nil {
		return
	}
	rv, rerr := semver.NewVersion(remote)
	cv, cerr := semver.NewVersion(clientVersion)
	if rerr != nil || cerr != nil {
		return
	}
	if rv.Major() != cv.Major() {
		fmt.Fprintf(os.Stderr, "nsctl: warning: daemon version %s differs from client version %s\n", remote, clientVersion)
	}
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "print the state of one or all services",
	ArgsUsage: "[service]",
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()

		if name := c.Args().First(); name != "" {
			st, err := client.StatusOne(ctx, name)
			if err != nil {
				return err
			}
			printServiceState(name, st)
			return nil
		}
		table, err := client.Status(ctx, "")
		if err != nil {
			return err
		}
		for name, st := range table {
			printServiceState(name, st)
		}
		return nil
	},
}

func printServiceState(name string, st api.ServiceState) {
	uptime := nsgodlog.Duration(time.Since(time.Unix(st.StartTime, 0)))
	fmt.Printf("%s\tpid=%d\tstatus=%s\tuptime=%s\trestart=%s\n", name, st.Pid, st.Status, uptime, st.Restart)
}

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "start a new service from a LaunchOptions JSON document",
	ArgsUsage: "service options.json",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("usage: nsctl start <service> <options.json>", 1)
		}
		name := c.Args().Get(0)
		raw, err := os.ReadFile(c.Args().Get(1))
		if err != nil {
			return err
		}
		var opts api.LaunchOptions
		if err := json.Unmarshal(raw, &opts); err != nil {
			return err
		}

		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		st, err := client.Start(ctx, api.StartRequest{Service: name, Options: opts})
		if err != nil {
			return err
		}
		printServiceState(name, st)
		return nil
	},
}

var stopCommand = cli.Command{
	Name:      "stop",
	Usage:     "send SIGTERM to a service, preventing further restarts",
	ArgsUsage: "service",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("usage: nsctl stop <service>", 1)
		}
		prevent := api.RestartPrevent
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		return client.Kill(ctx, api.KillRequest{Service: name, Signal: int(unix.SIGTERM), Restart: &prevent})
	},
}

var killCommand = cli.Command{
	Name:      "kill",
	Usage:     "send an arbitrary signal to a service",
	ArgsUsage: "service signal [restart]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("usage: nsctl kill <service> <signal> [normal|force|prevent]", 1)
		}
		name := c.Args().Get(0)
		sig, err := parseSignal(c.Args().Get(1))
		if err != nil {
			return err
		}
		req := api.KillRequest{Service: name, Signal: sig}
		if mode := c.Args().Get(2); mode != "" {
			rm, err := parseRestartMode(mode)
			if err != nil {
				return err
			}
			req.Restart = &rm
		}
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		return client.Kill(ctx, req)
	},
}

var eraseCommand = cli.Command{
	Name:      "erase",
	Usage:     "remove an exited service from the table",
	ArgsUsage: "service",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("usage: nsctl erase <service>", 1)
		}
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		_, err := client.Erase(ctx, api.ServiceRequest{Service: name})
		return err
	},
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "write data to a service's stdin",
	ArgsUsage: "service data",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("usage: nsctl send <service> <data>", 1)
		}
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		_, err := client.Send(ctx, api.SendRequest{Service: c.Args().Get(0), Data: c.Args().Get(1)})
		return err
	},
}

var logCommand = cli.Command{
	Name:      "log",
	Usage:     "stream a service's output events",
	ArgsUsage: "service",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("usage: nsctl log <service>", 1)
		}
		done := make(chan struct{})
		ctx := context.Background()
		client := dial(ctx, func(method string, params json.RawMessage) {
			if method != "output" {
				return
			}
			var ev api.OutputEvent
			if json.Unmarshal(params, &ev) == nil && ev.Service == name {
				fmt.Print(ev.Data)
			}
		})
		defer client.Close()
		<-done
		return nil
	},
}

var waitCommand = cli.Command{
	Name:      "wait",
	Usage:     "block until a service transitions to exited",
	ArgsUsage: "service",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("usage: nsctl wait <service>", 1)
		}
		exited := make(chan struct{})
		ctx := context.Background()
		client := dial(ctx, func(method string, params json.RawMessage) {
			if method != "stopped" {
				return
			}
			var ev api.StoppedEvent
			if json.Unmarshal(params, &ev) == nil && ev.Service == name && (ev.Restart == nil || ev.Restart.Error != "") {
				close(exited)
			}
		})
		defer client.Close()
		<-exited
		return nil
	},
}

var shutdownCommand = cli.Command{
	Name:  "shutdown",
	Usage: "ask the daemon to terminate",
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		return client.Shutdown(ctx)
	},
}

var versionCommand = cli.Command{
	Name:  "version",
	Usage: "print client and daemon versions",
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		client := dial(ctx, nil)
		defer client.Close()
		remote, err := client.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("nsctl %s\nnsgod %s\n", clientVersion, remote)
		return nil
	},
}

// attachCommand binds stdin/stdout to a pty-backed service: raw terminal
// mode, an initial resize to the current window, SIGWINCH-driven resizes
// via internal/termsize, and stdin forwarded through "send".
var attachCommand = cli.Command{
	Name:      "attach",
	Usage:     "attach an interactive terminal to a pty-backed service",
	ArgsUsage: "service",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.NewExitError("usage: nsctl attach <service>", 1)
		}

		ctx := context.Background()
		client := dial(ctx, func(method string, params json.RawMessage) {
			if method != "output" {
				return
			}
			var ev api.OutputEvent
			if json.Unmarshal(params, &ev) == nil && ev.Service == name {
				fmt.Print(ev.Data)
			}
		})
		defer client.Close()
		checkVersion(ctx, client)

		restore, err := termsize.SetRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}
		defer restore()

		watcher, err := termsize.New()
		if err != nil {
			return err
		}
		defer watcher.Close()

		if ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ); err == nil {
			col, row := ws.Col, ws.Row
			client.Resize(ctx, api.ResizeRequest{Service: name, Column: &col, Row: &row})
		}

		go func() {
			for {
				cols, rows, err := watcher.Next()
				if err != nil {
					return
				}
				client.Resize(ctx, api.ResizeRequest{Service: name, Column: &cols, Row: &rows})
			}
		}()

		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, unix.SIGINT)

		buf := make([]byte, 4096)
		for {
			select {
			case <-sigint:
				return nil
			default:
			}
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return nil
			}
			if _, err := client.Send(ctx, api.SendRequest{Service: name, Data: string(buf[:n])}); err != nil {
				return err
			}
		}
	},
}

func parseSignal(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	switch strings.ToUpper(s) {
	case "TERM", "SIGTERM":
		return int(unix.SIGTERM), nil
	case "KILL", "SIGKILL":
		return int(unix.SIGKILL), nil
	case "INT", "SIGINT":
		return int(unix.SIGINT), nil
	case "HUP", "SIGHUP":
		return int(unix.SIGHUP), nil
	case "STOP", "SIGSTOP":
		return int(unix.SIGSTOP), nil
	case "CONT", "SIGCONT":
		return int(unix.SIGCONT), nil
	default:
		return 0, fmt.Errorf("unknown signal %q", s)
	}
}

func parseRestartMode(s string) (api.RestartMode, error) {
	switch strings.ToLower(s) {
	case "normal":
		return api.RestartNormal, nil
	case "force":
		return api.RestartForce, nil
	case "prevent":
		return api.RestartPrevent, nil
	default:
		return 0, fmt.Errorf("unknown restart mode %q", s)
	}
}
