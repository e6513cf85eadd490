//go:build linux

package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// MaybeRunExecHelper checks whether the current process was re-exec'd as
// the launch helper (argv[1] == ExecHelperArg) and, if so, performs the
// bind mounts, chroot, chdir and final exec described in spec section
// 4.2 and never returns: on success the process image is replaced by
// the target executable; on any failure it calls os.Exit with a
// non-zero status immediately, matching the reference's "terminate
// immediately; no library cleanup".
//
// cmd/nsgod's main must call this before doing anything else — before
// bootstrap, before flag parsing, before opening the control socket.
func MaybeRunExecHelper() {
	if len(os.Args) < 2 || os.Args[1] != ExecHelperArg {
		return
	}

	var spec helperSpec
	if err := json.Unmarshal([]byte(os.Getenv(launchEnvVar)), &spec); err != nil {
		fmt.Fprintln(os.Stderr, "nsgod exec helper: decoding launch spec:", err)
		os.Exit(127)
	}

	for target, source := range spec.Mounts {
		dst, err := securejoin.SecureJoin(spec.Root, target)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nsgod exec helper: resolving mount target:", err)
			os.Exit(127)
		}
		if err := os.MkdirAll(dst, 0755); err != nil {
			fmt.Fprintln(os.Stderr, "nsgod exec helper: creating mount target:", err)
			os.Exit(127)
		}
		if err := unix.Mount(source, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			fmt.Fprintf(os.Stderr, "nsgod exec helper: bind-mounting %s onto %s: %v\n", source, dst, err)
			os.Exit(127)
		}
		if mounted, err := mountinfo.Mounted(dst); err != nil || !mounted {
			fmt.Fprintf(os.Stderr, "nsgod exec helper: mount at %s did not take effect\n", dst)
			os.Exit(127)
		}
	}

	if err := unix.Chroot(spec.Root); err != nil {
		fmt.Fprintln(os.Stderr, "nsgod exec helper: chroot:", err)
		os.Exit(127)
	}
	if err := unix.Chdir(spec.Cwd); err != nil {
		fmt.Fprintln(os.Stderr, "nsgod exec helper: chdir:", err)
		os.Exit(127)
	}

	argv0 := spec.Cmdline[0]
	resolved, err := resolvePathInRoot(argv0, spec.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nsgod exec helper:", err)
		os.Exit(127)
	}

	if err := unix.Exec(resolved, spec.Cmdline, spec.Env); err != nil {
		fmt.Fprintln(os.Stderr, "nsgod exec helper: exec:", err)
	}
	os.Exit(127)
}

// resolvePathInRoot implements execvpe's PATH search, evaluated after
// chroot/chdir so it sees the confined filesystem, matching the
// reference's "execvpe(argv[0], argv, env)" called post-chroot.
func resolvePathInRoot(cmd string, env []string) (string, error) {
	if pathSeparatorIndex(cmd) {
		return cmd, nil
	}
	pathEnv := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathEnv = strings.TrimPrefix(kv, "PATH=")
		}
	}
	for _, dir := range strings.Split(pathEnv, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, cmd)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in PATH", cmd)
}
