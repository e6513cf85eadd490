//go:build linux

package termsize

import "golang.org/x/sys/unix"

// SetRaw puts fd's terminal into raw mode (no echo, no line buffering,
// no signal-generating control characters) and returns a function that
// restores the terminal's previous state. It is the CLI's only terminal
// handling, matching spec.md's framing of raw-mode handling as a thin
// client concern.
func SetRaw(fd int) (restore func() error, err error) {
	prev, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	raw := *prev
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return func() error {
		return unix.IoctlSetTermios(fd, unix.TCSETS, prev)
	}, nil
}
