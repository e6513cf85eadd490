//go:build linux

package sigfd

import (
	"sort"
	"testing"

	"golang.org/x/sys/unix"
)

func TestBlockedDedupesSignals(t *testing.T) {
	r, err := New(unix.SIGUSR1, unix.SIGUSR1, unix.SIGUSR2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()
	defer unix.SigprocMask(unix.SIG_UNBLOCK, &r.mask, nil)

	got := r.Blocked()
	if len(got) != 2 {
		t.Fatalf("expected duplicate signal folded away, got %d entries: %v", len(got), got)
	}

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []unix.Signal{unix.SIGUSR1, unix.SIGUSR2}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Blocked() = %v, want %v", got, want)
		}
	}
}
