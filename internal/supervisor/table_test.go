//go:build linux

package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/launcher"
)

// fakeIO is a minimal launcher.IOConn for table/restart tests that never
// touch a real fd or pty.
type fakeIO struct {
	fd uintptr
	io.ReadWriteCloser
}

func (f fakeIO) Fd() uintptr                        { return f.fd }
func (f fakeIO) IsPty() bool                        { return false }
func (f fakeIO) GetSize() (launcher.WinSize, error) { return launcher.WinSize{}, nil }
func (f fakeIO) SetSize(launcher.WinSize) error     { return nil }

type nopCloser struct{}

func (nopCloser) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopCloser) Close() error                { return nil }

func newEntry(name string, pid int, fd uintptr) *entry {
	return &entry{
		name: name,
		handle: &launcher.Handle{
			Pid:       pid,
			IO:        fakeIO{fd: fd, ReadWriteCloser: nopCloser{}},
			StartTime: time.Now(),
			Status:    api.StatusRunning,
		},
		status:      api.StatusRunning,
		restartMode: api.RestartNormal,
		startTime:   time.Now(),
	}
}

func TestTableInsertAndIndices(t *testing.T) {
	tb := newTable()
	e := newEntry("echo", 100, 3)
	tb.insert(e)

	if got, ok := tb.byPid(100); !ok || got.name != "echo" {
		t.Fatalf("byPid(100) = %v, %v", got, ok)
	}
	if got, ok := tb.byFd(3); !ok || got.name != "echo" {
		t.Fatalf("byFd(3) = %v, %v", got, ok)
	}
}

func TestTableRemoveClearsBothIndices(t *testing.T) {
	tb := newTable()
	e := newEntry("echo", 100, 3)
	tb.insert(e)
	tb.remove("echo")

	if _, ok := tb.get("echo"); ok {
		t.Fatal("expected echo to be absent after remove")
	}
	if _, ok := tb.byPid(100); ok {
		t.Fatal("expected pid index to be cleared after remove")
	}
	if _, ok := tb.byFd(3); ok {
		t.Fatal("expected fd index to be cleared after remove")
	}
}

func TestTableDropPIDKeepsFDUntilErase(t *testing.T) {
	tb := newTable()
	e := newEntry("echo", 100, 3)
	tb.insert(e)

	tb.dropPID(100)
	if _, ok := tb.byPid(100); ok {
		t.Fatal("expected pid index entry to be gone")
	}
	if _, ok := tb.byFd(3); !ok {
		t.Fatal("expected fd index entry to survive dropPID, per invariant 1")
	}
}

func TestTableSpliceRestartRewiresIndices(t *testing.T) {
	tb := newTable()
	e := newEntry("echo", 100, 3)
	tb.insert(e)
	tb.dropPID(100)

	newHandle := &launcher.Handle{
		Pid:       200,
		IO:        fakeIO{fd: 7, ReadWriteCloser: nopCloser{}},
		StartTime: time.Now(),
		Status:    api.StatusRunning,
	}
	tb.spliceRestart(e, newHandle)

	if _, ok := tb.byPid(100); ok {
		t.Fatal("old pid should no longer be indexed")
	}
	if got, ok := tb.byPid(200); !ok || got.name != "echo" {
		t.Fatalf("new pid should be indexed, got %v, %v", got, ok)
	}
	if _, ok := tb.byFd(3); ok {
		t.Fatal("old fd should no longer be indexed")
	}
	if got, ok := tb.byFd(7); !ok || got.name != "echo" {
		t.Fatalf("new fd should be indexed, got %v, %v", got, ok)
	}
}
