//go:build linux

package eventloop

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestReadableFiresOnWrite(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	fired := make(chan uint32, 1)
	token := loop.Register(func(events uint32) {
		buf := make([]byte, 16)
		n, _ := unix.Read(int(r.Fd()), buf)
		_ = n
		loop.Shutdown()
		fired <- events
	})
	if err := loop.Add(NewInterest(BitReadable), int(r.Fd()), token); err != nil {
		t.Fatalf("Add: %v", err)
	}

	go func() {
		w.Write([]byte("hi"))
	}()

	if err := loop.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	select {
	case ev := <-fired:
		if ev&unix.EPOLLIN == 0 {
			t.Fatalf("expected EPOLLIN, got %x", ev)
		}
	default:
		t.Fatal("callback never fired")
	}
}

func TestDelIsIdempotent(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := loop.Del(int(r.Fd())); err != nil {
		t.Fatalf("Del on unregistered fd should be a no-op: %v", err)
	}

	token := loop.Register(func(uint32) {})
	if err := loop.Add(NewInterest(BitReadable), int(r.Fd()), token); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := loop.Del(int(r.Fd())); err != nil {
		t.Fatalf("first Del: %v", err)
	}
	if err := loop.Del(int(r.Fd())); err != nil {
		t.Fatalf("second Del should be idempotent: %v", err)
	}
}

func TestAddUnknownTokenFails(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := loop.Add(NewInterest(BitReadable), int(r.Fd()), Token(999)); err == nil {
		t.Fatal("expected error for unregistered token")
	}
}

func TestDeregisterRejectsFutureAdd(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	token := loop.Register(func(uint32) {})
	loop.Deregister(token)

	if err := loop.Add(NewInterest(BitReadable), int(r.Fd()), token); err == nil {
		t.Fatal("expected error adding an fd under a deregistered token")
	}

	// Deregistering twice, or a token that never existed, is a no-op.
	loop.Deregister(token)
	loop.Deregister(Token(12345))
}
