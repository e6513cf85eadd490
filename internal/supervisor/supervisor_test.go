//go:build linux

package supervisor

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/codehz/nsgod/internal/api"
	"github.com/codehz/nsgod/internal/eventloop"
)

type fakeEmitter struct {
	events []string
}

func (f *fakeEmitter) Emit(method string, params interface{}) {
	f.events = append(f.events, method)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeEmitter) {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { loop.Close() })
	emit := &fakeEmitter{}
	return New(loop, emit, logrus.New(), func() {}), emit
}

func TestPingEchoesBody(t *testing.T) {
	s, _ := newTestSupervisor(t)
	in := json.RawMessage(`{"a":1}`)
	out := s.Ping(in)
	if string(out) != string(in) {
		t.Fatalf("Ping did not echo body: got %s, want %s", out, in)
	}
}

func TestResizeRejectsExited(t *testing.T) {
	s, _ := newTestSupervisor(t)
	e := newEntry("echo", 1, 1)
	e.status = api.StatusExited
	s.table.insert(e)

	if _, err := s.Resize(api.ResizeRequest{Service: "echo"}); err == nil {
		t.Fatal("expected error resizing an exited service")
	}
}

func TestEraseClosesIOAndRemovesEntry(t *testing.T) {
	s, emit := newTestSupervisor(t)
	e := newEntry("echo", 1, 1)
	e.status = api.StatusExited
	s.table.insert(e)

	if _, err := s.Erase(api.ServiceRequest{Service: "echo"}); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !e.ioClosed {
		t.Fatal("expected ioClosed after Erase, per spec section 4.5's erase contract")
	}
	if _, ok := s.table.get("echo"); ok {
		t.Fatal("expected entry removed after Erase")
	}

	found := false
	for _, m := range emit.events {
		if m == "updated" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an 'updated' event after Erase")
	}
}

func TestCloseIOIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t)
	e := newEntry("echo", 1, 1)

	s.closeIO(e)
	s.closeIO(e)
	if !e.ioClosed {
		t.Fatal("expected ioClosed to stick after the first closeIO")
	}
}
