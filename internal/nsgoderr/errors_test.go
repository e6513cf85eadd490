package nsgoderr

import (
	"errors"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindSetup:    "setup",
		KindLaunch:   "launch",
		KindLookup:   "lookup",
		KindState:    "state",
		KindOS:       "os",
		KindProtocol: "protocol",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := OS(cause, "writing to %s", "echo")
	if err.Kind() != KindOS {
		t.Fatalf("expected KindOS, got %v", err.Kind())
	}
	if err.Error() != "writing to echo: boom" {
		t.Fatalf("unexpected error text: %q", err.Error())
	}
	if errors.Unwrap(err).Error() == "" {
		t.Fatal("expected Unwrap to see through to the cause")
	}
}

func TestLookupFixedMessage(t *testing.T) {
	err := Lookup("echo")
	if err.Error() != MsgServiceNotExists {
		t.Fatalf("expected the fixed lookup message, got %q", err.Error())
	}
}

func TestStateMessage(t *testing.T) {
	err := State(MsgServiceExists)
	if err.Error() != MsgServiceExists {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if err.Kind() != KindState {
		t.Fatalf("expected KindState, got %v", err.Kind())
	}
}
