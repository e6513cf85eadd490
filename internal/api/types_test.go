package api

import (
	"encoding/json"
	"testing"
)

func TestStatusStoppedSpelling(t *testing.T) {
	data, err := json.Marshal(StatusStopped)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"stoped"` {
		t.Fatalf("expected the preserved misspelling, got %s", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"stoped"`), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s != StatusStopped {
		t.Fatalf("expected StatusStopped, got %v", s)
	}
}

func TestStatusUnmarshalRejectsUnknown(t *testing.T) {
	var s Status
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Fatal("expected an error for an unknown status string")
	}
}

func TestLaunchOptionsDefaults(t *testing.T) {
	var opts LaunchOptions
	if err := json.Unmarshal([]byte(`{"cmdline":["/bin/true"]}`), &opts); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if opts.Root != "/" {
		t.Errorf("expected root default \"/\", got %q", opts.Root)
	}
	if opts.Cwd != "." {
		t.Errorf("expected cwd default \".\", got %q", opts.Cwd)
	}
	if opts.Pty || opts.Waitstop {
		t.Errorf("expected pty/waitstop to default false")
	}
}

func TestLaunchOptionsRequiresCmdline(t *testing.T) {
	var opts LaunchOptions
	if err := json.Unmarshal([]byte(`{}`), &opts); err == nil {
		t.Fatal("expected an error for an empty cmdline")
	}
}

func TestLaunchOptionsRoundTrip(t *testing.T) {
	opts := LaunchOptions{
		Cmdline: []string{"/bin/sh", "-c", "echo hi"},
		Pty:     true,
		Root:    "/var/lib/nsgod/roots/echo",
		Cwd:     "/work",
		Log:     "/var/log/nsgod/echo.log",
		Env:     []string{"FOO=bar"},
		Mounts:  map[string]string{"/work": "/home/user/project"},
		Restart: RestartPolicy{Enabled: true, Max: 3, ResetTimerMillis: 10000},
		Label:   "echo service",
	}
	data, err := json.Marshal(opts)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded LaunchOptions
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Cmdline[0] != opts.Cmdline[0] || decoded.Mounts["/work"] != opts.Mounts["/work"] {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestRestartModeStrings(t *testing.T) {
	cases := map[RestartMode]string{
		RestartNormal:  `"normal"`,
		RestartForce:   `"force"`,
		RestartPrevent: `"prevent"`,
	}
	for mode, want := range cases {
		data, err := json.Marshal(mode)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", mode, err)
		}
		if string(data) != want {
			t.Errorf("Marshal(%v) = %s, want %s", mode, data, want)
		}
	}
}
