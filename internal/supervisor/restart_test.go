//go:build linux

package supervisor

import (
	"testing"
	"time"

	"github.com/codehz/nsgod/internal/api"
)

func TestEvaluateRestartNoneWhenDisabled(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartNormal
	e.options.Restart = api.RestartPolicy{Enabled: false}

	d := evaluateRestart(e)
	if d.action != restartNone {
		t.Fatalf("expected restartNone, got %v", d.action)
	}
}

func TestEvaluateRestartPreventIsDenied(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartPrevent
	e.options.Restart = api.RestartPolicy{Enabled: true, Max: 10}

	d := evaluateRestart(e)
	if d.action != restartDenied {
		t.Fatalf("spec step 3 groups Prevent with the denied case: expected restartDenied, got %v", d.action)
	}
}

func TestEvaluateRestartForceIgnoresEnabled(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartForce
	e.options.Restart = api.RestartPolicy{Enabled: false}

	d := evaluateRestart(e)
	if d.action != restartAttempt {
		t.Fatalf("expected restartAttempt for Force despite enabled=false, got %v", d.action)
	}
}

func TestEvaluateRestartDeniedAtMax(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartNormal
	e.options.Restart = api.RestartPolicy{Enabled: true, Max: 2}
	e.restartCount = 2
	e.startTime = time.Now()
	e.deadTime = time.Now()

	d := evaluateRestart(e)
	if d.action != restartDenied {
		t.Fatalf("expected restartDenied once restart_count >= max, got %v", d.action)
	}
}

func TestEvaluateRestartIncrementsCount(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartNormal
	e.options.Restart = api.RestartPolicy{Enabled: true, Max: 5}
	e.restartCount = 1
	e.startTime = time.Now()
	e.deadTime = time.Now()

	d := evaluateRestart(e)
	if d.action != restartAttempt {
		t.Fatalf("expected restartAttempt, got %v", d.action)
	}
	if d.nextCount != 2 {
		t.Fatalf("expected nextCount=2, got %d", d.nextCount)
	}
}

func TestEvaluateRestartResetsCountAfterLongRun(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartNormal
	e.options.Restart = api.RestartPolicy{Enabled: true, Max: 2, ResetTimerMillis: 1000}
	e.restartCount = 2
	e.startTime = time.Now().Add(-2 * time.Second)
	e.deadTime = time.Now()

	d := evaluateRestart(e)
	if d.action != restartAttempt {
		t.Fatalf("expected restart_count to have reset and allowed a restart, got %v", d.action)
	}
	if d.nextCount != 1 {
		t.Fatalf("expected nextCount=1 after reset, got %d", d.nextCount)
	}
}

func TestEvaluateRestartNoResetBeforeTimer(t *testing.T) {
	e := newEntry("echo", 1, 1)
	e.restartMode = api.RestartNormal
	e.options.Restart = api.RestartPolicy{Enabled: true, Max: 2, ResetTimerMillis: 10000}
	e.restartCount = 2
	e.startTime = time.Now().Add(-100 * time.Millisecond)
	e.deadTime = time.Now()

	d := evaluateRestart(e)
	if d.action != restartDenied {
		t.Fatalf("expected restartDenied: process died too soon to reset the counter, got %v", d.action)
	}
}
