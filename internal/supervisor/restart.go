//go:build linux

package supervisor

import (
	"time"

	"github.com/codehz/nsgod/internal/api"
)

type restartAction int

const (
	restartNone restartAction = iota
	restartDenied
	restartAttempt
)

type restartDecision struct {
	action    restartAction
	nextCount int
}

// evaluateRestart implements spec section 4.5's restart-policy algorithm
// against e's *just-recorded* death (e.status/e.deadTime already updated
// by the caller). It mutates e.restartCount's reset-timer bookkeeping but
// leaves the actual increment/splice to the caller, since a failed
// relaunch must not advance the count.
//
// Step 3 of the algorithm groups restart_mode = Prevent with the
// restart_count >= max case: both are a denial carrying
// stopped(restart={error:"max"}), not a plain stopped with no restart
// field. restartNone is reserved for the one case step 3 doesn't name:
// Normal mode with restart.enabled = false.
func evaluateRestart(e *entry) restartDecision {
	if e.restartMode == api.RestartPrevent {
		return restartDecision{action: restartDenied}
	}

	wantRestart := e.restartMode == api.RestartForce ||
		(e.restartMode == api.RestartNormal && e.options.Restart.Enabled)
	if !wantRestart {
		return restartDecision{action: restartNone}
	}

	resetTimer := time.Duration(e.options.Restart.ResetTimerMillis) * time.Millisecond
	if resetTimer > 0 && e.deadTime.Sub(e.startTime) > resetTimer {
		e.restartCount = 0
	}

	if e.restartMode == api.RestartNormal && e.restartCount >= e.options.Restart.Max {
		return restartDecision{action: restartDenied}
	}

	return restartDecision{action: restartAttempt, nextCount: e.restartCount + 1}
}
