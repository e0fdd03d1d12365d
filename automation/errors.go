package automation

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotConfigured = errors.New("automation: no hub configured")

// Step names a stage of automation setup.
type Step string

const (
	StepResolve        Step = "resolve"
	StepCleanup        Step = "cleanup"
	StepActionSets     Step = "build action sets"
	StepActions        Step = "build actions"
	StepTriggers       Step = "build triggers"
	StepEnable         Step = "enable triggers"
	StepImmediateCheck Step = "immediate check"
)

// SetupFailedError reports the step and reason automation setup stopped at. LeftBehind names any
// hub objects created during the attempt that could not be removed again. Removed counts the unit's
// previous triggers, which were deleted before the attempt and are not restored.
type SetupFailedError struct {
	Step       Step
	Reason     string
	Err        error
	LeftBehind []string
	Removed    int
}

func (e *SetupFailedError) Error() string {
	msg := fmt.Sprintf("automation setup failed during %s: %s", e.Step, e.Reason)

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	if len(e.LeftBehind) > 0 {
		msg += " (left behind: " + strings.Join(e.LeftBehind, ", ") + ")"
	}

	if e.Removed > 0 {
		msg += fmt.Sprintf(" (%d previous triggers removed)", e.Removed)
	}

	return msg
}

func (e *SetupFailedError) Unwrap() error {
	return e.Err
}

func failed(step Step, reason string, err error) *SetupFailedError {
	return &SetupFailedError{Step: step, Reason: reason, Err: err}
}
