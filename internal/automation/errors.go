package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrAutomationNotFound) {
//	    // handle not found case
//	}
var (
	// ErrAutomationNotFound is returned when an automation ID does not exist.
	ErrAutomationNotFound = errors.New("automation: not found")

	// ErrAutomationExists is returned when creating an automation with an ID that already exists.
	ErrAutomationExists = errors.New("automation: already exists")

	// ErrAutomationDisabled is returned when firing a disabled automation.
	// No run is recorded.
	ErrAutomationDisabled = errors.New("automation: disabled")

	// ErrInvalidAutomation is returned when a definition fails validation.
	ErrInvalidAutomation = errors.New("automation: invalid")

	// ErrScheduleParse is returned for malformed cron expressions and
	// schedule fields. It is raised at create/update, never at tick time.
	ErrScheduleParse = errors.New("automation: schedule parse error")

	// ErrEvaluation marks a condition that could not be evaluated,
	// such as a field missing from the context. The condition counts as false.
	ErrEvaluation = errors.New("automation: evaluation error")

	// ErrExecution wraps a failed action (equipment unreachable, alert sink down).
	ErrExecution = errors.New("automation: execution error")

	// ErrRunInProgress is returned when a fire is dropped because the
	// automation already has an active run.
	ErrRunInProgress = errors.New("automation: run in progress")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("automation: run not found")

	// ErrEngineNotRunning is returned when firing or stopping an engine
	// that is not running.
	ErrEngineNotRunning = errors.New("automation: engine not running")

	// ErrEngineRunning is returned by a second Start.
	ErrEngineRunning = errors.New("automation: engine already running")
)
