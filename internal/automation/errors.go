package automation

import (
	"errors"
	"fmt"
)

// ErrSessionRunning is returned when the task's (client, university, course)
// lock is already held, the task is left untouched.
var ErrSessionRunning = errors.New("a session is already running for this course")

// ErrNotRunnable is returned when a task is not in a status the requested
// operation starts from.
var ErrNotRunnable = errors.New("task cannot be run from its current status")

// NavigationError means a page failed to load or to move on.
type NavigationError struct {
	Step string
	URL  string
	Err  error
}

func (e *NavigationError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("navigation failed in %s at %s: %v", e.Step, e.URL, e.Err)
	}
	return fmt.Sprintf("navigation failed in %s: %v", e.Step, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// FieldNotFoundError means a configured selector matched nothing, usually
// because the portal changed its form.
type FieldNotFoundError struct {
	Step     string
	Field    string
	Selector string
	Err      error
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field %s (%s) not found in %s", e.Field, e.Selector, e.Step)
}

func (e *FieldNotFoundError) Unwrap() error {
	return e.Err
}

// CaptchaEncountered suspends the task until an operator clears the challenge.
type CaptchaEncountered struct {
	Step     string
	Selector string
}

func (e *CaptchaEncountered) Error() string {
	return fmt.Sprintf("captcha challenge (%s) before %s", e.Selector, e.Step)
}

// CredentialInvalid means the portal rejected the stored credential, or the
// credential was invalidated by an earlier session.
type CredentialInvalid struct {
	University string
	Reason     string
}

func (e *CredentialInvalid) Error() string {
	return fmt.Sprintf("credential for %s is invalid: %s", e.University, e.Reason)
}
