// Package tasks persists application tasks, their status transitions and the
// audit trail written alongside every transition.
package tasks

import "slices"

type Status string

const (
	StatusPending       Status = "pending"
	StatusInProgress    Status = "in_progress"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusSubmitted     Status = "submitted"
	StatusAccepted      Status = "accepted"
	StatusRejected      Status = "rejected"
	StatusFailed        Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusInProgress, StatusFailed},
	StatusInProgress:    {StatusSubmitted, StatusFailed, StatusAwaitingHuman},
	StatusAwaitingHuman: {StatusInProgress, StatusFailed},
	StatusSubmitted:     {StatusAccepted, StatusRejected},
}

// ParseStatus returns false for anything that is not a known status.
func ParseStatus(s string) (Status, bool) {
	status := Status(s)
	switch status {
	case StatusPending, StatusInProgress, StatusAwaitingHuman, StatusSubmitted,
		StatusAccepted, StatusRejected, StatusFailed:
		return status, true
	}
	return "", false
}

// CanTransition reports whether a task in from may move to to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Active statuses hold the (client, university, course) slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusAwaitingHuman
}

// Finished statuses are the ones a session never leaves on its own.
func (s Status) Finished() bool {
	return s == StatusSubmitted || s == StatusAccepted || s == StatusRejected || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}
