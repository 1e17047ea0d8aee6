package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a lifecycle failure for callers that map errors to responses.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindValidation      Kind = "VALIDATION"
	KindAlreadyExecuted Kind = "ALREADY_EXECUTED"
	KindCancelled       Kind = "CANCELLED"
	KindNotApproved     Kind = "NOT_APPROVED"
	KindNotScheduled    Kind = "NOT_SCHEDULED"
	KindTooEarly        Kind = "TOO_EARLY"
)

// BusinessRule reports whether the kind is a rule violation (a conflict) rather than a
// missing entity or bad input.
func (k Kind) BusinessRule() bool {
	switch k {
	case KindAlreadyExecuted, KindCancelled, KindNotApproved, KindNotScheduled, KindTooEarly:
		return true
	}
	return false
}

type Error struct {
	Kind      Kind
	ReleaseID int64
	// ScheduledAt is set for KindTooEarly.
	ScheduledAt *time.Time
	Message     string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches on Kind, so errors.Is(err, ErrTooEarly) holds for any too-early error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrAlreadyExecuted = &Error{Kind: KindAlreadyExecuted}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrNotApproved     = &Error{Kind: KindNotApproved}
	ErrNotScheduled    = &Error{Kind: KindNotScheduled}
	ErrTooEarly        = &Error{Kind: KindTooEarly}
)

// KindOf returns the lifecycle kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}

func notFound(id int64) error {
	return &Error{Kind: KindNotFound, ReleaseID: id, Message: fmt.Sprintf("Release with id %d not found", id)}
}

func templateNotFound(id int64) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("Template with id %d not found", id)}
}

func alreadyExecuted(id int64) error {
	return &Error{Kind: KindAlreadyExecuted, ReleaseID: id, Message: fmt.Sprintf("Release %d has already been executed", id)}
}

func cancelled(id int64) error {
	return &Error{Kind: KindCancelled, ReleaseID: id, Message: fmt.Sprintf("Release %d has been cancelled", id)}
}

func notApproved(id int64) error {
	return &Error{Kind: KindNotApproved, ReleaseID: id, Message: fmt.Sprintf("Release %d must be APPROVED before execution", id)}
}

func notScheduled(id int64) error {
	return &Error{Kind: KindNotScheduled, ReleaseID: id, Message: fmt.Sprintf("Release %d must be scheduled before execution", id)}
}

func tooEarly(id int64, at time.Time) error {
	return &Error{
		Kind:        KindTooEarly,
		ReleaseID:   id,
		ScheduledAt: &at,
		Message:     fmt.Sprintf("Cannot execute release %d before scheduled time: %s", id, at.UTC().Format(time.RFC3339)),
	}
}

func validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}
