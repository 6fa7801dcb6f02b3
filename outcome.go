package main

import "errors"

// Outcome is the result code of an engine decision. Business rejections are
// outcomes, not errors; errors are reserved for storage and context failures.
type Outcome string

const (
	OutcomeNotFound           Outcome = "NOT_FOUND"
	OutcomeSlotDatePassed     Outcome = "SLOT_DATE_PASSED"
	OutcomeAlreadyInSlot      Outcome = "ALREADY_IN_SLOT"
	OutcomeRegistrationLimit  Outcome = "REGISTRATION_LIMIT_EXCEEDED"
	OutcomePendingLimit       Outcome = "PENDING_LIMIT_EXCEEDED"
	OutcomeInvalidEmail       Outcome = "INVALID_EMAIL"
	OutcomeSlotLocked         Outcome = "SLOT_LOCKED"
	OutcomePhDBlockedByMSc    Outcome = "PHD_BLOCKED_BY_MSC"
	OutcomeSlotFull           Outcome = "SLOT_FULL"
	OutcomeDegreeNotSet       Outcome = "DEGREE_NOT_SET"
	OutcomeRegistered         Outcome = "REGISTERED"
	OutcomeNotRegistered      Outcome = "NOT_REGISTERED"
	OutcomeUnregistered       Outcome = "UNREGISTERED"
	OutcomeSupervisorSaved    Outcome = "SUPERVISOR_SAVED"
	OutcomeAlreadyOnList      Outcome = "ALREADY_ON_LIST"
	OutcomeOnOtherList        Outcome = "ON_OTHER_LIST"
	OutcomeWaitingListFull    Outcome = "WAITING_LIST_FULL"
	OutcomeQueueTypeMismatch  Outcome = "QUEUE_TYPE_MISMATCH"
	OutcomeSupervisorRequired Outcome = "SUPERVISOR_REQUIRED"
	OutcomeAddedToList        Outcome = "ADDED_TO_LIST"
	OutcomeRemovedFromList    Outcome = "REMOVED_FROM_LIST"
	OutcomeNotOnList          Outcome = "NOT_ON_LIST"
	OutcomeApproved           Outcome = "APPROVED"
	OutcomeDeclined           Outcome = "DECLINED"
	OutcomeConfirmed          Outcome = "CONFIRMED"
	OutcomeTokenExpired       Outcome = "TOKEN_EXPIRED"
	OutcomeTokenInvalid       Outcome = "TOKEN_INVALID"
	OutcomeStateConflict      Outcome = "STATE_CONFLICT"
	OutcomeNoRoom             Outcome = "NO_ROOM"
)

// Success reports whether the outcome leaves the caller's request satisfied.
// ALREADY_IN_SLOT and ALREADY_ON_LIST are idempotent repeats and count as success.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeRegistered, OutcomeAlreadyInSlot, OutcomeUnregistered, OutcomeSupervisorSaved,
		OutcomeAddedToList, OutcomeAlreadyOnList, OutcomeRemovedFromList,
		OutcomeApproved, OutcomeDeclined, OutcomeConfirmed:
		return true
	}
	return false
}

// Email validation details reported alongside OutcomeInvalidEmail.
const (
	EmailMissing       = "SUPERVISOR_EMAIL_MISSING"
	EmailInvalidFormat = "SUPERVISOR_EMAIL_INVALID_FORMAT"
)

var (
	// ErrNotFound is returned by store lookups that require a row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput is returned for malformed administrative input.
	ErrInvalidInput = errors.New("invalid input")
)
