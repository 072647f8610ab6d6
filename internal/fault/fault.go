// Package fault holds the error taxonomy shared by every nondominium
// package.
//
// Errors come in classes so callers can decide what to do with them
// without string matching:
//
//	NotFoundError   - referenced data absent or not yet replicated, retryable
//	PermissionError - the acting agent may not do this, permanent
//	InvalidError    - the request breaks a rule of the data model, permanent
//	ProcessError    - local processing failed
//
// Structured errors carry the detail a caller needs to self-correct and
// match their class sentinel with errors.Is.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// GenericError is the base of every error class.
type GenericError string

// error classes
type NotFoundError GenericError
type PermissionError GenericError
type InvalidError GenericError
type ProcessError GenericError

// common errors - keep in alphabetic order within each class
var (
	ErrCommitmentNotFound = NotFoundError("commitment not found")
	ErrNotFound           = NotFoundError("not found")
	ErrNotYetValid        = NotFoundError("dependency not yet available")

	ErrDisputeHold      = PermissionError("agent under dispute hold")
	ErrFieldNotGranted  = PermissionError("field not granted")
	ErrGrantExpired     = PermissionError("grant expired")
	ErrGrantNotForYou   = PermissionError("grant not issued to caller")
	ErrInsufficientTier = PermissionError("insufficient capability tier")
	ErrMissingRole      = PermissionError("required role not held")
	ErrNotAuthor        = PermissionError("not author")
	ErrNotParticipant   = PermissionError("caller is not a participant")
	ErrSelfValidation   = PermissionError("agents cannot validate themselves")

	ErrAlreadyFulfilled       = InvalidError("already fulfilled")
	ErrGovernanceRuleViolated = InvalidError("governance rule violated")
	ErrImmutableRecord        = InvalidError("immutable record type")
	ErrInsufficientEvidence   = InvalidError("insufficient evidence")
	ErrInvalidAction          = InvalidError("action not in vocabulary")
	ErrInvalidEntry           = InvalidError("invalid entry")
	ErrInvalidLink            = InvalidError("invalid link")
	ErrInvalidMetrics         = InvalidError("performance metrics out of range")
	ErrInvalidQuantity        = InvalidError("quantity must be positive")
	ErrInvalidScheme          = InvalidError("invalid validation scheme")
	ErrInvalidStateTransition = InvalidError("illegal state transition")
	ErrInvalidSignature       = InvalidError("invalid signature")
	ErrSameParticipants       = InvalidError("provider and receiver must differ")
	ErrSignatureMismatch      = InvalidError("signature mismatch")
	ErrWrongEntryType         = InvalidError("wrong entry type")

	ErrCounterpartyUnavailable = ProcessError("counterparty unavailable")
	ErrKeyLength               = ProcessError("key length is invalid")
	ErrRateLimiting            = ProcessError("rate limiting")
	ErrWrongPassphrase         = ProcessError("wrong passphrase")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e NotFoundError) Error() string   { return string(e) }
func (e PermissionError) Error() string { return string(e) }
func (e InvalidError) Error() string    { return string(e) }
func (e ProcessError) Error() string    { return string(e) }

// determine the class of an error, looking through wrapping
func IsErrNotFound(e error) bool   { var t NotFoundError; return errors.As(e, &t) }
func IsErrPermission(e error) bool { var t PermissionError; return errors.As(e, &t) }
func IsErrInvalid(e error) bool    { var t InvalidError; return errors.As(e, &t) }
func IsErrProcess(e error) bool    { var t ProcessError; return errors.As(e, &t) }

// IsRetryable reports whether err is transient. Only data that is missing
// or not yet replicated qualifies; every other class is terminal for the
// call that produced it.
func IsRetryable(err error) bool {
	return IsErrNotFound(err)
}

// RuleViolationError reports the governance rule an operation broke.
type RuleViolationError struct {
	RuleType string
	Detail   string
}

func (e *RuleViolationError) Error() string {
	if e.Detail == "" {
		return "governance rule violated: " + e.RuleType
	}
	return "governance rule violated: " + e.RuleType + ": " + e.Detail
}

func (e *RuleViolationError) Unwrap() error { return ErrGovernanceRuleViolated }

// TierError reports a capability tier gate the acting agent did not pass.
type TierError struct {
	Required string
	Actual   string
}

func (e *TierError) Error() string {
	return fmt.Sprintf("insufficient capability tier: requires %s, have %s", e.Required, e.Actual)
}

func (e *TierError) Unwrap() error { return ErrInsufficientTier }

// RoleError reports a role the acting agent must hold.
type RoleError struct {
	Role string
}

func (e *RoleError) Error() string { return "required role not held: " + e.Role }

func (e *RoleError) Unwrap() error { return ErrMissingRole }

// GrantExpiredError reports when a capability grant stopped being usable.
type GrantExpiredError struct {
	ExpiresAt int64
}

func (e *GrantExpiredError) Error() string {
	return fmt.Sprintf("grant expired at %d", e.ExpiresAt)
}

func (e *GrantExpiredError) Unwrap() error { return ErrGrantExpired }

// FieldNotGrantedError lists the requested fields outside a grant, along
// with the fields the grant does cover.
type FieldNotGrantedError struct {
	Fields  []string
	Granted []string
}

func (e *FieldNotGrantedError) Error() string {
	return fmt.Sprintf("field not granted: %s (granted: %s)",
		strings.Join(e.Fields, ","), strings.Join(e.Granted, ","))
}

func (e *FieldNotGrantedError) Unwrap() error { return ErrFieldNotGranted }

// TransitionError reports a rejected resource state change.
type TransitionError struct {
	From   string
	To     string
	Detail string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// RejectedError is returned when the validation engine refuses an
// operation. Reason is the auditable text; Cause is the class sentinel or
// structured error behind it.
type RejectedError struct {
	Reason string
	Cause  error
}

func (e *RejectedError) Error() string { return "rejected: " + e.Reason }

func (e *RejectedError) Unwrap() error { return e.Cause }

// every sentinel, most specific first within a class
var sentinels = []error{
	ErrCommitmentNotFound, ErrNotYetValid, ErrNotFound,
	ErrDisputeHold, ErrFieldNotGranted, ErrGrantExpired, ErrGrantNotForYou,
	ErrInsufficientTier, ErrMissingRole, ErrNotAuthor, ErrNotParticipant,
	ErrSelfValidation,
	ErrAlreadyFulfilled, ErrGovernanceRuleViolated, ErrImmutableRecord,
	ErrInsufficientEvidence, ErrInvalidAction, ErrInvalidEntry, ErrInvalidLink,
	ErrInvalidMetrics, ErrInvalidQuantity, ErrInvalidScheme,
	ErrInvalidStateTransition, ErrInvalidSignature, ErrSameParticipants,
	ErrSignatureMismatch, ErrWrongEntryType,
	ErrCounterpartyUnavailable, ErrKeyLength, ErrRateLimiting, ErrWrongPassphrase,
}

// Code names the sentinel behind err so it can cross a process boundary.
// It is empty for errors outside the taxonomy.
func Code(err error) string {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return ""
}

// FromCode returns the sentinel Code produced, or nil.
func FromCode(code string) error {
	for _, s := range sentinels {
		if s.Error() == code {
			return s
		}
	}
	return nil
}
