package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClasses(t *testing.T) {
	wrapped := fmt.Errorf("fetch component: %w", ErrNotFound)
	assert.True(t, IsErrNotFound(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsErrInvalid(wrapped))

	assert.True(t, IsErrPermission(ErrNotAuthor))
	assert.False(t, IsRetryable(ErrNotAuthor))
	assert.True(t, IsErrInvalid(ErrImmutableRecord))
	assert.Equal(t, "immutable record type", ErrImmutableRecord.Error())
	assert.True(t, IsErrProcess(ErrCounterpartyUnavailable))
}

func TestStructuredErrors(t *testing.T) {
	var err error = &RuleViolationError{RuleType: "max_quantity", Detail: "5 > 3"}
	assert.True(t, errors.Is(err, ErrGovernanceRuleViolated))
	assert.True(t, IsErrInvalid(err))
	assert.Equal(t, "governance rule violated: max_quantity: 5 > 3", err.Error())

	err = fmt.Errorf("propose: %w", &TierError{Required: "accountable", Actual: "simple"})
	var tierErr *TierError
	assert.True(t, errors.As(err, &tierErr))
	assert.Equal(t, "accountable", tierErr.Required)
	assert.True(t, errors.Is(err, ErrInsufficientTier))

	err = &FieldNotGrantedError{Fields: []string{"phone"}, Granted: []string{"email"}}
	assert.True(t, errors.Is(err, ErrFieldNotGranted))
	assert.Contains(t, err.Error(), "phone")

	err = &GrantExpiredError{ExpiresAt: 10}
	assert.True(t, errors.Is(err, ErrGrantExpired))

	err = &TransitionError{From: "retired", To: "active"}
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	assert.Contains(t, err.Error(), "illegal state transition")

	err = &RoleError{Role: "repair"}
	assert.True(t, errors.Is(err, ErrMissingRole))
}

func TestRejectedKeepsCause(t *testing.T) {
	err := &RejectedError{Reason: "not author", Cause: ErrNotAuthor}
	assert.True(t, errors.Is(err, ErrNotAuthor))
	assert.True(t, IsErrPermission(err))

	pending := &RejectedError{Reason: "component missing", Cause: ErrNotYetValid}
	assert.True(t, IsRetryable(pending))
}

func TestCodes(t *testing.T) {
	err := fmt.Errorf("cosign: %w", &TransitionError{From: "active", To: "pending_validation"})
	assert.Equal(t, "illegal state transition", Code(err))
	assert.Equal(t, ErrInvalidStateTransition, FromCode(Code(err)))

	assert.Equal(t, ErrNotYetValid, FromCode(Code(fmt.Errorf("trigger: %w", ErrNotYetValid))))
	assert.Empty(t, Code(errors.New("disk full")))
	assert.Nil(t, FromCode("no such code"))
}
