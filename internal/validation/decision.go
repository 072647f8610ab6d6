package validation

import (
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
)

// Outcome of validating an operation.
type Outcome int

const (
	Valid Outcome = iota
	Invalid
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Pending:
		return "pending"
	}
	return "*unknown*"
}

// Decision is the engine's verdict. Reason is the auditable explanation
// for Invalid and Pending; Cause carries the fault class behind it.
type Decision struct {
	Outcome Outcome
	Reason  string
	Cause   error
}

var accept = Decision{Outcome: Valid}

// decide turns a rule error into a decision. Missing data is Pending;
// rule violations are Invalid; anything else is a local failure and is
// treated as Pending so it can be retried.
func decide(err error) Decision {
	switch {
	case err == nil:
		return accept
	case fault.IsErrNotFound(err):
		return Decision{Outcome: Pending, Reason: err.Error(), Cause: err}
	case fault.IsErrInvalid(err), fault.IsErrPermission(err):
		return Decision{Outcome: Invalid, Reason: err.Error(), Cause: err}
	}
	return Decision{
		Outcome: Pending,
		Reason:  err.Error(),
		Cause:   fmt.Errorf("%w: %v", fault.ErrNotYetValid, err),
	}
}

// Err converts the decision to an error, nil when Valid.
func (d Decision) Err() error {
	if d.Outcome == Valid {
		return nil
	}
	return &fault.RejectedError{Reason: d.Reason, Cause: d.Cause}
}
