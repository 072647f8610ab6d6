// Package governance decides when peer validation is complete and whether
// an operation satisfies the rules attached to a resource specification.
//
// Tallies are a pure function of the distinct receipts linked to a
// validation request and the request's scheme; nothing about a tally is
// ever stored.
package governance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nondominium/internal/fault"
)

// scheme names
const (
	SimpleMajority   = "simple-majority"
	simpleMajorityOf = "simple-majority-of-"
	nOfMSeparator    = "-of-"
)

// DefaultQuorum is the validator pool "simple-majority" is measured
// against when none is configured.
const DefaultQuorum = 3

const maxSchemeVoters = 1000

// Scheme is a parsed validation scheme: Required approvals out of Of
// possible validators.
type Scheme struct {
	Required int
	Of       int
}

// ParseScheme accepts "N-of-M", "simple-majority" (a majority of
// quorum) and "simple-majority-of-M".
func ParseScheme(s string, quorum int) (Scheme, error) {
	switch {
	case s == SimpleMajority:
		return majority(quorum)
	case strings.HasPrefix(s, simpleMajorityOf):
		m, err := strconv.Atoi(strings.TrimPrefix(s, simpleMajorityOf))
		if err != nil {
			return Scheme{}, fmt.Errorf("%w: %q", fault.ErrInvalidScheme, s)
		}
		return majority(m)
	}

	parts := strings.Split(s, nOfMSeparator)
	if len(parts) != 2 {
		return Scheme{}, fmt.Errorf("%w: %q", fault.ErrInvalidScheme, s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return Scheme{}, fmt.Errorf("%w: %q", fault.ErrInvalidScheme, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return Scheme{}, fmt.Errorf("%w: %q", fault.ErrInvalidScheme, s)
	}
	if n < 1 || m < n || m > maxSchemeVoters {
		return Scheme{}, fmt.Errorf("%w: %q", fault.ErrInvalidScheme, s)
	}
	return Scheme{Required: n, Of: m}, nil
}

func majority(m int) (Scheme, error) {
	if m < 1 || m > maxSchemeVoters {
		return Scheme{}, fmt.Errorf("%w: majority of %d", fault.ErrInvalidScheme, m)
	}
	return Scheme{Required: m/2 + 1, Of: m}, nil
}

func (s Scheme) String() string {
	return fmt.Sprintf("%d-of-%d", s.Required, s.Of)
}

// Status of a tally.
type Status string

const (
	StatusPending  = Status("pending")
	StatusApproved = Status("approved")
	StatusRejected = Status("rejected")
)

// Decide maps receipt counts to a status. Approval wins as soon as the
// threshold is met; rejection once enough validators refused that the
// threshold can no longer be reached.
func (s Scheme) Decide(approvals, rejections int) Status {
	switch {
	case approvals >= s.Required:
		return StatusApproved
	case rejections > s.Of-s.Required:
		return StatusRejected
	}
	return StatusPending
}
