package model

import (
	"encoding/json"
	"fmt"
)

// ResourceState is the lifecycle state of an EconomicResource.
type ResourceState string

const (
	StatePendingValidation = ResourceState("pending_validation")
	StateActive            = ResourceState("active")
	StateMaintenance       = ResourceState("maintenance")
	StateRetired           = ResourceState("retired")
	StateReserved          = ResourceState("reserved")
)

// Valid reports whether s is a lifecycle state.
func (s ResourceState) Valid() bool {
	switch s {
	case StatePendingValidation, StateActive, StateMaintenance, StateRetired, StateReserved:
		return true
	}
	return false
}

// Guard names the condition that must hold for an edge to be taken.
type Guard string

const (
	GuardValidationApproved   = Guard("resource validation approved")
	GuardMaintenanceOpen      = Guard("open maintenance commitment")
	GuardMaintenanceFulfilled = Guard("maintenance commitment fulfilled")
	GuardEndOfLifeApproved    = Guard("end-of-life validation approved")
	GuardReservationOpen      = Guard("open reservation commitment")
	GuardReservationClosed    = Guard("reservation expired or fulfilled")
)

type edge struct {
	from ResourceState
	to   ResourceState
}

// the whole lifecycle graph; anything not listed is illegal
var edges = map[edge]Guard{
	{StatePendingValidation, StateActive}: GuardValidationApproved,
	{StateActive, StateMaintenance}:       GuardMaintenanceOpen,
	{StateMaintenance, StateActive}:       GuardMaintenanceFulfilled,
	{StateActive, StateRetired}:           GuardEndOfLifeApproved,
	{StateActive, StateReserved}:          GuardReservationOpen,
	{StateReserved, StateActive}:          GuardReservationClosed,
}

// Transition returns the guard for from -> to, and false when the pair is
// not an edge of the lifecycle graph.
func Transition(from, to ResourceState) (Guard, bool) {
	g, ok := edges[edge{from, to}]
	return g, ok
}

// GovernanceRuleType is the closed set of rule evaluators.
type GovernanceRuleType string

const (
	RuleRequiresEnforcingRole = GovernanceRuleType("requires_enforcing_role")
	RuleMinTier               = GovernanceRuleType("min_tier")
	RuleAllowedActions        = GovernanceRuleType("allowed_actions")
	RuleMaxQuantity           = GovernanceRuleType("max_quantity")
	RuleCustodianOnly         = GovernanceRuleType("custodian_only")
)

// Valid reports whether t has an evaluator.
func (t GovernanceRuleType) Valid() bool {
	switch t {
	case RuleRequiresEnforcingRole, RuleMinTier, RuleAllowedActions, RuleMaxQuantity, RuleCustodianOnly:
		return true
	}
	return false
}

// GovernanceRule is attached to a specification and checked on every
// operation against resources of that specification.
type GovernanceRule struct {
	RuleType   GovernanceRuleType `json:"rule_type"`
	Parameters json.RawMessage    `json:"parameters,omitempty"`
	EnforcedBy Role               `json:"enforced_by,omitempty"`
}

// ResourceSpecification describes a kind of resource and the rules that
// govern it. Revisions are new entries; resources pin a revision hash.
type ResourceSpecification struct {
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	Category           string           `json:"category,omitempty"`
	DefaultUnit        string           `json:"default_unit,omitempty"`
	RequiresValidation bool             `json:"requires_validation"`
	ValidationScheme   string           `json:"validation_scheme,omitempty"`
	GovernanceRules    []GovernanceRule `json:"governance_rules,omitempty"`
}

// Validate checks the structural constraints of a specification.
func (s ResourceSpecification) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("specification: name is required")
	}
	for i, r := range s.GovernanceRules {
		if !r.RuleType.Valid() {
			return fmt.Errorf("specification: rule %d: unknown rule type %q", i, r.RuleType)
		}
		if r.EnforcedBy != "" && !r.EnforcedBy.Valid() {
			return fmt.Errorf("specification: rule %d: unknown role %q", i, r.EnforcedBy)
		}
	}
	return nil
}

// EconomicResource is a concrete, custodied instance of a specification.
type EconomicResource struct {
	Specification Hash          `json:"specification"`
	Quantity      float64       `json:"quantity"`
	Unit          string        `json:"unit"`
	Custodian     AgentPubKey   `json:"custodian"`
	State         ResourceState `json:"state"`
	Location      string        `json:"location,omitempty"`
	LastEvent     Hash          `json:"last_event,omitempty"`
	Commitment    Hash          `json:"commitment,omitempty"` // open commitment holding the resource
}
