package governance

import (
	"encoding/json"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Subject is everything a rule evaluator may look at.
type Subject struct {
	Actor     model.AgentPubKey
	Action    model.Action
	Quantity  float64
	Custodian model.AgentPubKey
	Tier      model.Tier
	Roles     []model.Role
}

func (s Subject) holds(role model.Role) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// rule parameters
type roleParams struct {
	Role model.Role `json:"role"`
}

type tierParams struct {
	Tier model.Tier `json:"tier"`
}

type actionsParams struct {
	Actions []model.Action `json:"actions"`
}

type quantityParams struct {
	Max float64 `json:"max"`
}

// Evaluate checks every rule in order and returns the first violation as
// a *fault.RuleViolationError.
func Evaluate(rules []model.GovernanceRule, s Subject) error {
	for _, rule := range rules {
		if err := evaluate(rule, s); err != nil {
			return err
		}
	}
	return nil
}

func evaluate(rule model.GovernanceRule, s Subject) error {
	violation := func(format string, args ...any) error {
		return &fault.RuleViolationError{RuleType: string(rule.RuleType), Detail: fmt.Sprintf(format, args...)}
	}

	switch rule.RuleType {
	case model.RuleRequiresEnforcingRole:
		var p roleParams
		if err := decodeParams(rule, &p); err != nil {
			return violation("bad parameters: %v", err)
		}
		role := p.Role
		if role == "" {
			role = rule.EnforcedBy
		}
		if role == "" {
			return violation("no role named")
		}
		if !s.holds(role) {
			return violation("requires role %s", role)
		}

	case model.RuleMinTier:
		var p tierParams
		if err := decodeParams(rule, &p); err != nil {
			return violation("bad parameters: %v", err)
		}
		if s.Tier < p.Tier {
			return violation("requires tier %s, have %s", p.Tier, s.Tier)
		}

	case model.RuleAllowedActions:
		var p actionsParams
		if err := decodeParams(rule, &p); err != nil {
			return violation("bad parameters: %v", err)
		}
		for _, a := range p.Actions {
			if a == s.Action {
				return nil
			}
		}
		return violation("action %s not allowed", s.Action)

	case model.RuleMaxQuantity:
		var p quantityParams
		if err := decodeParams(rule, &p); err != nil {
			return violation("bad parameters: %v", err)
		}
		if s.Quantity > p.Max {
			return violation("quantity %v exceeds %v", s.Quantity, p.Max)
		}

	case model.RuleCustodianOnly:
		if s.Actor != s.Custodian {
			return violation("only the custodian may act")
		}

	default:
		return violation("unknown rule type")
	}
	return nil
}

func decodeParams(rule model.GovernanceRule, v any) error {
	if len(rule.Parameters) == 0 {
		return nil
	}
	return json.Unmarshal(rule.Parameters, v)
}
