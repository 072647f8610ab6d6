package governance

import (
	"bytes"
	"context"

	"github.com/ssd-technologies/nondominium/internal/model"
)

// Resolver derives an agent's tier and roles from the role links
// published on its anchor. Links are validated when written, so a live
// link whose tag matches its assignment is trusted as it stands.
type Resolver struct {
	reader  Reader
	genesis map[model.AgentPubKey]bool
}

// NewResolver creates a resolver. Genesis agents are primary accountable
// from the start.
func NewResolver(r Reader, genesis []model.AgentPubKey) *Resolver {
	g := make(map[model.AgentPubKey]bool, len(genesis))
	for _, a := range genesis {
		g[a] = true
	}
	return &Resolver{reader: r, genesis: g}
}

// IsGenesis reports whether agent was configured as a genesis agent.
func (r *Resolver) IsGenesis(agent model.AgentPubKey) bool {
	return r.genesis[agent]
}

// Assignments returns the valid role assignments of agent, one per role,
// earliest first.
func (r *Resolver) Assignments(ctx context.Context, agent model.AgentPubKey) ([]model.RoleAssignment, error) {
	links, err := r.reader.GetLinks(ctx, agent.Anchor(), model.LinkAgentToRole, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.Role]bool)
	var out []model.RoleAssignment
	for _, l := range links {
		rec, found, err := r.reader.Get(ctx, l.Link.Target)
		if err != nil {
			return nil, err
		}
		if !found || rec.Entry.Type != model.EntryRoleAssignment {
			continue
		}
		var ra model.RoleAssignment
		if err := rec.Entry.Decode(&ra); err != nil {
			continue
		}
		if ra.Agent != agent || seen[ra.Role] {
			continue
		}
		if !bytes.Equal(l.Link.Tag, model.RoleTag(ra.Agent, ra.Role, ra.Evidence, ra.Role.MinTier())) {
			continue
		}
		seen[ra.Role] = true
		out = append(out, ra)
	}
	return out, nil
}

// RolesOf lists the roles agent holds.
func (r *Resolver) RolesOf(ctx context.Context, agent model.AgentPubKey) ([]model.Role, error) {
	assignments, err := r.Assignments(ctx, agent)
	if err != nil {
		return nil, err
	}
	roles := make([]model.Role, len(assignments))
	for i, ra := range assignments {
		roles[i] = ra.Role
	}
	return roles, nil
}

// TierOf is the highest tier any held role confers, never below Simple.
func (r *Resolver) TierOf(ctx context.Context, agent model.AgentPubKey) (model.Tier, error) {
	if r.genesis[agent] {
		return model.TierPrimaryAccountable, nil
	}
	roles, err := r.RolesOf(ctx, agent)
	if err != nil {
		return model.TierSimple, err
	}
	tier := model.TierSimple
	for _, role := range roles {
		if t := role.MinTier(); t > tier {
			tier = t
		}
	}
	return tier, nil
}

// HasRole reports whether agent holds role.
func (r *Resolver) HasRole(ctx context.Context, agent model.AgentPubKey, role model.Role) (bool, error) {
	roles, err := r.RolesOf(ctx, agent)
	if err != nil {
		return false, err
	}
	for _, held := range roles {
		if held == role {
			return true, nil
		}
	}
	return false, nil
}
