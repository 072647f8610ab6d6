// Package capability is the identity and capability ledger: people,
// private data, role assignments and the tiers they confer, capability
// grants over private data, and dispute holds.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/validation"
)

// MaxGrantDuration is the longest a capability grant may run.
const MaxGrantDuration = 30 * 24 * time.Hour

// Config tunes the ledger.
type Config struct {
	// MaxGrantDuration caps grants. It can only lower MaxGrantDuration.
	MaxGrantDuration time.Duration
	Quorum           int
}

// Service is one agent's view of the ledger.
type Service struct {
	host     *host.Host
	resolver *governance.Resolver
	cfg      Config
	log      *logger.L
}

// NewService creates the ledger service for h.
func NewService(h *host.Host, resolver *governance.Resolver, cfg Config) *Service {
	if cfg.MaxGrantDuration <= 0 || cfg.MaxGrantDuration > MaxGrantDuration {
		cfg.MaxGrantDuration = MaxGrantDuration
	}
	if cfg.Quorum < 1 {
		cfg.Quorum = governance.DefaultQuorum
	}
	return &Service{host: h, resolver: resolver, cfg: cfg, log: logger.New("capability")}
}

// AssignRole records that agent holds role on the strength of evidence,
// the hash of an approved promotion request for exactly that agent and
// role.
func (s *Service) AssignRole(ctx context.Context, agent model.AgentPubKey, role model.Role, evidence model.Hash) (model.Hash, model.Hash, error) {
	if !role.Valid() {
		return model.Hash{}, model.Hash{}, fmt.Errorf("%w: unknown role %q", fault.ErrInvalidEntry, role)
	}
	if err := s.checkEvidence(ctx, agent, role, evidence); err != nil {
		return model.Hash{}, model.Hash{}, err
	}

	ra := model.RoleAssignment{
		Agent:      agent,
		Role:       role,
		Evidence:   evidence,
		AssignedBy: s.host.Agent(),
		AssignedAt: s.host.Now(),
	}
	h, err := s.host.Create(ctx, model.EntryRoleAssignment, ra)
	if err != nil {
		return model.Hash{}, model.Hash{}, err
	}
	tag := model.RoleTag(agent, role, evidence, role.MinTier())
	l, err := s.host.Link(ctx, agent.Anchor(), h, model.LinkAgentToRole, tag)
	if err != nil {
		return model.Hash{}, model.Hash{}, err
	}
	s.log.Infof("role %s assigned to %s", role, agent.Short())
	return h, l, nil
}

// checkEvidence fails with fault.ErrInsufficientEvidence for anything but
// an approved promotion of agent to role, including evidence that does not
// exist.
func (s *Service) checkEvidence(ctx context.Context, agent model.AgentPubKey, role model.Role, evidence model.Hash) error {
	tally, req, err := governance.LoadTally(ctx, s.host.Store(), evidence, s.cfg.Quorum)
	switch {
	case fault.IsErrNotFound(err), fault.IsErrInvalid(err):
		return fmt.Errorf("%w: %v", fault.ErrInsufficientEvidence, err)
	case err != nil:
		return err
	case req.Kind != model.KindAgentPromotion:
		return fmt.Errorf("%w: evidence is a %s request", fault.ErrInsufficientEvidence, req.Kind)
	case req.SubjectAgent != agent:
		return fmt.Errorf("%w: evidence is about another agent", fault.ErrInsufficientEvidence)
	case req.RequestedRole != role || req.RequestedTier != role.MinTier():
		return fmt.Errorf("%w: evidence requests %s at %s", fault.ErrInsufficientEvidence, req.RequestedRole, req.RequestedTier)
	case !tally.Approved():
		return fmt.Errorf("%w: tally is %s", fault.ErrInsufficientEvidence, tally.Status)
	}
	return nil
}

// PromoteAgent re-derives agent's tier from its current role links.
func (s *Service) PromoteAgent(ctx context.Context, agent model.AgentPubKey) (model.Tier, error) {
	tier, err := s.resolver.TierOf(ctx, agent)
	if err != nil {
		return model.TierSimple, err
	}
	s.log.Debugf("%s is %s", agent.Short(), tier)
	return tier, nil
}

// TierOf returns agent's current tier.
func (s *Service) TierOf(ctx context.Context, agent model.AgentPubKey) (model.Tier, error) {
	return s.resolver.TierOf(ctx, agent)
}

// RolesOf returns the roles agent holds.
func (s *Service) RolesOf(ctx context.Context, agent model.AgentPubKey) ([]model.Role, error) {
	return s.resolver.RolesOf(ctx, agent)
}

// PlaceDisputeHold suspends agent's chain activity until the given time,
// on the strength of an approved dispute-hold request. A zero until uses
// the end the request asked for.
func (s *Service) PlaceDisputeHold(ctx context.Context, agent model.AgentPubKey, evidence model.Hash, until int64) (model.Hash, error) {
	tally, req, err := governance.LoadTally(ctx, s.host.Store(), evidence, s.cfg.Quorum)
	if err != nil {
		return model.Hash{}, err
	}
	switch {
	case req.Kind != model.KindDisputeHold:
		return model.Hash{}, fmt.Errorf("%w: evidence is a %s request", fault.ErrInsufficientEvidence, req.Kind)
	case req.SubjectAgent != agent:
		return model.Hash{}, fmt.Errorf("%w: evidence is about another agent", fault.ErrInsufficientEvidence)
	case !tally.Approved():
		return model.Hash{}, fmt.Errorf("%w: tally is %s", fault.ErrInsufficientEvidence, tally.Status)
	}
	if until == 0 {
		until = req.HoldUntil
	}
	if until > req.HoldUntil {
		return model.Hash{}, fmt.Errorf("%w: hold may last until %d", fault.ErrInvalidLink, req.HoldUntil)
	}
	l, err := s.host.Link(ctx, agent.Anchor(), evidence, model.LinkAgentToDisputeHold, model.HoldTag(until))
	if err != nil {
		return model.Hash{}, err
	}
	s.log.Warnf("dispute hold on %s until %d", agent.Short(), until)
	return l, nil
}

// UnderHold reports whether agent is currently under a dispute hold.
func (s *Service) UnderHold(ctx context.Context, agent model.AgentPubKey) (bool, error) {
	return validation.ActiveHold(ctx, s.host.Store(), agent, s.host.Now())
}
