// Package economy runs the commitment, event and claim pipeline that moves
// resources between agents and mints participation receipts along the
// way.
package economy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitmark-inc/logger"
	"github.com/google/uuid"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/resource"
)

// Service is one agent's side of the economic pipeline.
type Service struct {
	host      *host.Host
	resolver  *governance.Resolver
	resources *resource.Service
	receipts  *ppr.Service
	log       *logger.L

	// serialises fulfilments so the claim check and the claim link
	// cannot interleave
	fulfilling sync.Mutex
}

// NewService wires the pipeline for h.
func NewService(h *host.Host, resolver *governance.Resolver, resources *resource.Service, receipts *ppr.Service) *Service {
	return &Service{
		host:      h,
		resolver:  resolver,
		resources: resources,
		receipts:  receipts,
		log:       logger.New("economy"),
	}
}

// Proposal describes a commitment. Due is a unix time.
type Proposal struct {
	Action   model.Action      `json:"action"`
	Provider model.AgentPubKey `json:"provider"`
	Receiver model.AgentPubKey `json:"receiver"`
	Resource model.Hash        `json:"resource"`
	Quantity float64           `json:"quantity"`
	Unit     string            `json:"unit,omitempty"`
	Due      int64             `json:"due"`
	Note     string            `json:"note,omitempty"`
}

// Commitment is a commitment with its hash.
type Commitment struct {
	Hash       model.Hash       `json:"hash"`
	Commitment model.Commitment `json:"commitment"`
}

// ProposeCommitment records a promise between the local agent and a
// counterparty about a resource. Commitments that hold the resource move
// it into maintenance or reservation; service commitments mint the
// acceptance receipts.
func (s *Service) ProposeCommitment(ctx context.Context, p Proposal) (model.Hash, error) {
	me := s.host.Agent()
	switch {
	case !p.Action.Valid():
		return model.Hash{}, fmt.Errorf("%w: %q", fault.ErrInvalidAction, p.Action)
	case p.Provider == p.Receiver:
		return model.Hash{}, fault.ErrSameParticipants
	case me != p.Provider && me != p.Receiver:
		return model.Hash{}, fault.ErrNotParticipant
	case p.Quantity <= 0:
		return model.Hash{}, fault.ErrInvalidQuantity
	}

	tier, err := s.resolver.TierOf(ctx, me)
	if err != nil {
		return model.Hash{}, err
	}
	if required := p.Action.RequiredTier(); tier < required {
		return model.Hash{}, &fault.TierError{Required: required.String(), Actual: tier.String()}
	}
	if role := p.Action.RequiredRole(); role != "" {
		held, err := s.resolver.HasRole(ctx, p.Provider, role)
		if err != nil {
			return model.Hash{}, err
		}
		if !held {
			return model.Hash{}, &fault.RoleError{Role: string(role)}
		}
	}

	rules, res, err := s.resources.Rules(ctx, p.Resource)
	if err != nil {
		return model.Hash{}, err
	}
	roles, err := s.resolver.RolesOf(ctx, me)
	if err != nil {
		return model.Hash{}, err
	}
	if err := governance.Evaluate(rules, governance.Subject{
		Actor:     me,
		Action:    p.Action,
		Quantity:  p.Quantity,
		Custodian: res.Custodian,
		Tier:      tier,
		Roles:     roles,
	}); err != nil {
		return model.Hash{}, err
	}

	if res.State == model.StateRetired {
		return model.Hash{}, &fault.TransitionError{From: string(res.State), To: string(res.State), Detail: "retired resources take no commitments"}
	}
	if p.Action.TransfersCustody() && res.Custodian != p.Provider {
		return model.Hash{}, fmt.Errorf("%w: provider %s is not the custodian", fault.ErrNotAuthor, p.Provider.Short())
	}
	now := s.host.Now()
	if p.Due <= now {
		return model.Hash{}, fmt.Errorf("%w: due %d is not in the future", fault.ErrInvalidEntry, p.Due)
	}
	unit := p.Unit
	if unit == "" {
		unit = res.Unit
	}

	c := model.Commitment{
		Action:    p.Action,
		Provider:  p.Provider,
		Receiver:  p.Receiver,
		Resource:  p.Resource,
		Quantity:  p.Quantity,
		Unit:      unit,
		Due:       p.Due,
		Note:      p.Note,
		Nonce:     uuid.NewString(),
		CreatedAt: now,
	}
	h, err := s.host.Create(ctx, model.EntryCommitment, c)
	if err != nil {
		return model.Hash{}, err
	}
	for _, base := range []model.Hash{c.Provider.Anchor(), c.Receiver.Anchor()} {
		if _, err := s.host.Link(ctx, base, h, model.LinkAgentToCommitment, nil); err != nil {
			return model.Hash{}, err
		}
	}
	if _, err := s.host.Link(ctx, p.Resource, h, model.LinkResourceToCommitment, []byte(c.Action)); err != nil {
		return model.Hash{}, err
	}
	if c.Action.HoldState() != "" {
		if _, err := s.resources.Hold(ctx, p.Resource, h, c); err != nil {
			return model.Hash{}, err
		}
	}
	s.log.Infof("commitment %s: %s %s -> %s", h.Short(), c.Action, c.Provider.Short(), c.Receiver.Short())

	if provider, receiver, ok := model.AcceptanceCategories(c.Action); ok {
		s.issue(ctx, c, model.TriggerRef{Commitment: h}, provider, receiver, ppr.DefaultMetrics())
	}
	return h, nil
}

// issue mints the local agent's side of a stage. A failed issuance does
// not undo the stage; parked receipts are retried by ResumePending.
func (s *Service) issue(ctx context.Context, c model.Commitment, tr model.TriggerRef, provider, receiver model.Category, m model.PerformanceMetrics) ppr.Pair {
	me := s.host.Agent()
	req := ppr.IssueRequest{
		Trigger:              tr,
		Counterparty:         c.Counterparty(me),
		Category:             provider,
		CounterpartyCategory: receiver,
		Metrics:              m,
	}
	if me == c.Receiver {
		req.Category, req.CounterpartyCategory = receiver, provider
	}
	pair, err := s.receipts.Issue(ctx, req)
	if err != nil {
		s.log.Errorf("receipt for %s: %s", tr.Key().Short(), err)
	}
	return pair
}

// commitment loads the commitment at h.
func (s *Service) commitment(ctx context.Context, h model.Hash) (model.Commitment, error) {
	var c model.Commitment
	if _, err := s.host.Load(ctx, h, model.EntryCommitment, &c); err != nil {
		if fault.IsErrNotFound(err) || errors.Is(err, fault.ErrWrongEntryType) {
			return model.Commitment{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrCommitmentNotFound)
		}
		return model.Commitment{}, err
	}
	return c, nil
}

// commitments lists the commitments the local agent takes part in.
func (s *Service) commitments(ctx context.Context) ([]Commitment, error) {
	links, err := s.host.Store().GetLinks(ctx, s.host.Agent().Anchor(), model.LinkAgentToCommitment, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Commitment, 0, len(links))
	seen := make(map[model.Hash]bool, len(links))
	for _, l := range links {
		if seen[l.Link.Target] {
			continue
		}
		seen[l.Link.Target] = true
		c, err := s.commitment(ctx, l.Link.Target)
		if err != nil {
			return nil, err
		}
		out = append(out, Commitment{Hash: l.Link.Target, Commitment: c})
	}
	return out, nil
}

// GetPendingCommitments lists the local agent's commitments that are
// neither fulfilled nor past due.
func (s *Service) GetPendingCommitments(ctx context.Context) ([]Commitment, error) {
	return s.filter(ctx, func(e Commitment, now int64) bool { return e.Commitment.Due > now })
}

// GetExpiredCommitments lists the local agent's commitments that passed
// their due time without being fulfilled.
func (s *Service) GetExpiredCommitments(ctx context.Context) ([]Commitment, error) {
	return s.filter(ctx, func(e Commitment, now int64) bool { return e.Commitment.Due <= now })
}

func (s *Service) filter(ctx context.Context, keep func(Commitment, int64) bool) ([]Commitment, error) {
	all, err := s.commitments(ctx)
	if err != nil {
		return nil, err
	}
	now := s.host.Now()
	var out []Commitment
	for _, e := range all {
		status, err := s.ClaimStatus(ctx, e.Hash)
		if err != nil {
			return nil, err
		}
		if status.Winner.IsZero() && keep(e, now) {
			out = append(out, e)
		}
	}
	return out, nil
}
