package ppr

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Receipt is one of the local agent's receipts.
type Receipt struct {
	Hash    model.Hash                      `json:"hash"`
	Claim   model.PrivateParticipationClaim `json:"claim"`
	Revoked bool                            `json:"revoked"`
}

// Period bounds a summary by issue time. Zero bounds are open.
type Period struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

func (p Period) contains(t int64) bool {
	return (p.From == 0 || t >= p.From) && (p.To == 0 || t <= p.To)
}

// FamilySummary aggregates the receipts of one category family.
type FamilySummary struct {
	Family         model.Family `json:"family"`
	AverageOverall float64      `json:"average_overall"`
	Count          int          `json:"count"`
}

// Summary is the only view of an agent's receipts that leaves the agent.
type Summary struct {
	Families []FamilySummary `json:"families"`
}

func (s *Service) receipts() ([]Receipt, error) {
	recs, err := s.ledger.Private(model.EntryParticipationClaim)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoked()
	if err != nil {
		return nil, err
	}
	out := make([]Receipt, 0, len(recs))
	for _, rec := range recs {
		var c model.PrivateParticipationClaim
		if err := rec.Entry.Decode(&c); err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
		}
		out = append(out, Receipt{Hash: rec.Hash, Claim: c, Revoked: revoked[rec.Hash]})
	}
	return out, nil
}

func (s *Service) revoked() (map[model.Hash]bool, error) {
	recs, err := s.ledger.Private(model.EntryReceiptRevocation)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Hash]bool, len(recs))
	for _, rec := range recs {
		var r model.PPRRevocation
		if err := rec.Entry.Decode(&r); err != nil {
			return nil, err
		}
		out[r.Receipt] = true
	}
	return out, nil
}

// List returns every receipt the local agent holds, revoked ones included.
func (s *Service) List(ctx context.Context) ([]Receipt, error) {
	return s.receipts()
}

// ByTrigger returns the local receipt minted for the trigger key.
func (s *Service) ByTrigger(ctx context.Context, key model.Hash) (Receipt, error) {
	receipts, err := s.receipts()
	if err != nil {
		return Receipt{}, err
	}
	for _, r := range receipts {
		if r.Claim.Trigger.Key() == key {
			return r, nil
		}
	}
	return Receipt{}, fmt.Errorf("receipt for %s: %w", key.Short(), fault.ErrNotFound)
}

// Revoke excludes the receipt at h from aggregation. The receipt is kept.
func (s *Service) Revoke(ctx context.Context, h model.Hash, reason string) error {
	s.Lock()
	defer s.Unlock()
	receipts, err := s.receipts()
	if err != nil {
		return err
	}
	for _, r := range receipts {
		if r.Hash != h {
			continue
		}
		if r.Revoked {
			return nil
		}
		_, err := s.ledger.Create(ctx, model.EntryReceiptRevocation, model.PPRRevocation{
			Receipt:   h,
			Reason:    reason,
			RevokedAt: s.ledger.Now(),
		})
		if err == nil {
			s.log.Infof("receipt %s revoked: %s", h.Short(), reason)
		}
		return err
	}
	return fmt.Errorf("receipt %s: %w", h.Short(), fault.ErrNotFound)
}

// DeriveReputationSummary aggregates the local agent's unrevoked receipts
// issued within period by category family. Families with no receipts are
// left out.
func (s *Service) DeriveReputationSummary(ctx context.Context, period Period) (Summary, error) {
	receipts, err := s.receipts()
	if err != nil {
		return Summary{}, err
	}
	type acc struct {
		total float64
		count int
	}
	byFamily := make(map[model.Family]*acc)
	for _, r := range receipts {
		if r.Revoked || !period.contains(r.Claim.Payload.IssuedAt) {
			continue
		}
		f := r.Claim.Payload.Category.Family()
		a, ok := byFamily[f]
		if !ok {
			a = &acc{}
			byFamily[f] = a
		}
		a.total += r.Claim.Payload.Metrics.Overall
		a.count++
	}
	summary := Summary{Families: []FamilySummary{}}
	for _, f := range model.Families {
		if a, ok := byFamily[f]; ok {
			summary.Families = append(summary.Families, FamilySummary{
				Family:         f,
				AverageOverall: a.total / float64(a.count),
				Count:          a.count,
			})
		}
	}
	return summary, nil
}

// ReceiptSubmitted mints the pair a validation receipt earns its validator
// and the other party of the request.
func (s *Service) ReceiptSubmitted(ctx context.Context, sub governance.Submission) error {
	validator, other, ok := model.ValidationCategories(sub.Kind, sub.Approved)
	if !ok {
		return nil
	}
	_, err := s.Issue(ctx, IssueRequest{
		Trigger:              model.TriggerRef{Receipt: sub.Receipt},
		Counterparty:         sub.Counterparty,
		Category:             validator,
		CounterpartyCategory: other,
		Metrics:              DefaultMetrics(),
	})
	return err
}
