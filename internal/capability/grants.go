package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// GrantPrivateDataAccess lets grantee read fields of the local agent's
// private data for duration, clamped to the configured maximum.
func (s *Service) GrantPrivateDataAccess(ctx context.Context, fields []model.PrivateField, grantee model.AgentPubKey, duration time.Duration, purpose string) (model.Hash, model.CapabilityGrant, error) {
	if duration <= 0 {
		return model.Hash{}, model.CapabilityGrant{}, fmt.Errorf("%w: grant duration must be positive", fault.ErrInvalidEntry)
	}
	if duration > s.cfg.MaxGrantDuration {
		duration = s.cfg.MaxGrantDuration
	}
	now := s.host.Now()
	g := model.CapabilityGrant{
		Grantor:   s.host.Agent(),
		Grantee:   grantee,
		Fields:    model.SortFields(fields),
		Context:   purpose,
		IssuedAt:  now,
		ExpiresAt: now + int64(duration/time.Second),
	}
	h, err := s.host.Create(ctx, model.EntryCapabilityGrant, g)
	if err != nil {
		return model.Hash{}, model.CapabilityGrant{}, err
	}
	if _, err := s.host.Link(ctx, g.Grantor.Anchor(), h, model.LinkGrantorToGrant, nil); err != nil {
		return model.Hash{}, model.CapabilityGrant{}, err
	}
	if _, err := s.host.Link(ctx, g.Grantee.Anchor(), h, model.LinkGranteeToGrant, nil); err != nil {
		return model.Hash{}, model.CapabilityGrant{}, err
	}
	s.log.Infof("grant %s: %v to %s until %d", h.Short(), g.Fields, grantee.Short(), g.ExpiresAt)
	return h, g, nil
}

// ExpireGrant ends a grant now. The grant itself is never changed.
func (s *Service) ExpireGrant(ctx context.Context, grant model.Hash, reason string) (model.Hash, error) {
	var g model.CapabilityGrant
	if _, err := s.host.Load(ctx, grant, model.EntryCapabilityGrant, &g); err != nil {
		return model.Hash{}, err
	}
	if g.Grantor != s.host.Agent() {
		return model.Hash{}, fmt.Errorf("%w: only the grantor can expire a grant", fault.ErrNotAuthor)
	}
	x := model.GrantExpiry{Grant: grant, ExpiredAt: s.host.Now(), Reason: reason}
	h, err := s.host.Create(ctx, model.EntryGrantExpiry, x)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := s.host.Link(ctx, grant, h, model.LinkGrantToExpiry, nil); err != nil {
		return model.Hash{}, err
	}
	return h, nil
}

// GrantsIssued lists the grants the local agent has made.
func (s *Service) GrantsIssued(ctx context.Context) ([]model.Hash, error) {
	return s.grants(ctx, model.LinkGrantorToGrant)
}

// GrantsReceived lists the grants made to the local agent.
func (s *Service) GrantsReceived(ctx context.Context) ([]model.Hash, error) {
	return s.grants(ctx, model.LinkGranteeToGrant)
}

func (s *Service) grants(ctx context.Context, lt model.LinkType) ([]model.Hash, error) {
	links, err := s.host.Store().GetLinks(ctx, s.host.Agent().Anchor(), lt, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Hash, len(links))
	for i, l := range links {
		out[i] = l.Link.Target
	}
	return out, nil
}

// earlyExpiry returns the earliest recorded early expiry of the grant at
// h, or zero.
func (s *Service) earlyExpiry(ctx context.Context, h model.Hash) (int64, error) {
	links, err := s.host.Store().GetLinks(ctx, h, model.LinkGrantToExpiry, nil)
	if err != nil {
		return 0, err
	}
	var early int64
	for _, l := range links {
		var x model.GrantExpiry
		if _, err := s.host.Load(ctx, l.Link.Target, model.EntryGrantExpiry, &x); err != nil {
			continue
		}
		if x.Grant == h && (early == 0 || x.ExpiredAt < early) {
			early = x.ExpiredAt
		}
	}
	return early, nil
}

// ReadPrivateData serves caller's read of fields under grant. It runs on
// the grantor's node: the data never leaves the grantor's chain except as
// the returned intersection. Expiry is checked before field scope.
func (s *Service) ReadPrivateData(ctx context.Context, caller model.AgentPubKey, grant model.Hash, fields []model.PrivateField) (map[model.PrivateField]string, error) {
	var g model.CapabilityGrant
	if _, err := s.host.Load(ctx, grant, model.EntryCapabilityGrant, &g); err != nil {
		return nil, err
	}
	if g.Grantor != s.host.Agent() {
		return nil, fmt.Errorf("%w: grant %s was issued by %s", fault.ErrNotAuthor, grant.Short(), g.Grantor.Short())
	}
	if caller != g.Grantee {
		return nil, fault.ErrGrantNotForYou
	}

	now := s.host.Now()
	if now > g.ExpiresAt {
		return nil, &fault.GrantExpiredError{ExpiresAt: g.ExpiresAt}
	}
	early, err := s.earlyExpiry(ctx, grant)
	if err != nil {
		return nil, err
	}
	if early != 0 && now >= early {
		return nil, &fault.GrantExpiredError{ExpiresAt: early}
	}

	requested := model.SortFields(fields)
	var outside []string
	for _, f := range requested {
		if !g.Covers(f) {
			outside = append(outside, string(f))
		}
	}
	if len(outside) > 0 {
		return nil, &fault.FieldNotGrantedError{Fields: outside, Granted: model.FieldNames(g.Fields)}
	}

	data, _, err := s.privateData()
	if err != nil {
		return nil, err
	}
	out := make(map[model.PrivateField]string, len(requested))
	for _, f := range requested {
		if v, ok := data.Field(f); ok {
			out[f] = v
		}
	}

	access := model.GrantAccess{Grant: grant, Grantee: caller, Fields: requested, AccessedAt: now}
	if _, err := s.host.Create(ctx, model.EntryGrantAccess, access); err != nil {
		return nil, err
	}
	s.log.Infof("grant %s: %s read %v", grant.Short(), caller.Short(), requested)
	return out, nil
}

// Accesses lists the reads made under the local agent's grants.
func (s *Service) Accesses() ([]model.GrantAccess, error) {
	recs, err := s.host.Private(model.EntryGrantAccess)
	if err != nil {
		return nil, err
	}
	out := make([]model.GrantAccess, 0, len(recs))
	for _, rec := range recs {
		var a model.GrantAccess
		if err := rec.Entry.Decode(&a); err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
		}
		out = append(out, a)
	}
	return out, nil
}
