package ppr

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Stage maps each party of a receipt trigger to the category it earns.
type Stage map[model.AgentPubKey]model.Category

// Allows reports whether the stage mints category for subject and
// counterparty category for counterparty.
func (s Stage) Allows(subject, counterparty model.AgentPubKey, category, counterpartyCategory model.Category) bool {
	own, ok := s[subject]
	if !ok || own != category {
		return false
	}
	theirs, ok := s[counterparty]
	return ok && subject != counterparty && theirs == counterpartyCategory
}

// Fetch resolves a record by hash.
type Fetch func(ctx context.Context, h model.Hash) (model.Record, error)

// StageOf derives the stage opened by the record at tr.Key(). Only claims,
// service commitments and validation receipts open one. Errors from fetch
// are returned unchanged.
func StageOf(ctx context.Context, tr model.TriggerRef, fetch Fetch) (Stage, error) {
	key := tr.Key()
	if key.IsZero() {
		return nil, fmt.Errorf("%w: receipt without a trigger", fault.ErrInvalidEntry)
	}
	rec, err := fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	switch rec.Entry.Type {
	case model.EntryClaim:
		var claim model.Claim
		if err := decodeTrigger(rec, &claim); err != nil {
			return nil, err
		}
		if (!tr.Commitment.IsZero() && tr.Commitment != claim.Commitment) || (!tr.Event.IsZero() && tr.Event != claim.Event) {
			return nil, fmt.Errorf("%w: trigger does not match claim %s", fault.ErrInvalidEntry, key.Short())
		}
		c, err := triggerCommitment(ctx, claim.Commitment, fetch)
		if err != nil {
			return nil, err
		}
		provider, receiver, ok := model.FulfilmentCategories(c.Action)
		return stage(key, ok, c.Provider, provider, c.Receiver, receiver)

	case model.EntryCommitment:
		c, err := triggerCommitment(ctx, key, fetch)
		if err != nil {
			return nil, err
		}
		provider, receiver, ok := model.AcceptanceCategories(c.Action)
		return stage(key, ok, c.Provider, provider, c.Receiver, receiver)

	case model.EntryValidationReceipt:
		var r model.ValidationReceipt
		if err := decodeTrigger(rec, &r); err != nil {
			return nil, err
		}
		reqRec, err := fetch(ctx, r.Request)
		if err != nil {
			return nil, err
		}
		if reqRec.Entry.Type != model.EntryValidationRequest {
			return nil, fmt.Errorf("%w: receipt %s answers a %s", fault.ErrInvalidEntry, key.Short(), reqRec.Entry.Type)
		}
		var req model.ValidationRequest
		if err := decodeTrigger(reqRec, &req); err != nil {
			return nil, err
		}
		other := reqRec.Entry.Author
		if req.Kind == model.KindDisputeHold {
			other = req.SubjectAgent
		}
		validator, otherCategory, ok := model.ValidationCategories(req.Kind, r.Approved)
		return stage(key, ok, r.Validator, validator, other, otherCategory)
	}
	return nil, fmt.Errorf("%w: %s is a %s, which mints no receipts", fault.ErrInvalidEntry, key.Short(), rec.Entry.Type)
}

func stage(key model.Hash, ok bool, a model.AgentPubKey, ca model.Category, b model.AgentPubKey, cb model.Category) (Stage, error) {
	if !ok || a == b {
		return nil, fmt.Errorf("%w: %s mints no receipts", fault.ErrInvalidEntry, key.Short())
	}
	return Stage{a: ca, b: cb}, nil
}

func triggerCommitment(ctx context.Context, h model.Hash, fetch Fetch) (model.Commitment, error) {
	rec, err := fetch(ctx, h)
	if err != nil {
		return model.Commitment{}, err
	}
	if rec.Entry.Type != model.EntryCommitment {
		return model.Commitment{}, fmt.Errorf("%w: %s is a %s, expected a commitment", fault.ErrInvalidEntry, h.Short(), rec.Entry.Type)
	}
	var c model.Commitment
	if err := decodeTrigger(rec, &c); err != nil {
		return model.Commitment{}, err
	}
	return c, nil
}

func decodeTrigger(rec model.Record, v any) error {
	if err := rec.Entry.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return nil
}
