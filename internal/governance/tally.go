package governance

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Reader is the part of the store tallies are computed from.
type Reader interface {
	Get(ctx context.Context, h model.Hash) (model.Record, bool, error)
	GetLinks(ctx context.Context, base model.Hash, linkType model.LinkType, tagPrefix []byte) ([]model.LinkRecord, error)
}

// Tally is the derived state of a validation request.
type Tally struct {
	Request    model.Hash `json:"request"`
	Scheme     string     `json:"scheme"`
	Required   int        `json:"required"`
	Of         int        `json:"of"`
	Approvals  int        `json:"approvals"`
	Rejections int        `json:"rejections"`
	Status     Status     `json:"status"`
}

// Approved is shorthand for Status == StatusApproved.
func (t Tally) Approved() bool {
	return t.Status == StatusApproved
}

// Count tallies receipts for the request at h. Only the first receipt of
// each validator counts, and receipts from the requester or the subject
// agent are ignored.
func Count(h model.Hash, req model.ValidationRequest, requester model.AgentPubKey, receipts []model.ValidationReceipt, quorum int) (Tally, error) {
	scheme, err := ParseScheme(req.Scheme, quorum)
	if err != nil {
		return Tally{}, err
	}
	t := Tally{
		Request:  h,
		Scheme:   req.Scheme,
		Required: scheme.Required,
		Of:       scheme.Of,
	}
	seen := make(map[model.AgentPubKey]bool, len(receipts))
	for _, r := range receipts {
		if r.Request != h || seen[r.Validator] {
			continue
		}
		if r.Validator == requester || r.Validator == req.SubjectAgent {
			continue
		}
		seen[r.Validator] = true
		if r.Approved {
			t.Approvals++
		} else {
			t.Rejections++
		}
	}
	t.Status = scheme.Decide(t.Approvals, t.Rejections)
	return t, nil
}

// LoadRequest fetches and decodes the validation request at h.
func LoadRequest(ctx context.Context, r Reader, h model.Hash) (model.ValidationRequest, model.Record, error) {
	rec, found, err := r.Get(ctx, h)
	if err != nil {
		return model.ValidationRequest{}, model.Record{}, err
	}
	if !found {
		return model.ValidationRequest{}, model.Record{}, fmt.Errorf("validation request %s: %w", h.Short(), fault.ErrNotFound)
	}
	if rec.Entry.Type != model.EntryValidationRequest {
		return model.ValidationRequest{}, model.Record{}, fmt.Errorf("validation request %s: %w", h.Short(), fault.ErrWrongEntryType)
	}
	var req model.ValidationRequest
	if err := rec.Entry.Decode(&req); err != nil {
		return model.ValidationRequest{}, model.Record{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return req, rec, nil
}

// Receipts returns the receipts linked to the request at h, in link order.
// Receipts that have not replicated yet, or whose signature or validator
// does not match the link, are left out.
func Receipts(ctx context.Context, r Reader, h model.Hash) ([]model.ValidationReceipt, error) {
	links, err := r.GetLinks(ctx, h, model.LinkRequestToReceipt, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.ValidationReceipt, 0, len(links))
	for _, l := range links {
		rec, found, err := r.Get(ctx, l.Link.Target)
		if err != nil {
			return nil, err
		}
		if !found || rec.Entry.Type != model.EntryValidationReceipt {
			continue
		}
		var receipt model.ValidationReceipt
		if err := rec.Entry.Decode(&receipt); err != nil {
			continue
		}
		if receipt.Validator != l.Link.Author || receipt.Validator != rec.Entry.Author || !receipt.Verify() {
			continue
		}
		out = append(out, receipt)
	}
	return out, nil
}

// LoadTally computes the current tally of the request at h.
func LoadTally(ctx context.Context, r Reader, h model.Hash, quorum int) (Tally, model.ValidationRequest, error) {
	req, rec, err := LoadRequest(ctx, r, h)
	if err != nil {
		return Tally{}, model.ValidationRequest{}, err
	}
	receipts, err := Receipts(ctx, r, h)
	if err != nil {
		return Tally{}, model.ValidationRequest{}, err
	}
	t, err := Count(h, req, rec.Entry.Author, receipts, quorum)
	if err != nil {
		return Tally{}, model.ValidationRequest{}, err
	}
	return t, req, nil
}
