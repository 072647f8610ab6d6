// Package ppr issues private participation receipts: bilaterally signed
// records of an interaction, one held privately by each party, that feed
// the holder's reputation summary.
package ppr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Ledger is the local agent's chain as seen by the receipt service.
type Ledger interface {
	Agent() model.AgentPubKey
	Now() int64
	Sign(payload []byte) model.Signature
	Create(ctx context.Context, t model.EntryType, content any) (model.Hash, error)
	Get(ctx context.Context, hash model.Hash) (model.Record, error)
	Private(t model.EntryType) ([]model.Record, error)
}

//go:generate mockgen -destination=mocks/cosigner.go -package=mocks github.com/ssd-technologies/nondominium/internal/ppr Cosigner

// Cosigner obtains the counterparty's half of a receipt pair.
type Cosigner interface {
	Cosign(ctx context.Context, req CosignRequest) (CosignResponse, error)
}

// CosignRequest asks the counterparty to hold Payload and to sign Peer,
// the requester's side. Signature is the requester's over Payload.
type CosignRequest struct {
	Trigger   model.TriggerRef           `json:"trigger"`
	Requester model.AgentPubKey          `json:"requester"`
	Payload   model.ParticipationPayload `json:"payload"`
	Peer      model.ParticipationPayload `json:"peer"`
	Signature model.Signature            `json:"signature"`
}

// CosignResponse carries the counterparty's signature over the
// requester's payload and the transaction digest it computed.
type CosignResponse struct {
	Signature         model.Signature `json:"signature"`
	TransactionDigest model.Hash      `json:"transaction_digest"`
}

// IssueRequest describes a pair to mint. Categories come from the pipeline
// stage that triggered the issuance.
type IssueRequest struct {
	Trigger              model.TriggerRef
	Counterparty         model.AgentPubKey
	Category             model.Category
	CounterpartyCategory model.Category
	Metrics              model.PerformanceMetrics
}

// Pair is the local half of an issuance. Pending is set when the
// counterparty could not be reached and the issuance was parked.
type Pair struct {
	Receipt model.Hash                      `json:"receipt,omitempty"`
	Claim   model.PrivateParticipationClaim `json:"claim"`
	Pending bool                            `json:"pending"`
}

// Service issues and countersigns the local agent's receipts.
type Service struct {
	sync.Mutex
	ledger   Ledger
	cosigner Cosigner
	log      *logger.L
	audit    *logger.L
}

// NewService creates the receipt service for the agent behind l.
func NewService(l Ledger, c Cosigner) *Service {
	return &Service{
		ledger:   l,
		cosigner: c,
		log:      logger.New("ppr"),
		audit:    logger.New("audit"),
	}
}

// DefaultMetrics scores an interaction nobody rated.
func DefaultMetrics() model.PerformanceMetrics {
	m, _ := model.NewMetrics(1, 1, 1, 1)
	return m
}

// Issue mints the pair described by req. Retrying a trigger that already
// produced a receipt returns it unchanged; an unreachable counterparty
// parks the issuance as a PendingReceipt for ResumePending.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Pair, error) {
	me := s.ledger.Agent()
	key := req.Trigger.Key()
	switch {
	case key.IsZero():
		return Pair{}, fmt.Errorf("%w: receipt without a trigger", fault.ErrInvalidEntry)
	case !StagePair(req.Category, req.CounterpartyCategory):
		return Pair{}, fmt.Errorf("%w: %s/%s is not a pipeline stage", fault.ErrInvalidEntry, req.Category, req.CounterpartyCategory)
	case !req.Counterparty.Valid() || req.Counterparty == me:
		return Pair{}, fmt.Errorf("%w: bad counterparty", fault.ErrInvalidEntry)
	}
	if err := req.Metrics.Validate(); err != nil {
		return Pair{}, fmt.Errorf("%w: %v", fault.ErrInvalidMetrics, err)
	}
	st, err := StageOf(ctx, req.Trigger, s.ledger.Get)
	if err != nil {
		return Pair{}, err
	}
	if !st.Allows(me, req.Counterparty, req.Category, req.CounterpartyCategory) {
		return Pair{}, fmt.Errorf("%w: %s does not mint %s/%s for %s", fault.ErrInvalidEntry, key.Short(), req.Category, req.CounterpartyCategory, req.Counterparty.Short())
	}

	if pair, ok, err := s.issued(key); err != nil || ok {
		return pair, err
	}
	if pending, ok, err := s.pending(key); err != nil {
		return Pair{}, err
	} else if ok {
		return s.complete(ctx, pending)
	}

	issuedAt := s.ledger.Now()
	p := model.PendingReceipt{
		Key:     key,
		Trigger: req.Trigger,
		Payload: model.ParticipationPayload{
			Category:     req.Category,
			TriggerKey:   key,
			Counterparty: req.Counterparty,
			Metrics:      req.Metrics,
			IssuedAt:     issuedAt,
		},
		CounterpartyPayload: model.ParticipationPayload{
			Category:     req.CounterpartyCategory,
			TriggerKey:   key,
			Counterparty: me,
			Metrics:      req.Metrics,
			IssuedAt:     issuedAt,
		},
		CreatedAt: issuedAt,
	}
	return s.complete(ctx, p)
}

// complete runs the cosign round trip for p and stores the local half.
func (s *Service) complete(ctx context.Context, p model.PendingReceipt) (Pair, error) {
	me := s.ledger.Agent()
	ownHash, err := p.Payload.Hash()
	if err != nil {
		return Pair{}, err
	}
	theirHash, err := p.CounterpartyPayload.Hash()
	if err != nil {
		return Pair{}, err
	}
	digest, err := p.Payload.TransactionDigest(me)
	if err != nil {
		return Pair{}, err
	}

	// the lock is not held across the round trip: the counterparty may be
	// issuing to us at the same time
	resp, err := s.cosigner.Cosign(ctx, CosignRequest{
		Trigger:   p.Trigger,
		Requester: me,
		Payload:   p.CounterpartyPayload,
		Peer:      p.Payload,
		Signature: s.ledger.Sign(theirHash[:]),
	})
	// a counterparty whose replica lacks the trigger yet is retried later
	if errors.Is(err, fault.ErrCounterpartyUnavailable) || fault.IsRetryable(err) {
		return s.park(ctx, p, err)
	}
	if err != nil {
		return Pair{}, fmt.Errorf("cosign %s: %w", p.Key.Short(), err)
	}

	if resp.TransactionDigest != digest {
		s.audit.Warnf("receipt %s: counterparty %s digest %s, ours %s", p.Key.Short(), p.Payload.Counterparty.Short(), resp.TransactionDigest.Short(), digest.Short())
		return Pair{}, fault.ErrSignatureMismatch
	}
	if !p.Payload.Counterparty.Verify(ownHash[:], resp.Signature) {
		s.audit.Warnf("receipt %s: counterparty %s signature does not verify", p.Key.Short(), p.Payload.Counterparty.Short())
		return Pair{}, fault.ErrSignatureMismatch
	}

	claim := model.PrivateParticipationClaim{
		Subject:               me,
		Payload:               p.Payload,
		Trigger:               p.Trigger,
		PayloadHash:           ownHash,
		TransactionDigest:     digest,
		SubjectSignature:      s.ledger.Sign(ownHash[:]),
		CounterpartySignature: resp.Signature,
	}
	return s.store(ctx, claim)
}

func (s *Service) store(ctx context.Context, claim model.PrivateParticipationClaim) (Pair, error) {
	s.Lock()
	defer s.Unlock()
	key := claim.Trigger.Key()
	if pair, ok, err := s.issued(key); err != nil || ok {
		return pair, err
	}
	h, err := s.ledger.Create(ctx, model.EntryParticipationClaim, claim)
	if err != nil {
		return Pair{}, err
	}
	s.log.Infof("receipt %s: %s with %s", h.Short(), claim.Payload.Category, claim.Payload.Counterparty.Short())
	return Pair{Receipt: h, Claim: claim}, nil
}

// Countersign is the counterparty side of Issue: it checks req, stores the
// local half and signs the requester's payload. Repeating a request that
// was already countersigned returns the same answer.
func (s *Service) Countersign(ctx context.Context, req CosignRequest) (CosignResponse, error) {
	me := s.ledger.Agent()
	key := req.Trigger.Key()
	switch {
	case key.IsZero() || req.Payload.TriggerKey != key || req.Peer.TriggerKey != key:
		return CosignResponse{}, fmt.Errorf("%w: payload does not reference the trigger", fault.ErrInvalidEntry)
	case req.Payload.Counterparty != req.Requester || req.Peer.Counterparty != me:
		return CosignResponse{}, fmt.Errorf("%w: receipt is not between %s and %s", fault.ErrInvalidEntry, req.Requester.Short(), me.Short())
	case !StagePair(req.Peer.Category, req.Payload.Category):
		return CosignResponse{}, fmt.Errorf("%w: %s/%s is not a pipeline stage", fault.ErrInvalidEntry, req.Peer.Category, req.Payload.Category)
	}
	if err := req.Payload.Metrics.Validate(); err != nil {
		return CosignResponse{}, fmt.Errorf("%w: %v", fault.ErrInvalidMetrics, err)
	}

	trigger, err := s.ledger.Get(ctx, key)
	if err != nil {
		return CosignResponse{}, fmt.Errorf("trigger %s: %w", key.Short(), err)
	}
	if trigger.Entry.Author != req.Requester {
		return CosignResponse{}, fmt.Errorf("%w: trigger %s was not written by %s", fault.ErrNotAuthor, key.Short(), req.Requester.Short())
	}
	st, err := StageOf(ctx, req.Trigger, s.ledger.Get)
	if err != nil {
		return CosignResponse{}, err
	}
	if !st.Allows(me, req.Requester, req.Payload.Category, req.Peer.Category) {
		return CosignResponse{}, fmt.Errorf("%w: %s does not mint %s for %s", fault.ErrInvalidEntry, key.Short(), req.Payload.Category, me.Short())
	}

	ownHash, err := req.Payload.Hash()
	if err != nil {
		return CosignResponse{}, err
	}
	peerHash, err := req.Peer.Hash()
	if err != nil {
		return CosignResponse{}, err
	}
	digest, err := req.Payload.TransactionDigest(me)
	if err != nil {
		return CosignResponse{}, err
	}
	peerDigest, err := req.Peer.TransactionDigest(req.Requester)
	if err != nil {
		return CosignResponse{}, err
	}
	if digest != peerDigest {
		s.audit.Warnf("cosign %s for %s: payloads describe different transactions", key.Short(), req.Requester.Short())
		return CosignResponse{}, fault.ErrSignatureMismatch
	}
	if !req.Requester.Verify(ownHash[:], req.Signature) {
		s.audit.Warnf("cosign %s for %s: requester signature does not verify", key.Short(), req.Requester.Short())
		return CosignResponse{}, fault.ErrSignatureMismatch
	}

	claim := model.PrivateParticipationClaim{
		Subject:               me,
		Payload:               req.Payload,
		Trigger:               req.Trigger,
		PayloadHash:           ownHash,
		TransactionDigest:     digest,
		SubjectSignature:      s.ledger.Sign(ownHash[:]),
		CounterpartySignature: req.Signature,
	}
	if _, err := s.store(ctx, claim); err != nil {
		return CosignResponse{}, err
	}
	return CosignResponse{Signature: s.ledger.Sign(peerHash[:]), TransactionDigest: digest}, nil
}

// issued returns the local receipt minted for key, if any.
func (s *Service) issued(key model.Hash) (Pair, bool, error) {
	receipts, err := s.receipts()
	if err != nil {
		return Pair{}, false, err
	}
	for _, r := range receipts {
		if r.Claim.Trigger.Key() == key {
			return Pair{Receipt: r.Hash, Claim: r.Claim}, true, nil
		}
	}
	return Pair{}, false, nil
}

// StagePair reports whether issuer/counterparty is a category pair some
// pipeline stage mints, with the issuer on either side of the stage.
func StagePair(issuer, counterparty model.Category) bool {
	match := func(a, b model.Category, ok bool) bool {
		return ok && ((a == issuer && b == counterparty) || (b == issuer && a == counterparty))
	}
	for _, a := range model.Actions {
		if match(model.FulfilmentCategories(a)) || match(model.AcceptanceCategories(a)) {
			return true
		}
	}
	for _, k := range model.RequestKinds {
		if match(model.ValidationCategories(k, true)) || match(model.ValidationCategories(k, false)) {
			return true
		}
	}
	return false
}
