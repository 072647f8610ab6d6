package governance

import (
	"context"
	"fmt"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Committer is how the service writes: as the local agent, through the
// validated commit path.
type Committer interface {
	Agent() model.AgentPubKey
	Now() int64
	Sign(payload []byte) model.Signature
	Create(ctx context.Context, t model.EntryType, content any) (model.Hash, error)
	Link(ctx context.Context, base, target model.Hash, lt model.LinkType, tag []byte) (model.Hash, error)
}

// Submission describes a receipt that has just been committed.
type Submission struct {
	Request      model.Hash
	Receipt      model.Hash
	Kind         model.RequestKind
	Validator    model.AgentPubKey
	Counterparty model.AgentPubKey // requester, or the accused for a dispute hold
	Approved     bool
}

// ReceiptObserver is told about every receipt this agent submits.
type ReceiptObserver interface {
	ReceiptSubmitted(ctx context.Context, s Submission) error
}

// RequestInput opens a validation request.
type RequestInput struct {
	Kind      model.RequestKind
	Agent     model.AgentPubKey // dispute hold: the accused
	Resource  model.Hash
	Role      model.Role
	Scheme    string
	HoldUntil int64
	Note      string
}

// Service opens validation requests and submits receipts.
type Service struct {
	host     Committer
	reader   Reader
	quorum   int
	scheme   string
	observer ReceiptObserver
	log      *logger.L
}

// NewService creates a service. An empty scheme defaults to
// simple-majority.
func NewService(host Committer, r Reader, quorum int, scheme string) *Service {
	if quorum < 1 {
		quorum = DefaultQuorum
	}
	if scheme == "" {
		scheme = SimpleMajority
	}
	return &Service{
		host:   host,
		reader: r,
		quorum: quorum,
		scheme: scheme,
		log:    logger.New("governance"),
	}
}

// Observe registers the observer of submitted receipts.
func (s *Service) Observe(o ReceiptObserver) {
	s.observer = o
}

// RequestValidation opens a request and indexes it under its subject.
func (s *Service) RequestValidation(ctx context.Context, in RequestInput) (model.Hash, error) {
	req := model.ValidationRequest{
		Kind:        in.Kind,
		Scheme:      in.Scheme,
		Note:        in.Note,
		RequestedAt: s.host.Now(),
	}
	if req.Scheme == "" {
		req.Scheme = s.scheme
	}
	if _, err := ParseScheme(req.Scheme, s.quorum); err != nil {
		return model.Hash{}, err
	}

	switch in.Kind {
	case model.KindResourceValidation, model.KindEndOfLife:
		req.SubjectResource = in.Resource
	case model.KindAgentPromotion:
		req.SubjectAgent = s.host.Agent()
		req.RequestedRole = in.Role
		req.RequestedTier = in.Role.MinTier()
	case model.KindDisputeHold:
		req.SubjectAgent = in.Agent
		req.HoldUntil = in.HoldUntil
	default:
		return model.Hash{}, fmt.Errorf("%w: unknown request kind %q", fault.ErrInvalidEntry, in.Kind)
	}

	h, err := s.host.Create(ctx, model.EntryValidationRequest, req)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := s.host.Link(ctx, req.Subject(), h, model.LinkSubjectToRequest, []byte(req.Kind)); err != nil {
		return model.Hash{}, err
	}
	s.log.Infof("%s request %s opened, scheme %s", req.Kind, h.Short(), req.Scheme)
	return h, nil
}

// Requests lists the requests of kind opened about subject, oldest first.
func (s *Service) Requests(ctx context.Context, subject model.Hash, kind model.RequestKind) ([]model.Hash, error) {
	links, err := s.reader.GetLinks(ctx, subject, model.LinkSubjectToRequest, []byte(kind))
	if err != nil {
		return nil, err
	}
	out := make([]model.Hash, 0, len(links))
	for _, l := range links {
		if string(l.Link.Tag) == string(kind) {
			out = append(out, l.Link.Target)
		}
	}
	return out, nil
}

// SubmitValidationReceipt records the local agent's verdict on request
// and returns the resulting tally. A validator's later receipts for the
// same request are not counted, so a repeat submission changes nothing.
func (s *Service) SubmitValidationReceipt(ctx context.Context, request model.Hash, approved bool, note string) (Tally, error) {
	req, rec, err := LoadRequest(ctx, s.reader, request)
	if err != nil {
		return Tally{}, err
	}
	me := s.host.Agent()
	if me == rec.Entry.Author || me == req.SubjectAgent {
		return Tally{}, fault.ErrSelfValidation
	}

	existing, err := Receipts(ctx, s.reader, request)
	if err != nil {
		return Tally{}, err
	}
	for _, r := range existing {
		if r.Validator == me {
			s.log.Debugf("receipt for %s already submitted", request.Short())
			return s.Tally(ctx, request)
		}
	}

	receipt := model.ValidationReceipt{
		Request:   request,
		Validator: me,
		Approved:  approved,
		Note:      note,
		SignedAt:  s.host.Now(),
	}
	receipt.Signature = s.host.Sign(receipt.SigningPayload())
	h, err := s.host.Create(ctx, model.EntryValidationReceipt, receipt)
	if err != nil {
		return Tally{}, err
	}
	if _, err := s.host.Link(ctx, request, h, model.LinkRequestToReceipt, nil); err != nil {
		return Tally{}, err
	}

	if s.observer != nil {
		counterparty := rec.Entry.Author
		if req.Kind == model.KindDisputeHold {
			counterparty = req.SubjectAgent
		}
		sub := Submission{
			Request:      request,
			Receipt:      h,
			Kind:         req.Kind,
			Validator:    me,
			Counterparty: counterparty,
			Approved:     approved,
		}
		if err := s.observer.ReceiptSubmitted(ctx, sub); err != nil {
			s.log.Warnf("receipt %s: observer: %s", h.Short(), err)
		}
	}
	return s.Tally(ctx, request)
}

// Tally computes the current tally of request.
func (s *Service) Tally(ctx context.Context, request model.Hash) (Tally, error) {
	t, _, err := LoadTally(ctx, s.reader, request, s.quorum)
	return t, err
}

// Approved returns the request at h when its tally is approved and of the
// expected kind, and fault.ErrInsufficientEvidence otherwise.
func (s *Service) Approved(ctx context.Context, h model.Hash, kind model.RequestKind) (model.ValidationRequest, error) {
	t, req, err := LoadTally(ctx, s.reader, h, s.quorum)
	if err != nil {
		return model.ValidationRequest{}, err
	}
	if req.Kind != kind {
		return model.ValidationRequest{}, fmt.Errorf("%w: %s is a %s request", fault.ErrInsufficientEvidence, h.Short(), req.Kind)
	}
	if !t.Approved() {
		return req, fmt.Errorf("%w: tally %s is %s (%d/%d approvals, %d rejections)",
			fault.ErrInsufficientEvidence, h.Short(), t.Status, t.Approvals, t.Required, t.Rejections)
	}
	return req, nil
}
