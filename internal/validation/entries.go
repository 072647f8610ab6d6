package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
)

// checkContent runs the semantic rules of an entry's type. The first
// violated rule wins.
func (e *Engine) checkContent(ctx context.Context, entry model.Entry, origin Origin) error {
	switch entry.Type {
	case model.EntryPerson:
		var p model.Person
		if err := decode(entry, &p); err != nil {
			return err
		}
		if p.Name == "" {
			return fmt.Errorf("%w: person needs a name", fault.ErrInvalidEntry)
		}
		return nil

	case model.EntryPrivateData:
		var p model.PrivateData
		return decode(entry, &p)

	case model.EntryRoleAssignment:
		var ra model.RoleAssignment
		if err := decode(entry, &ra); err != nil {
			return err
		}
		return e.checkRoleAssignment(ctx, entry, ra)

	case model.EntryCapabilityGrant:
		var g model.CapabilityGrant
		if err := decode(entry, &g); err != nil {
			return err
		}
		return e.checkGrant(entry, g)

	case model.EntryGrantExpiry:
		var x model.GrantExpiry
		if err := decode(entry, &x); err != nil {
			return err
		}
		var g model.CapabilityGrant
		if _, err := e.fetchAs(ctx, x.Grant, model.EntryCapabilityGrant, &g); err != nil {
			return err
		}
		if g.Grantor != entry.Author {
			return fmt.Errorf("%w: only the grantor can expire a grant", fault.ErrNotAuthor)
		}
		return nil

	case model.EntryGrantAccess:
		var a model.GrantAccess
		if err := decode(entry, &a); err != nil {
			return err
		}
		return e.checkGrantAccess(ctx, entry, a)

	case model.EntryResourceSpecification:
		var s model.ResourceSpecification
		if err := decode(entry, &s); err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
		}
		if s.ValidationScheme != "" {
			if _, err := governance.ParseScheme(s.ValidationScheme, e.cfg.Quorum); err != nil {
				return err
			}
		}
		return nil

	case model.EntryEconomicResource:
		var r model.EconomicResource
		if err := decode(entry, &r); err != nil {
			return err
		}
		return e.checkNewResource(ctx, entry, r)

	case model.EntryCommitment:
		var c model.Commitment
		if err := decode(entry, &c); err != nil {
			return err
		}
		return e.checkCommitment(ctx, entry, c)

	case model.EntryEconomicEvent:
		var ev model.EconomicEvent
		if err := decode(entry, &ev); err != nil {
			return err
		}
		return e.checkEvent(ctx, entry, ev)

	case model.EntryClaim:
		var c model.Claim
		if err := decode(entry, &c); err != nil {
			return err
		}
		return e.checkClaim(ctx, entry, c)

	case model.EntryClaimInvalidation:
		var inv model.ClaimInvalidation
		if err := decode(entry, &inv); err != nil {
			return err
		}
		return e.checkInvalidation(ctx, inv)

	case model.EntryValidationRequest:
		var r model.ValidationRequest
		if err := decode(entry, &r); err != nil {
			return err
		}
		return e.checkRequest(ctx, entry, r)

	case model.EntryValidationReceipt:
		var r model.ValidationReceipt
		if err := decode(entry, &r); err != nil {
			return err
		}
		return e.checkReceipt(ctx, entry, r, origin)

	case model.EntryParticipationClaim:
		var c model.PrivateParticipationClaim
		if err := decode(entry, &c); err != nil {
			return err
		}
		return e.checkParticipationClaim(ctx, entry, c)

	case model.EntryPendingReceipt:
		var p model.PendingReceipt
		if err := decode(entry, &p); err != nil {
			return err
		}
		if p.Key.IsZero() || p.Key != p.Trigger.Key() {
			return fmt.Errorf("%w: pending receipt key does not match its trigger", fault.ErrInvalidEntry)
		}
		if !p.Payload.Category.Valid() || !p.CounterpartyPayload.Category.Valid() {
			return fmt.Errorf("%w: unknown category", fault.ErrInvalidEntry)
		}
		if err := p.Payload.Metrics.Validate(); err != nil {
			return fmt.Errorf("%w: %v", fault.ErrInvalidMetrics, err)
		}
		return nil

	case model.EntryReceiptRevocation:
		var r model.PPRRevocation
		if err := decode(entry, &r); err != nil {
			return err
		}
		if r.Receipt.IsZero() || r.Reason == "" {
			return fmt.Errorf("%w: revocation needs a receipt and a reason", fault.ErrInvalidEntry)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown entry type %q", fault.ErrInvalidEntry, entry.Type)
}

// checkEvidence verifies that evidence is an approved promotion of agent
// to role.
func (e *Engine) checkEvidence(ctx context.Context, agent model.AgentPubKey, role model.Role, evidence model.Hash) error {
	var req model.ValidationRequest
	if _, err := e.fetchAs(ctx, evidence, model.EntryValidationRequest, &req); err != nil {
		if fault.IsErrNotFound(err) {
			return err
		}
		return fmt.Errorf("%w: %v", fault.ErrInsufficientEvidence, err)
	}
	switch {
	case req.Kind != model.KindAgentPromotion:
		return fmt.Errorf("%w: evidence is a %s request", fault.ErrInsufficientEvidence, req.Kind)
	case req.SubjectAgent != agent:
		return fmt.Errorf("%w: evidence names another agent", fault.ErrInsufficientEvidence)
	case req.RequestedRole != role:
		return fmt.Errorf("%w: evidence is for role %s", fault.ErrInsufficientEvidence, req.RequestedRole)
	case req.RequestedTier != role.MinTier():
		return fmt.Errorf("%w: evidence requests tier %s, role needs %s", fault.ErrInsufficientEvidence, req.RequestedTier, role.MinTier())
	}
	tally, _, err := governance.LoadTally(ctx, e.reader, evidence, e.cfg.Quorum)
	if err != nil {
		return err
	}
	if !tally.Approved() {
		return fmt.Errorf("%w: tally is %s", fault.ErrInsufficientEvidence, tally.Status)
	}
	return nil
}

func (e *Engine) checkRoleAssignment(ctx context.Context, entry model.Entry, ra model.RoleAssignment) error {
	if !ra.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", fault.ErrInvalidEntry, ra.Role)
	}
	if ra.AssignedBy != entry.Author {
		return fmt.Errorf("%w: assignment signed for %s", fault.ErrNotAuthor, ra.AssignedBy.Short())
	}
	return e.checkEvidence(ctx, ra.Agent, ra.Role, ra.Evidence)
}

func (e *Engine) checkGrant(entry model.Entry, g model.CapabilityGrant) error {
	if g.Grantor != entry.Author {
		return fmt.Errorf("%w: only the data owner can grant access", fault.ErrNotAuthor)
	}
	if !g.Grantee.Valid() || g.Grantee == g.Grantor {
		return fmt.Errorf("%w: bad grantee", fault.ErrInvalidEntry)
	}
	if len(g.Fields) == 0 {
		return fmt.Errorf("%w: grant covers no fields", fault.ErrInvalidEntry)
	}
	for _, f := range g.Fields {
		if !f.Valid() {
			return fmt.Errorf("%w: unknown field %q", fault.ErrInvalidEntry, f)
		}
	}
	sorted := model.SortFields(g.Fields)
	if len(sorted) != len(g.Fields) {
		return fmt.Errorf("%w: duplicate fields", fault.ErrInvalidEntry)
	}
	for i := range sorted {
		if sorted[i] != g.Fields[i] {
			return fmt.Errorf("%w: fields must be sorted", fault.ErrInvalidEntry)
		}
	}
	if g.ExpiresAt <= g.IssuedAt {
		return fmt.Errorf("%w: grant expires before it is issued", fault.ErrInvalidEntry)
	}
	if time.Duration(g.ExpiresAt-g.IssuedAt)*time.Second > e.cfg.MaxGrantDuration {
		return fmt.Errorf("%w: grant longer than %s", fault.ErrInvalidEntry, e.cfg.MaxGrantDuration)
	}
	return nil
}

func (e *Engine) checkGrantAccess(ctx context.Context, entry model.Entry, a model.GrantAccess) error {
	var g model.CapabilityGrant
	if _, err := e.fetchAs(ctx, a.Grant, model.EntryCapabilityGrant, &g); err != nil {
		return err
	}
	if g.Grantor != entry.Author {
		return fmt.Errorf("%w: access logged outside the grantor's chain", fault.ErrNotAuthor)
	}
	if a.Grantee != g.Grantee {
		return fmt.Errorf("%w: access by someone other than the grantee", fault.ErrInvalidEntry)
	}
	for _, f := range a.Fields {
		if !g.Covers(f) {
			return &fault.FieldNotGrantedError{Fields: []string{string(f)}, Granted: model.FieldNames(g.Fields)}
		}
	}
	return nil
}

func (e *Engine) checkNewResource(ctx context.Context, entry model.Entry, r model.EconomicResource) error {
	if r.Quantity <= 0 {
		return fault.ErrInvalidQuantity
	}
	if r.Custodian != entry.Author {
		return fmt.Errorf("%w: the creator must be the first custodian", fault.ErrNotAuthor)
	}
	var spec model.ResourceSpecification
	if _, err := e.fetchAs(ctx, r.Specification, model.EntryResourceSpecification, &spec); err != nil {
		return err
	}
	want := model.StateActive
	if spec.RequiresValidation {
		want = model.StatePendingValidation
	}
	if r.State != want {
		return fmt.Errorf("%w: new resources of this specification start %s", fault.ErrInvalidEntry, want)
	}
	if !r.LastEvent.IsZero() || !r.Commitment.IsZero() {
		return fmt.Errorf("%w: new resource cannot reference events", fault.ErrInvalidEntry)
	}
	return nil
}

func (e *Engine) checkResourceUpdate(ctx context.Context, prev model.Record, entry model.Entry, actor model.AgentPubKey) error {
	var old, next model.EconomicResource
	if err := decode(prev.Entry, &old); err != nil {
		return err
	}
	if err := decode(entry, &next); err != nil {
		return err
	}
	if next.Specification != old.Specification {
		return fmt.Errorf("%w: specification cannot change", fault.ErrInvalidEntry)
	}
	if next.Quantity <= 0 {
		return fault.ErrInvalidQuantity
	}
	if old.State == model.StateRetired {
		return &fault.TransitionError{From: string(old.State), To: string(next.State), Detail: "retired resources are final"}
	}
	if next.State != old.State {
		if _, ok := model.Transition(old.State, next.State); !ok {
			return &fault.TransitionError{From: string(old.State), To: string(next.State)}
		}
	}

	authorised := actor == old.Custodian
	if !authorised && next.LastEvent != old.LastEvent && !next.LastEvent.IsZero() {
		var ev model.EconomicEvent
		if _, err := e.fetchAs(ctx, next.LastEvent, model.EntryEconomicEvent, &ev); err != nil {
			return err
		}
		authorised = ev.Participant(actor)
	}
	if !authorised && next.Commitment != old.Commitment && !next.Commitment.IsZero() {
		var c model.Commitment
		if _, err := e.fetchAs(ctx, next.Commitment, model.EntryCommitment, &c); err != nil {
			return err
		}
		authorised = c.Participant(actor)
	}
	if !authorised {
		return fmt.Errorf("%w: not the custodian or a participant", fault.ErrNotAuthor)
	}

	if next.Custodian != old.Custodian {
		if next.LastEvent.IsZero() || next.LastEvent == old.LastEvent {
			return fmt.Errorf("%w: custody change needs a new event", fault.ErrInvalidEntry)
		}
		var ev model.EconomicEvent
		if _, err := e.fetchAs(ctx, next.LastEvent, model.EntryEconomicEvent, &ev); err != nil {
			return err
		}
		switch {
		case !ev.Action.TransfersCustody():
			return fmt.Errorf("%w: %s does not transfer custody", fault.ErrInvalidEntry, ev.Action)
		case ev.Resource != prev.Root():
			return fmt.Errorf("%w: event is about another resource", fault.ErrInvalidEntry)
		case ev.Provider != old.Custodian || ev.Receiver != next.Custodian:
			return fmt.Errorf("%w: event does not move custody to the new custodian", fault.ErrInvalidEntry)
		}
	}
	return nil
}

func (e *Engine) checkCommitment(ctx context.Context, entry model.Entry, c model.Commitment) error {
	switch {
	case !c.Action.Valid():
		return fmt.Errorf("%w: %q", fault.ErrInvalidAction, c.Action)
	case c.Quantity <= 0:
		return fault.ErrInvalidQuantity
	case c.Provider == c.Receiver:
		return fault.ErrSameParticipants
	case !c.Participant(entry.Author):
		return fault.ErrNotParticipant
	case c.Due <= c.CreatedAt:
		return fmt.Errorf("%w: due before creation", fault.ErrInvalidEntry)
	case c.Nonce == "":
		return fmt.Errorf("%w: missing nonce", fault.ErrInvalidEntry)
	}
	var r model.EconomicResource
	_, err := e.fetchAs(ctx, c.Resource, model.EntryEconomicResource, &r)
	return err
}

func (e *Engine) checkEvent(ctx context.Context, entry model.Entry, ev model.EconomicEvent) error {
	switch {
	case !ev.Action.Valid():
		return fmt.Errorf("%w: %q", fault.ErrInvalidAction, ev.Action)
	case ev.Quantity <= 0:
		return fault.ErrInvalidQuantity
	case ev.Provider == ev.Receiver:
		return fault.ErrSameParticipants
	case !ev.Participant(entry.Author):
		return fault.ErrNotParticipant
	}
	if ev.Commitment.IsZero() {
		return nil
	}
	var c model.Commitment
	if _, err := e.fetchAs(ctx, ev.Commitment, model.EntryCommitment, &c); err != nil {
		return err
	}
	if c.Action != ev.Action || c.Provider != ev.Provider || c.Receiver != ev.Receiver || c.Resource != ev.Resource {
		return fmt.Errorf("%w: event does not match its commitment", fault.ErrInvalidEntry)
	}
	return nil
}

func (e *Engine) checkClaim(ctx context.Context, entry model.Entry, cl model.Claim) error {
	if cl.Claimant != entry.Author {
		return fmt.Errorf("%w: claim made for %s", fault.ErrNotAuthor, cl.Claimant.Short())
	}
	var c model.Commitment
	if _, err := e.fetchAs(ctx, cl.Commitment, model.EntryCommitment, &c); err != nil {
		return err
	}
	if !c.Participant(cl.Claimant) {
		return fault.ErrNotParticipant
	}
	var ev model.EconomicEvent
	if _, err := e.fetchAs(ctx, cl.Event, model.EntryEconomicEvent, &ev); err != nil {
		return err
	}
	if ev.Commitment != cl.Commitment {
		return fmt.Errorf("%w: event fulfils another commitment", fault.ErrInvalidEntry)
	}
	return nil
}

func (e *Engine) checkInvalidation(ctx context.Context, inv model.ClaimInvalidation) error {
	if inv.Reason == "" {
		return fmt.Errorf("%w: missing reason", fault.ErrInvalidEntry)
	}
	var loser, winner model.Claim
	if _, err := e.fetchAs(ctx, inv.Claim, model.EntryClaim, &loser); err != nil {
		return err
	}
	if _, err := e.fetchAs(ctx, inv.Winner, model.EntryClaim, &winner); err != nil {
		return err
	}
	if loser.Commitment != inv.Commitment || winner.Commitment != inv.Commitment {
		return fmt.Errorf("%w: claims fulfil different commitments", fault.ErrInvalidEntry)
	}
	if !inv.Winner.Less(inv.Claim) {
		return fmt.Errorf("%w: winner must have the smaller hash", fault.ErrInvalidEntry)
	}
	return nil
}

func (e *Engine) checkRequest(ctx context.Context, entry model.Entry, r model.ValidationRequest) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown request kind %q", fault.ErrInvalidEntry, r.Kind)
	}
	if _, err := governance.ParseScheme(r.Scheme, e.cfg.Quorum); err != nil {
		return err
	}

	if r.Kind.AboutResource() {
		if r.SubjectResource.IsZero() {
			return fmt.Errorf("%w: request names no resource", fault.ErrInvalidEntry)
		}
		if _, err := e.fetch(ctx, r.SubjectResource); err != nil {
			return err
		}
		latest, err := e.reader.GetLatest(ctx, r.SubjectResource)
		if err != nil {
			return err
		}
		var res model.EconomicResource
		if err := decode(latest.Entry, &res); err != nil {
			return err
		}
		if res.Custodian != entry.Author {
			return fmt.Errorf("%w: only the custodian can ask for %s", fault.ErrNotAuthor, r.Kind)
		}
		return nil
	}

	if !r.SubjectAgent.Valid() {
		return fmt.Errorf("%w: request names no agent", fault.ErrInvalidEntry)
	}
	switch r.Kind {
	case model.KindAgentPromotion:
		if r.SubjectAgent != entry.Author {
			return fmt.Errorf("%w: agents request their own promotion", fault.ErrNotAuthor)
		}
		if !r.RequestedRole.Valid() {
			return fmt.Errorf("%w: unknown role %q", fault.ErrInvalidEntry, r.RequestedRole)
		}
		if r.RequestedTier != r.RequestedRole.MinTier() {
			return fmt.Errorf("%w: role %s confers %s", fault.ErrInvalidEntry, r.RequestedRole, r.RequestedRole.MinTier())
		}
	case model.KindDisputeHold:
		if r.HoldUntil <= r.RequestedAt {
			return fmt.Errorf("%w: hold ends before it starts", fault.ErrInvalidEntry)
		}
	}
	return nil
}

func (e *Engine) checkReceipt(ctx context.Context, entry model.Entry, r model.ValidationReceipt, origin Origin) error {
	if r.Validator != entry.Author {
		return fmt.Errorf("%w: receipt signed for %s", fault.ErrNotAuthor, r.Validator.Short())
	}
	if !r.Verify() {
		e.audit.Warnf("receipt for %s: bad signature from %s", r.Request.Short(), r.Validator)
		return fault.ErrInvalidSignature
	}
	var req model.ValidationRequest
	rec, err := e.fetchAs(ctx, r.Request, model.EntryValidationRequest, &req)
	if err != nil {
		return err
	}
	if r.Validator == rec.Entry.Author || r.Validator == req.SubjectAgent {
		return fault.ErrSelfValidation
	}
	return e.tierGate(ctx, r.Validator, e.cfg.ValidatorMinTier, origin)
}

func (e *Engine) checkParticipationClaim(ctx context.Context, entry model.Entry, c model.PrivateParticipationClaim) error {
	switch {
	case c.Subject != entry.Author:
		return fmt.Errorf("%w: receipt held for %s", fault.ErrNotAuthor, c.Subject.Short())
	case !c.Payload.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", fault.ErrInvalidEntry, c.Payload.Category)
	case !c.Payload.Counterparty.Valid() || c.Payload.Counterparty == c.Subject:
		return fmt.Errorf("%w: bad counterparty", fault.ErrInvalidEntry)
	case c.Trigger.Key().IsZero() || c.Payload.TriggerKey != c.Trigger.Key():
		return fmt.Errorf("%w: payload does not reference the trigger", fault.ErrInvalidEntry)
	}
	if err := c.Payload.Metrics.Validate(); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidMetrics, err)
	}
	if !c.Verify() {
		e.audit.Warnf("participation receipt %s: signatures do not cover payload", c.PayloadHash.Short())
		return fault.ErrInvalidSignature
	}
	digest, err := c.Payload.TransactionDigest(c.Subject)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	if digest != c.TransactionDigest {
		e.audit.Warnf("participation receipt %s: transaction digest %s, computed %s", c.PayloadHash.Short(), c.TransactionDigest.Short(), digest.Short())
		return fault.ErrSignatureMismatch
	}

	st, err := ppr.StageOf(ctx, c.Trigger, e.fetch)
	if err != nil {
		return err
	}
	if !st.Allows(c.Subject, c.Payload.Counterparty, c.Payload.Category, st[c.Payload.Counterparty]) {
		return fmt.Errorf("%w: %s does not mint %s for %s", fault.ErrInvalidEntry, c.Trigger.Key().Short(), c.Payload.Category, c.Subject.Short())
	}
	return nil
}
