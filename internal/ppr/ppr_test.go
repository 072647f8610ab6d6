package ppr_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/host/hosttest"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/ppr/mocks"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

type party struct {
	host     *host.Host
	svc      *ppr.Service
	cosigner *mocks.MockCosigner
}

func newParty(t *testing.T, ctl *gomock.Controller, h *host.Host) *party {
	c := mocks.NewMockCosigner(ctl)
	return &party{host: h, svc: ppr.NewService(h, c), cosigner: c}
}

// relay routes cosign requests from p to the service of other.
func (p *party) relay(other *party) *gomock.Call {
	return p.cosigner.EXPECT().Cosign(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
			return other.svc.Countersign(ctx, req)
		})
}

// commitment publishes a resource held by provider and a commitment of
// action on it from provider to receiver.
func commitment(t *testing.T, env *hosttest.Env, provider, receiver *party, action model.Action) model.Hash {
	t.Helper()
	spec, err := provider.host.Create(env.Ctx, model.EntryResourceSpecification, model.ResourceSpecification{
		Name: fmt.Sprintf("tool %d", provider.host.Now()),
	})
	require.NoError(t, err)
	res, err := provider.host.Create(env.Ctx, model.EntryEconomicResource, model.EconomicResource{
		Specification: spec,
		Quantity:      1,
		Unit:          "item",
		Custodian:     provider.host.Agent(),
		State:         model.StateActive,
	})
	require.NoError(t, err)
	due := provider.host.Now() + 3600
	h, err := provider.host.Create(env.Ctx, model.EntryCommitment, model.Commitment{
		Action:    action,
		Provider:  provider.host.Agent(),
		Receiver:  receiver.host.Agent(),
		Resource:  res,
		Quantity:  1,
		Unit:      "item",
		Due:       due,
		Nonce:     fmt.Sprintf("n%d", due),
		CreatedAt: provider.host.Now(),
	})
	require.NoError(t, err)
	return h
}

// fulfilled publishes a commitment of action together with the event and
// the claim provider fulfils it with.
func fulfilled(t *testing.T, env *hosttest.Env, provider, receiver *party, action model.Action) model.TriggerRef {
	t.Helper()
	c := commitment(t, env, provider, receiver, action)
	rec, err := provider.host.Get(env.Ctx, c)
	require.NoError(t, err)
	var cm model.Commitment
	require.NoError(t, rec.Entry.Decode(&cm))
	event, err := provider.host.Create(env.Ctx, model.EntryEconomicEvent, model.EconomicEvent{
		Action:     action,
		Provider:   cm.Provider,
		Receiver:   cm.Receiver,
		Resource:   cm.Resource,
		Quantity:   1,
		Unit:       "item",
		Commitment: c,
		OccurredAt: provider.host.Now(),
	})
	require.NoError(t, err)
	claim, err := provider.host.Create(env.Ctx, model.EntryClaim, model.Claim{
		Commitment: c,
		Event:      event,
		Claimant:   provider.host.Agent(),
		ClaimedAt:  provider.host.Now(),
	})
	require.NoError(t, err)
	return model.TriggerRef{Commitment: c, Claim: claim, Event: event}
}

// trigger publishes a transfer from provider to receiver, claimed by the
// provider.
func trigger(t *testing.T, env *hosttest.Env, provider, receiver *party) model.TriggerRef {
	return fulfilled(t, env, provider, receiver, model.ActionTransfer)
}

func custody(tr model.TriggerRef, counterparty model.AgentPubKey, m model.PerformanceMetrics) ppr.IssueRequest {
	return ppr.IssueRequest{
		Trigger:              tr,
		Counterparty:         counterparty,
		Category:             model.CategoryCustodyTransfer,
		CounterpartyCategory: model.CategoryCustodyAcceptance,
		Metrics:              m,
	}
}

func metrics(t *testing.T, v float64) model.PerformanceMetrics {
	m, err := model.NewMetrics(v, v, v, v)
	require.NoError(t, err)
	return m
}

func setup(t *testing.T) (*hosttest.Env, *party, *party) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	return env, newParty(t, ctl, env.Host()), newParty(t, ctl, env.Host())
}

func TestIssueMintsSymmetricPair(t *testing.T) {
	env, a, b := setup(t)
	a.relay(b).Times(1)

	tr := trigger(t, env, a, b)
	pair, err := a.svc.Issue(env.Ctx, custody(tr, b.host.Agent(), metrics(t, 0.8)))
	require.NoError(t, err)
	assert.False(t, pair.Pending)

	mine, err := a.svc.List(env.Ctx)
	require.NoError(t, err)
	theirs, err := b.svc.List(env.Ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Len(t, theirs, 1)

	ca, cb := mine[0].Claim, theirs[0].Claim
	assert.True(t, ca.Verify())
	assert.True(t, cb.Verify())
	assert.Equal(t, a.host.Agent(), ca.Subject)
	assert.Equal(t, b.host.Agent(), cb.Subject)
	assert.Equal(t, b.host.Agent(), ca.Payload.Counterparty)
	assert.Equal(t, a.host.Agent(), cb.Payload.Counterparty)
	assert.Equal(t, ca.Payload.TriggerKey, cb.Payload.TriggerKey)
	assert.Equal(t, tr.Claim, ca.Payload.TriggerKey)
	assert.Equal(t, ca.Payload.Metrics, cb.Payload.Metrics)
	assert.Equal(t, ca.TransactionDigest, cb.TransactionDigest)
	assert.Equal(t, model.CategoryCustodyTransfer, ca.Payload.Category)
	assert.Equal(t, model.CategoryCustodyAcceptance, cb.Payload.Category)

	// receipts never reach the shared store
	for _, r := range []ppr.Receipt{mine[0], theirs[0]} {
		_, found, err := env.Store.Get(env.Ctx, r.Hash)
		require.NoError(t, err)
		assert.False(t, found)
	}

	again, err := a.svc.Issue(env.Ctx, custody(tr, b.host.Agent(), metrics(t, 0.8)))
	require.NoError(t, err)
	assert.Equal(t, pair.Receipt, again.Receipt)
}

func TestUnreachableCounterpartyParksReceipt(t *testing.T) {
	env, a, b := setup(t)
	gomock.InOrder(
		a.cosigner.EXPECT().Cosign(gomock.Any(), gomock.Any()).
			Return(ppr.CosignResponse{}, ppr.Unreachable(errors.New("connection refused"))).Times(2),
		a.relay(b).Times(1),
	)

	tr := trigger(t, env, a, b)
	pair, err := a.svc.Issue(env.Ctx, custody(tr, b.host.Agent(), ppr.DefaultMetrics()))
	require.NoError(t, err)
	assert.True(t, pair.Pending)

	// a retried issuance reuses the parked payloads
	pair, err = a.svc.Issue(env.Ctx, custody(tr, b.host.Agent(), ppr.DefaultMetrics()))
	require.NoError(t, err)
	assert.True(t, pair.Pending)
	pending, err := a.svc.Pending(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tr.Key(), pending[0].Key)

	done, err := a.svc.ResumePending(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	pending, err = a.svc.Pending(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	done, err = a.svc.ResumePending(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, done)

	r, err := b.svc.ByTrigger(env.Ctx, tr.Key())
	require.NoError(t, err)
	assert.True(t, r.Claim.Verify())
}

func TestCounterpartyDisagreementIsMismatch(t *testing.T) {
	env, a, b := setup(t)
	a.cosigner.EXPECT().Cosign(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
			resp, err := b.svc.Countersign(ctx, req)
			resp.TransactionDigest = model.HashBytes([]byte("another transaction"))
			return resp, err
		})
	stranger, err := identity.Generate()
	require.NoError(t, err)
	a.cosigner.EXPECT().Cosign(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
			resp, err := b.svc.Countersign(ctx, req)
			h, _ := req.Peer.Hash()
			resp.Signature = stranger.Sign(h[:])
			return resp, err
		})

	for i := 0; i < 2; i++ {
		_, err := a.svc.Issue(env.Ctx, custody(trigger(t, env, a, b), b.host.Agent(), ppr.DefaultMetrics()))
		assert.ErrorIs(t, err, fault.ErrSignatureMismatch)
	}
	mine, err := a.svc.List(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCountersignChecksRequest(t *testing.T) {
	env, a, b := setup(t)
	tr := trigger(t, env, a, b)
	now := a.host.Now()
	build := func(tr model.TriggerRef, to *party, m model.PerformanceMetrics, peer, cat model.Category) ppr.CosignRequest {
		return ppr.CosignRequest{
			Trigger:   tr,
			Requester: a.host.Agent(),
			Payload:   model.ParticipationPayload{Category: cat, TriggerKey: tr.Key(), Counterparty: a.host.Agent(), Metrics: m, IssuedAt: now},
			Peer:      model.ParticipationPayload{Category: peer, TriggerKey: tr.Key(), Counterparty: to.host.Agent(), Metrics: ppr.DefaultMetrics(), IssuedAt: now},
		}
	}
	transfer := func(tr model.TriggerRef, m model.PerformanceMetrics, cat model.Category) ppr.CosignRequest {
		return build(tr, b, m, model.CategoryCustodyTransfer, cat)
	}
	sign := func(req ppr.CosignRequest, signer func([]byte) model.Signature) ppr.CosignRequest {
		h, err := req.Payload.Hash()
		require.NoError(t, err)
		req.Signature = signer(h[:])
		return req
	}

	stranger, err := identity.Generate()
	require.NoError(t, err)
	_, err = b.svc.Countersign(env.Ctx, sign(transfer(tr, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance), stranger.Sign))
	assert.ErrorIs(t, err, fault.ErrSignatureMismatch)

	_, err = b.svc.Countersign(env.Ctx, sign(transfer(tr, metrics(t, 0.2), model.CategoryCustodyAcceptance), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrSignatureMismatch)

	_, err = b.svc.Countersign(env.Ctx, sign(transfer(tr, ppr.DefaultMetrics(), model.CategoryGoodFaithTransfer), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	forged := transfer(trigger(t, env, b, a), ppr.DefaultMetrics(), model.CategoryCustodyAcceptance)
	_, err = b.svc.Countersign(env.Ctx, sign(forged, a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrNotAuthor)

	// a record outside the pipeline mints nothing
	person, err := a.host.Create(env.Ctx, model.EntryPerson, model.Person{Name: "Ada"})
	require.NoError(t, err)
	_, err = b.svc.Countersign(env.Ctx, sign(transfer(model.TriggerRef{Claim: person}, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	// categories of another stage, or of the other side of this one
	_, err = b.svc.Countersign(env.Ctx, sign(build(tr, b, ppr.DefaultMetrics(), model.CategoryEndOfLifeValidation, model.CategoryEndOfLifeDeclaration), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)
	_, err = b.svc.Countersign(env.Ctx, sign(build(tr, b, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance, model.CategoryCustodyTransfer), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)
	accepted := model.TriggerRef{Commitment: commitment(t, env, a, b, model.ActionTransfer)}
	_, err = b.svc.Countersign(env.Ctx, sign(transfer(accepted, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	outsider := newParty(t, gomock.NewController(t), env.Host())
	_, err = outsider.svc.Countersign(env.Ctx, sign(build(tr, outsider, ppr.DefaultMetrics(), model.CategoryCustodyTransfer, model.CategoryCustodyAcceptance), a.host.Sign))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	resp, err := b.svc.Countersign(env.Ctx, sign(transfer(tr, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance), a.host.Sign))
	require.NoError(t, err)
	again, err := b.svc.Countersign(env.Ctx, sign(transfer(tr, ppr.DefaultMetrics(), model.CategoryCustodyAcceptance), a.host.Sign))
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	theirs, err := b.svc.List(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestIssueChecksRequest(t *testing.T) {
	env, a, b := setup(t)
	tr := trigger(t, env, a, b)

	_, err := a.svc.Issue(env.Ctx, custody(tr, a.host.Agent(), ppr.DefaultMetrics()))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	bad := ppr.DefaultMetrics()
	bad.Overall = 0.5
	_, err = a.svc.Issue(env.Ctx, custody(tr, b.host.Agent(), bad))
	assert.ErrorIs(t, err, fault.ErrInvalidMetrics)

	req := custody(tr, b.host.Agent(), ppr.DefaultMetrics())
	req.CounterpartyCategory = model.CategoryEndOfLifeDeclaration
	_, err = a.svc.Issue(env.Ctx, req)
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	_, err = a.svc.Issue(env.Ctx, custody(model.TriggerRef{}, b.host.Agent(), ppr.DefaultMetrics()))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	req = custody(tr, b.host.Agent(), ppr.DefaultMetrics())
	req.Category, req.CounterpartyCategory = model.CategoryMaintenanceCompleted, model.CategoryCustodyAcceptance
	_, err = a.svc.Issue(env.Ctx, req)
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	outsider := newParty(t, gomock.NewController(t), env.Host())
	_, err = a.svc.Issue(env.Ctx, custody(tr, outsider.host.Agent(), ppr.DefaultMetrics()))
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)
}

func TestReputationSummaryExposesOnlyAggregates(t *testing.T) {
	env, a, b := setup(t)
	a.relay(b).AnyTimes()

	issue := func(tr model.TriggerRef, provider, receiver model.Category, v float64) ppr.Pair {
		pair, err := a.svc.Issue(env.Ctx, ppr.IssueRequest{
			Trigger:              tr,
			Counterparty:         b.host.Agent(),
			Category:             provider,
			CounterpartyCategory: receiver,
			Metrics:              metrics(t, v),
		})
		require.NoError(t, err)
		return pair
	}
	issue(trigger(t, env, a, b), model.CategoryCustodyTransfer, model.CategoryCustodyAcceptance, 0.6)
	issue(trigger(t, env, a, b), model.CategoryCustodyTransfer, model.CategoryCustodyAcceptance, 1.0)
	repair := commitment(t, env, a, b, model.ActionModify)
	issue(model.TriggerRef{Commitment: repair}, model.CategoryMaintenanceAccepted, model.CategoryGoodFaithTransfer, 0.5)
	revoked := issue(fulfilled(t, env, a, b, model.ActionModify), model.CategoryMaintenanceCompleted, model.CategoryCustodyAcceptance, 0.1)
	require.NoError(t, a.svc.Revoke(env.Ctx, revoked.Receipt, "claim lost the fulfilment race"))
	require.NoError(t, a.svc.Revoke(env.Ctx, revoked.Receipt, "again"))
	assert.ErrorIs(t, a.svc.Revoke(env.Ctx, model.HashBytes([]byte("nope")), "x"), fault.ErrNotFound)

	summary, err := a.svc.DeriveReputationSummary(env.Ctx, ppr.Period{})
	require.NoError(t, err)
	require.Len(t, summary.Families, 2)
	assert.Equal(t, model.FamilyCoreUsage, summary.Families[0].Family)
	assert.Equal(t, 2, summary.Families[0].Count)
	assert.InDelta(t, 0.8, summary.Families[0].AverageOverall, 1e-9)
	assert.Equal(t, model.FamilyIntermediateService, summary.Families[1].Family)
	assert.Equal(t, 1, summary.Families[1].Count)
	assert.InDelta(t, 0.5, summary.Families[1].AverageOverall, 1e-9)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	var doc map[string][]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc, 1)
	for _, f := range doc["families"] {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		assert.ElementsMatch(t, []string{"family", "average_overall", "count"}, keys)
	}
	receipts, err := a.svc.List(env.Ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(b.host.Agent()))
	for _, r := range receipts {
		assert.NotContains(t, string(raw), r.Claim.Payload.TriggerKey.String())
	}

	later, err := a.svc.DeriveReputationSummary(env.Ctx, ppr.Period{From: a.host.Now() + int64(time.Hour/time.Second)})
	require.NoError(t, err)
	assert.Empty(t, later.Families)
}

func TestValidationReceiptMintsPair(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	candidate := newParty(t, ctl, env.Host())
	validator := newParty(t, ctl, env.Genesis(0))
	validator.relay(candidate).Times(1)

	req, err := governance.NewService(candidate.host, env.Store, env.Config.Quorum, "").RequestValidation(env.Ctx, governance.RequestInput{
		Kind: model.KindAgentPromotion,
		Role: model.RoleTransport,
	})
	require.NoError(t, err)

	gov := governance.NewService(validator.host, env.Store, env.Config.Quorum, "")
	gov.Observe(validator.svc)
	_, err = gov.SubmitValidationReceipt(env.Ctx, req, true, "")
	require.NoError(t, err)

	mine, err := validator.svc.List(env.Ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, model.CategoryValidationActivity, mine[0].Claim.Payload.Category)
	theirs, err := candidate.svc.List(env.Ctx)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, model.CategoryRuleCompliance, theirs[0].Claim.Payload.Category)
}
