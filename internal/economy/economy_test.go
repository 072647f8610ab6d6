package economy_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/capability"
	"github.com/ssd-technologies/nondominium/internal/economy"
	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/host/hosttest"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/ppr/mocks"
	"github.com/ssd-technologies/nondominium/internal/replication"
	"github.com/ssd-technologies/nondominium/internal/resource"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

type node struct {
	env       *hosttest.Env
	host      *host.Host
	cosigner  *mocks.MockCosigner
	receipts  *ppr.Service
	resources *resource.Service
	economy   *economy.Service
}

func newNode(ctl *gomock.Controller, env *hosttest.Env, h *host.Host) *node {
	gov := governance.NewService(h, env.Store, env.Config.Quorum, "")
	c := mocks.NewMockCosigner(ctl)
	n := &node{env: env, host: h, cosigner: c, receipts: ppr.NewService(h, c)}
	n.resources = resource.NewService(h, gov)
	n.economy = economy.NewService(h, env.Resolver, n.resources, n.receipts)
	return n
}

// relay routes n's cosign requests to other while reachable reports true.
func (n *node) relay(other *node, reachable func() bool) {
	n.cosigner.EXPECT().Cosign(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
			if !reachable() {
				return ppr.CosignResponse{}, ppr.Unreachable(errors.New("partitioned"))
			}
			return other.receipts.Countersign(ctx, req)
		}).AnyTimes()
}

func always() bool { return true }

func (n *node) resource(t *testing.T, rules ...model.GovernanceRule) model.Hash {
	t.Helper()
	spec, err := n.resources.CreateSpecification(n.env.Ctx, model.ResourceSpecification{
		Name:            "tool library drill",
		DefaultUnit:     "item",
		GovernanceRules: rules,
	})
	require.NoError(t, err)
	c, err := n.resources.CreateResource(n.env.Ctx, resource.Input{Specification: spec, Quantity: 1})
	require.NoError(t, err)
	return c.Resource
}

func (n *node) due(d time.Duration) int64 {
	return n.host.Now() + int64(d/time.Second)
}

func (n *node) categories(t *testing.T) []model.Category {
	t.Helper()
	receipts, err := n.receipts.List(n.env.Ctx)
	require.NoError(t, err)
	var out []model.Category
	for _, r := range receipts {
		out = append(out, r.Claim.Payload.Category)
	}
	return out
}

func TestCustodyTransferPipeline(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	a := newNode(ctl, env, env.Genesis(0))
	b := newNode(ctl, env, env.Host())
	a.relay(b, always)
	b.relay(a, always)
	ctx := env.Ctx

	r := a.resource(t)
	c, err := a.economy.ProposeCommitment(ctx, economy.Proposal{
		Action:   model.ActionTransferCustody,
		Provider: a.host.Agent(),
		Receiver: b.host.Agent(),
		Resource: r,
		Quantity: 1,
		Due:      a.due(time.Hour),
	})
	require.NoError(t, err)

	pending, err := b.economy.GetPendingCommitments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c, pending[0].Hash)

	done, err := b.economy.FulfillCommitment(ctx, c, economy.Fulfilment{Location: "workshop"})
	require.NoError(t, err)
	assert.False(t, done.Receipt.Pending)

	res, _, err := a.resources.GetResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, b.host.Agent(), res.Custodian)
	assert.Equal(t, done.Event, res.LastEvent)

	history, err := a.resources.ResourceHistory(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{done.Event}, history.Events)
	status, err := a.economy.ClaimStatus(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{done.Claim}, status.Claims)

	assert.Equal(t, []model.Category{model.CategoryCustodyTransfer}, a.categories(t))
	assert.Equal(t, []model.Category{model.CategoryCustodyAcceptance}, b.categories(t))

	_, err = a.economy.FulfillCommitment(ctx, c, economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrAlreadyFulfilled)
	pending, err = b.economy.GetPendingCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMaintenancePipeline(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	owner := newNode(ctl, env, env.Genesis(0))
	repairer := newNode(ctl, env, env.Host())
	owner.relay(repairer, always)
	repairer.relay(owner, always)
	ctx := env.Ctx

	req, err := governance.NewService(repairer.host, env.Store, env.Config.Quorum, "").RequestValidation(ctx, governance.RequestInput{
		Kind:   model.KindAgentPromotion,
		Role:   model.RoleRepair,
		Scheme: "2-of-3",
	})
	require.NoError(t, err)
	for i := 1; i < 3; i++ {
		_, err := governance.NewService(env.Genesis(i), env.Store, env.Config.Quorum, "").SubmitValidationReceipt(ctx, req, true, "")
		require.NoError(t, err)
	}
	_, _, err = capability.NewService(repairer.host, env.Resolver, capability.Config{Quorum: env.Config.Quorum}).
		AssignRole(ctx, repairer.host.Agent(), model.RoleRepair, req)
	require.NoError(t, err)

	r := owner.resource(t)
	c, err := owner.economy.ProposeCommitment(ctx, economy.Proposal{
		Action:   model.ActionModify,
		Provider: repairer.host.Agent(),
		Receiver: owner.host.Agent(),
		Resource: r,
		Quantity: 1,
		Due:      owner.due(24 * time.Hour),
	})
	require.NoError(t, err)
	res, _, err := owner.resources.GetResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, model.StateMaintenance, res.State)
	assert.Equal(t, c, res.Commitment)

	m, err := model.NewMetrics(1, 0.8, 1, 0.6)
	require.NoError(t, err)
	_, err = repairer.economy.FulfillCommitment(ctx, c, economy.Fulfilment{Metrics: &m})
	require.NoError(t, err)

	res, _, err = owner.resources.GetResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, res.State)
	assert.True(t, res.Commitment.IsZero())
	assert.Equal(t, owner.host.Agent(), res.Custodian)

	assert.Equal(t, []model.Category{model.CategoryMaintenanceAccepted, model.CategoryMaintenanceCompleted}, repairer.categories(t))
	assert.Equal(t, []model.Category{model.CategoryGoodFaithTransfer, model.CategoryCustodyAcceptance}, owner.categories(t))

	summary, err := repairer.receipts.DeriveReputationSummary(ctx, ppr.Period{})
	require.NoError(t, err)
	require.Len(t, summary.Families, 1)
	assert.Equal(t, model.FamilyIntermediateService, summary.Families[0].Family)
	assert.InDelta(t, (1+m.Overall)/2, summary.Families[0].AverageOverall, 1e-9)
}

func TestProposeCommitmentGates(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	owner := newNode(ctl, env, env.Genesis(0))
	simple := newNode(ctl, env, env.Host())
	other := env.Host().Agent()
	ctx := env.Ctx

	limit, err := json.Marshal(map[string]float64{"max": 1})
	require.NoError(t, err)
	r := owner.resource(t, model.GovernanceRule{RuleType: model.RuleMaxQuantity, Parameters: limit})
	own := simple.resource(t)

	cases := []struct {
		name string
		n    *node
		p    economy.Proposal
		err  error
	}{
		{"simple agent transfer", simple, economy.Proposal{Action: model.ActionTransfer, Provider: simple.host.Agent(), Receiver: other, Resource: own, Quantity: 1}, fault.ErrInsufficientTier},
		{"provider without role", owner, economy.Proposal{Action: model.ActionModify, Provider: other, Receiver: owner.host.Agent(), Resource: r, Quantity: 1}, fault.ErrMissingRole},
		{"provider not custodian", owner, economy.Proposal{Action: model.ActionTransferCustody, Provider: other, Receiver: owner.host.Agent(), Resource: r, Quantity: 1}, fault.ErrNotAuthor},
		{"governance rule", owner, economy.Proposal{Action: model.ActionTransfer, Provider: owner.host.Agent(), Receiver: other, Resource: r, Quantity: 2}, fault.ErrGovernanceRuleViolated},
		{"not a participant", owner, economy.Proposal{Action: model.ActionTransfer, Provider: other, Receiver: simple.host.Agent(), Resource: r, Quantity: 1}, fault.ErrNotParticipant},
		{"same participants", owner, economy.Proposal{Action: model.ActionTransfer, Provider: owner.host.Agent(), Receiver: owner.host.Agent(), Resource: r, Quantity: 1}, fault.ErrSameParticipants},
		{"unknown action", owner, economy.Proposal{Action: "borrow", Provider: owner.host.Agent(), Receiver: other, Resource: r, Quantity: 1}, fault.ErrInvalidAction},
	}
	for _, tc := range cases {
		tc.p.Due = tc.n.due(time.Hour)
		_, err := tc.n.economy.ProposeCommitment(ctx, tc.p)
		assert.ErrorIs(t, err, tc.err, tc.name)
	}

	_, err = owner.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionTransfer, Provider: owner.host.Agent(), Receiver: other, Resource: r, Quantity: 1, Due: owner.host.Now() - 1,
	})
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	var tierErr *fault.TierError
	_, err = simple.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionTransfer, Provider: simple.host.Agent(), Receiver: other, Resource: own, Quantity: 1, Due: simple.due(time.Hour),
	})
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, model.TierAccountable.String(), tierErr.Required)

	_, err = simple.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionInitialTransfer, Provider: simple.host.Agent(), Receiver: other, Resource: own, Quantity: 1, Due: simple.due(time.Hour),
	})
	assert.NoError(t, err)
}

func TestFulfilmentChecksBeforeWriting(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	a := newNode(ctl, env, env.Genesis(0))
	b := newNode(ctl, env, env.Host())
	a.relay(b, always)
	b.relay(a, always)
	ctx := env.Ctx

	r := a.resource(t)
	propose := func(receiver model.AgentPubKey) model.Hash {
		c, err := a.economy.ProposeCommitment(ctx, economy.Proposal{
			Action: model.ActionTransferCustody, Provider: a.host.Agent(), Receiver: receiver, Resource: r, Quantity: 1, Due: a.due(time.Hour),
		})
		require.NoError(t, err)
		return c
	}
	first := propose(b.host.Agent())
	second := propose(env.Genesis(1).Agent())
	written := func(et model.EntryType) int {
		recs, err := a.host.Chain().Query(et)
		require.NoError(t, err)
		return len(recs)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.economy.FulfillCommitment(ctx, first, economy.Fulfilment{})
		}(i)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, fault.ErrAlreadyFulfilled)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, written(model.EntryClaim))
	assert.Equal(t, 1, written(model.EntryEconomicEvent))

	// custody already went to b, so the second transfer cannot happen
	_, err := a.economy.FulfillCommitment(ctx, second, economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrNotAuthor)
	assert.Equal(t, 1, written(model.EntryClaim))
	assert.Equal(t, 1, written(model.EntryEconomicEvent))
	status, err := a.economy.ClaimStatus(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, status.Claims)
}

func TestDisputeHoldBlocksCommitments(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	accused := newNode(ctl, env, env.Host())
	accuser := env.Genesis(2)
	ctx := env.Ctx
	r := accused.resource(t)

	req, err := governance.NewService(accuser, env.Store, env.Config.Quorum, "").RequestValidation(ctx, governance.RequestInput{
		Kind:      model.KindDisputeHold,
		Agent:     accused.host.Agent(),
		Scheme:    "2-of-3",
		HoldUntil: accuser.Now() + 3600,
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := governance.NewService(env.Genesis(i), env.Store, env.Config.Quorum, "").SubmitValidationReceipt(ctx, req, true, "")
		require.NoError(t, err)
	}
	_, err = capability.NewService(accuser, env.Resolver, capability.Config{Quorum: env.Config.Quorum}).
		PlaceDisputeHold(ctx, accused.host.Agent(), req, 0)
	require.NoError(t, err)

	proposal := economy.Proposal{
		Action:   model.ActionInitialTransfer,
		Provider: accused.host.Agent(),
		Receiver: env.Genesis(1).Agent(),
		Resource: r,
		Quantity: 1,
		Due:      accused.due(time.Hour),
	}
	_, err = accused.economy.ProposeCommitment(ctx, proposal)
	assert.ErrorIs(t, err, fault.ErrDisputeHold)
	pending, err := accused.economy.GetPendingCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	env.Clock.Advance(2 * time.Hour)
	proposal.Due = accused.due(time.Hour)
	_, err = accused.economy.ProposeCommitment(ctx, proposal)
	assert.NoError(t, err)
}

func TestPendingAndExpiredCommitments(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	a := newNode(ctl, env, env.Genesis(0))
	b := newNode(ctl, env, env.Host())
	ctx := env.Ctx

	r := a.resource(t)
	c, err := a.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionTransfer, Provider: a.host.Agent(), Receiver: b.host.Agent(), Resource: r, Quantity: 1, Due: a.due(time.Hour),
	})
	require.NoError(t, err)

	expired, err := a.economy.GetExpiredCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	env.Clock.Advance(2 * time.Hour)
	pending, err := a.economy.GetPendingCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	expired, err = b.economy.GetExpiredCommitments(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, c, expired[0].Hash)
}

func TestFulfillCommitmentErrors(t *testing.T) {
	ctl := gomock.NewController(t)
	env := hosttest.New(t)
	a := newNode(ctl, env, env.Genesis(0))
	b := newNode(ctl, env, env.Host())
	stranger := newNode(ctl, env, env.Host())
	ctx := env.Ctx

	_, err := a.economy.FulfillCommitment(ctx, model.HashBytes([]byte("no such commitment")), economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrCommitmentNotFound)

	r := a.resource(t)
	_, err = a.economy.FulfillCommitment(ctx, r, economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrCommitmentNotFound)

	c, err := a.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionTransfer, Provider: a.host.Agent(), Receiver: b.host.Agent(), Resource: r, Quantity: 1, Due: a.due(time.Hour),
	})
	require.NoError(t, err)
	_, err = stranger.economy.FulfillCommitment(ctx, c, economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrNotAuthor)
}

// Both participants fulfil the same commitment on partitioned replicas.
// Once the replicas exchange data every peer agrees on a single winning
// claim, and the receipts minted for the losing claim stop counting.
func TestConcurrentFulfilmentConverges(t *testing.T) {
	ctl := gomock.NewController(t)
	env1 := hosttest.New(t)
	env2 := env1.Replica()
	ctx := env1.Ctx

	a := newNode(ctl, env1, env1.Genesis(0))
	b := newNode(ctl, env2, env2.Host())
	partitioned := true
	reachable := func() bool { return !partitioned }
	a.relay(b, reachable)
	b.relay(a, reachable)

	sync := func() {
		t.Helper()
		for _, dir := range []struct{ from, to *hosttest.Env }{{env1, env2}, {env2, env1}} {
			r, err := replication.Sync(ctx, dir.from.Store, dir.to.Store, dir.to.Gate)
			require.NoError(t, err)
			assert.Zero(t, r.Rejected)
			assert.Zero(t, r.Pending)
		}
	}

	r := a.resource(t)
	c, err := a.economy.ProposeCommitment(ctx, economy.Proposal{
		Action: model.ActionTransferCustody, Provider: a.host.Agent(), Receiver: b.host.Agent(), Resource: r, Quantity: 1, Due: a.due(time.Hour),
	})
	require.NoError(t, err)
	sync()

	fa, err := a.economy.FulfillCommitment(ctx, c, economy.Fulfilment{Location: "shelf a"})
	require.NoError(t, err)
	assert.True(t, fa.Receipt.Pending)
	fb, err := b.economy.FulfillCommitment(ctx, c, economy.Fulfilment{Location: "shelf b"})
	require.NoError(t, err)
	assert.True(t, fb.Receipt.Pending)
	require.NotEqual(t, fa.Claim, fb.Claim)

	partitioned = false
	sync()
	for _, n := range []*node{a, b} {
		done, err := n.receipts.ResumePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, done)
	}
	for _, n := range []*node{a, b} {
		touched, err := n.economy.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, touched)
	}
	sync()

	winner, loser := fa.Claim, fb.Claim
	won, wonAt := fa, "shelf a"
	if loser.Less(winner) {
		winner, loser = loser, winner
		won, wonAt = fb, "shelf b"
	}
	for _, n := range []*node{a, b} {
		st, err := n.economy.ClaimStatus(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, winner, st.Winner)
		assert.ElementsMatch(t, []model.Hash{winner, loser}, st.Claims)
		assert.Equal(t, []model.Hash{loser}, st.Invalidated)
		assert.Empty(t, st.Losers())

		receipts, err := n.receipts.List(ctx)
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		for _, rc := range receipts {
			assert.Equal(t, rc.Claim.Trigger.Key() == loser, rc.Revoked)
		}
		summary, err := n.receipts.DeriveReputationSummary(ctx, ppr.Period{})
		require.NoError(t, err)
		require.Len(t, summary.Families, 1)
		assert.Equal(t, 1, summary.Families[0].Count)

		_, err = n.economy.FulfillCommitment(ctx, c, economy.Fulfilment{})
		assert.ErrorIs(t, err, fault.ErrAlreadyFulfilled)

		// the resource reflects the winning claim's event
		res, _, err := n.resources.GetResource(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, won.Event, res.LastEvent)
		assert.Equal(t, wonAt, res.Location)
		assert.Equal(t, b.host.Agent(), res.Custodian)
	}

	touched, err := a.economy.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, touched)
}
