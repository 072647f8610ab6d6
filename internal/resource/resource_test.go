package resource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/host/hosttest"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/resource"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

type fixture struct {
	t     *testing.T
	env   *hosttest.Env
	owner *host.Host
	svc   *resource.Service
}

func newFixture(t *testing.T) *fixture {
	env := hosttest.New(t)
	owner := env.Host()
	return &fixture{t: t, env: env, owner: owner, svc: resource.NewService(owner, gov(env, owner))}
}

func gov(env *hosttest.Env, h *host.Host) *governance.Service {
	return governance.NewService(h, env.Store, env.Config.Quorum, "")
}

func (f *fixture) spec(requiresValidation bool) model.Hash {
	f.t.Helper()
	h, err := f.svc.CreateSpecification(f.env.Ctx, model.ResourceSpecification{
		Name:               "cargo bike",
		DefaultUnit:        "item",
		RequiresValidation: requiresValidation,
		ValidationScheme:   "2-of-3",
	})
	require.NoError(f.t, err)
	return h
}

func (f *fixture) resource(requiresValidation bool) resource.Created {
	f.t.Helper()
	c, err := f.svc.CreateResource(f.env.Ctx, resource.Input{Specification: f.spec(requiresValidation), Quantity: 1})
	require.NoError(f.t, err)
	return c
}

func (f *fixture) vote(request model.Hash, approve bool, n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		_, err := gov(f.env, f.env.Genesis(i)).SubmitValidationReceipt(f.env.Ctx, request, approve, "")
		require.NoError(f.t, err)
	}
}

func (f *fixture) commitment(provider, receiver *host.Host, author *host.Host, res model.Hash, action model.Action, due time.Duration) model.Hash {
	f.t.Helper()
	now := author.Now()
	h, err := author.Create(f.env.Ctx, model.EntryCommitment, model.Commitment{
		Action:    action,
		Provider:  provider.Agent(),
		Receiver:  receiver.Agent(),
		Resource:  res,
		Quantity:  1,
		Due:       now + int64(due/time.Second),
		Nonce:     "nonce-" + string(action),
		CreatedAt: now,
	})
	require.NoError(f.t, err)
	return h
}

func (f *fixture) state(h model.Hash) model.EconomicResource {
	f.t.Helper()
	res, _, err := f.svc.GetResource(f.env.Ctx, h)
	require.NoError(f.t, err)
	return res
}

func TestRejectedValidationKeepsResourcePending(t *testing.T) {
	f := newFixture(t)
	created := f.resource(true)
	assert.Equal(t, model.StatePendingValidation, created.State)
	require.False(t, created.Request.IsZero())

	f.vote(created.Request, false, 2)

	_, err := f.svc.UpdateResourceState(f.env.Ctx, created.Resource, model.StateActive, model.Hash{})
	var te *fault.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	assert.Contains(t, te.Detail, "rejected")
	assert.Equal(t, model.StatePendingValidation, f.state(created.Resource).State)
}

func TestLifecycleEdges(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Ctx
	created := f.resource(true)
	r := created.Resource

	// PendingValidation -> Active
	_, err := f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	f.vote(created.Request, true, 2)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, f.state(r).State)

	// Active -> Maintenance
	repairer := f.env.Host()
	maintenance := f.commitment(repairer, f.owner, f.owner, r, model.ActionModify, time.Hour)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateMaintenance, maintenance)
	require.NoError(t, err)
	assert.Equal(t, maintenance, f.state(r).Commitment)

	// Maintenance -> Active, only once the commitment is claimed
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	ev, err := repairer.Create(ctx, model.EntryEconomicEvent, model.EconomicEvent{
		Action: model.ActionModify, Provider: repairer.Agent(), Receiver: f.owner.Agent(),
		Resource: r, Quantity: 1, Commitment: maintenance, OccurredAt: repairer.Now(),
	})
	require.NoError(t, err)
	claim, err := repairer.Create(ctx, model.EntryClaim, model.Claim{Commitment: maintenance, Event: ev, Claimant: repairer.Agent(), ClaimedAt: repairer.Now()})
	require.NoError(t, err)
	_, err = repairer.Link(ctx, maintenance, claim, model.LinkCommitmentToClaim, nil)
	require.NoError(t, err)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	require.NoError(t, err)
	assert.True(t, f.state(r).Commitment.IsZero())

	// Active -> Reserved, Reserved -> Active once the reservation lapses
	borrower := f.env.Host()
	reservation := f.commitment(f.owner, borrower, f.owner, r, model.ActionAccessForUse, time.Hour)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateReserved, reservation)
	require.NoError(t, err)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	f.env.Clock.Advance(2 * time.Hour)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	require.NoError(t, err)

	// Active -> Retired
	eol, err := gov(f.env, f.owner).RequestValidation(ctx, governance.RequestInput{Kind: model.KindEndOfLife, Resource: r, Scheme: "2-of-3"})
	require.NoError(t, err)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateRetired, eol)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	f.vote(eol, true, 2)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateRetired, eol)
	require.NoError(t, err)

	// Retired is absorbing
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateActive, model.Hash{})
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)

	history, err := f.svc.ResourceHistory(ctx, r)
	require.NoError(t, err)
	assert.Len(t, history.Revisions, 7)
}

func TestNonEdgesRejected(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Ctx
	pending := f.resource(true).Resource
	active := f.resource(false).Resource

	cases := []struct {
		resource model.Hash
		to       model.ResourceState
	}{
		{pending, model.StateMaintenance},
		{pending, model.StateRetired},
		{active, model.StatePendingValidation},
		{active, model.StateActive},
	}
	for _, tc := range cases {
		_, err := f.svc.UpdateResourceState(ctx, tc.resource, tc.to, model.Hash{})
		var te *fault.TransitionError
		require.ErrorAs(t, err, &te, string(tc.to))
		assert.Empty(t, te.Detail)
	}

	repairer := f.env.Host()
	c := f.commitment(repairer, f.owner, f.owner, active, model.ActionModify, time.Hour)
	_, err := f.svc.UpdateResourceState(ctx, active, model.StateMaintenance, c)
	require.NoError(t, err)
	_, err = f.svc.UpdateResourceState(ctx, active, model.StateRetired, model.Hash{})
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
	_, err = f.svc.UpdateResourceState(ctx, active, model.StateReserved, c)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)
}

func TestHoldNeedsMatchingCommitment(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Ctx
	r := f.resource(false).Resource
	other := f.resource(false).Resource
	borrower := f.env.Host()

	wrongResource := f.commitment(f.owner, borrower, f.owner, other, model.ActionAccessForUse, time.Hour)
	_, err := f.svc.UpdateResourceState(ctx, r, model.StateReserved, wrongResource)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)

	transfer := f.commitment(f.owner, borrower, f.owner, r, model.ActionTransfer, time.Hour)
	_, err = f.svc.UpdateResourceState(ctx, r, model.StateReserved, transfer)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)

	_, err = f.svc.UpdateResourceState(ctx, r, model.StateReserved, model.HashBytes([]byte("missing")))
	assert.ErrorIs(t, err, fault.ErrCommitmentNotFound)
}

func TestApplyEventMovesCustody(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Ctx
	r := f.resource(false).Resource
	receiver := f.env.Host()
	c := f.commitment(f.owner, receiver, f.owner, r, model.ActionTransferCustody, time.Hour)

	ev := model.EconomicEvent{
		Action: model.ActionTransferCustody, Provider: f.owner.Agent(), Receiver: receiver.Agent(),
		Resource: r, Quantity: 1, Commitment: c, Location: "depot", OccurredAt: receiver.Now(),
	}
	evHash, err := receiver.Create(ctx, model.EntryEconomicEvent, ev)
	require.NoError(t, err)

	svc := resource.NewService(receiver, gov(f.env, receiver))
	_, err = svc.ApplyEvent(ctx, evHash, ev)
	require.NoError(t, err)

	res := f.state(r)
	assert.Equal(t, receiver.Agent(), res.Custodian)
	assert.Equal(t, "depot", res.Location)
	assert.Equal(t, evHash, res.LastEvent)

	history, err := f.svc.ResourceHistory(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{evHash}, history.Events)
}

func TestSpecificationsAndComponents(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Ctx
	spec := f.spec(false)
	rev, err := f.svc.UpdateSpecification(ctx, spec, model.ResourceSpecification{Name: "cargo bike v2"})
	require.NoError(t, err)

	specs, err := f.svc.ListSpecifications(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, rev, specs[0].Hash)

	_, err = resource.NewService(f.env.Host(), nil).UpdateSpecification(ctx, rev, model.ResourceSpecification{Name: "hijacked"})
	assert.ErrorIs(t, err, fault.ErrNotAuthor)

	frame := f.resource(false).Resource
	wheel := f.resource(false).Resource
	_, err = f.svc.AddComponent(ctx, frame, wheel)
	require.NoError(t, err)
	parts, err := f.svc.Components(ctx, frame)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{wheel}, parts)

	_, err = f.svc.AddComponent(ctx, frame, model.HashBytes([]byte("ghost wheel")))
	assert.ErrorIs(t, err, fault.ErrNotYetValid)

	all, err := f.svc.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
