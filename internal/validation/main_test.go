package validation

import (
	"context"
	"os"
	"testing"

	"github.com/bitmark-inc/logger"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "validation-test")
	if err != nil {
		panic(err)
	}
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	rc := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(rc)
}

type tiers map[model.AgentPubKey]model.Tier

func (t tiers) TierOf(_ context.Context, agent model.AgentPubKey) (model.Tier, error) {
	return t[agent], nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.SQLite
	tiers  tiers
	engine *Engine
	gate   *Gate
	clock  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := DefaultConfig()
	cfg.FetchAttempts = 1
	cfg.FetchInterval = 0
	f := &fixture{t: t, ctx: context.Background(), store: s, tiers: tiers{}, clock: 1000}
	audit := logger.New("audit")
	f.engine = NewEngine(s, f.tiers, cfg, audit)
	f.gate = NewGate(f.engine, s, audit)
	return f
}

func (f *fixture) now() int64 {
	f.clock++
	return f.clock
}

func (f *fixture) agent(tier model.Tier) *identity.Identity {
	f.t.Helper()
	id, err := identity.Generate()
	require.NoError(f.t, err)
	f.tiers[id.Agent()] = tier
	return id
}

func (f *fixture) entry(author model.AgentPubKey, t model.EntryType, content any) model.Entry {
	f.t.Helper()
	e, err := model.NewEntry(t, author, f.now(), content)
	require.NoError(f.t, err)
	return e
}

// put stores an entry without validating it.
func (f *fixture) put(author model.AgentPubKey, t model.EntryType, content any) model.Hash {
	f.t.Helper()
	h, err := f.store.Create(f.ctx, f.entry(author, t, content))
	require.NoError(f.t, err)
	return h
}

func (f *fixture) putLink(author model.AgentPubKey, base, target model.Hash, lt model.LinkType, tag []byte) model.Hash {
	f.t.Helper()
	h, err := f.store.CreateLink(f.ctx, f.link(author, base, target, lt, tag))
	require.NoError(f.t, err)
	return h
}

func (f *fixture) link(author model.AgentPubKey, base, target model.Hash, lt model.LinkType, tag []byte) model.Link {
	return model.Link{Base: base, Target: target, Type: lt, Tag: tag, Author: author, Timestamp: f.now()}
}

// vote adds signed receipts from fresh accountable validators.
func (f *fixture) vote(request model.Hash, approvals, rejections int) {
	f.t.Helper()
	for i := 0; i < approvals+rejections; i++ {
		v := f.agent(model.TierAccountable)
		r := model.ValidationReceipt{Request: request, Validator: v.Agent(), Approved: i < approvals, SignedAt: f.now()}
		r.Signature = v.Sign(r.SigningPayload())
		h := f.put(v.Agent(), model.EntryValidationReceipt, r)
		f.putLink(v.Agent(), request, h, model.LinkRequestToReceipt, nil)
	}
}

// promotion stores an approved promotion of agent to role.
func (f *fixture) promotion(agent model.AgentPubKey, role model.Role, approvals int) model.Hash {
	f.t.Helper()
	h := f.put(agent, model.EntryValidationRequest, model.ValidationRequest{
		Kind:          model.KindAgentPromotion,
		SubjectAgent:  agent,
		RequestedRole: role,
		RequestedTier: role.MinTier(),
		Scheme:        "2-of-3",
		RequestedAt:   f.now(),
	})
	f.vote(h, approvals, 0)
	return h
}

type world struct {
	spec     model.Hash
	resource model.Hash
	owner    *identity.Identity
	other    *identity.Identity
}

func (f *fixture) world() world {
	f.t.Helper()
	owner := f.agent(model.TierAccountable)
	other := f.agent(model.TierAccountable)
	spec := f.put(owner.Agent(), model.EntryResourceSpecification, model.ResourceSpecification{Name: "drill"})
	res := f.put(owner.Agent(), model.EntryEconomicResource, model.EconomicResource{
		Specification: spec,
		Quantity:      1,
		Unit:          "item",
		Custodian:     owner.Agent(),
		State:         model.StateActive,
	})
	return world{spec: spec, resource: res, owner: owner, other: other}
}

func (f *fixture) commitment(w world, action model.Action) (model.Hash, model.Commitment) {
	f.t.Helper()
	c := model.Commitment{
		Action:    action,
		Provider:  w.owner.Agent(),
		Receiver:  w.other.Agent(),
		Resource:  w.resource,
		Quantity:  1,
		Due:       f.clock + 1000,
		Nonce:     "n1",
		CreatedAt: f.now(),
	}
	return f.put(w.owner.Agent(), model.EntryCommitment, c), c
}
