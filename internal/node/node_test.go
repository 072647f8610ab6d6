package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ssd-technologies/nondominium/internal/chain"
	"github.com/ssd-technologies/nondominium/internal/economy"
	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/host/hosttest"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/node"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/resource"
	"github.com/ssd-technologies/nondominium/internal/store"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

// cluster is a network of nodes, each on its own replica.
type cluster struct {
	t       *testing.T
	ctx     context.Context
	net     *node.Network
	clock   *hosttest.Clock
	genesis []*identity.Identity
	nodes   map[int]*node.Node
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{
		t:     t,
		ctx:   context.Background(),
		net:   node.NewNetwork(),
		clock: hosttest.NewClock(),
		nodes: make(map[int]*node.Node),
	}
	for i := 0; i < hosttest.GenesisCount; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		c.genesis = append(c.genesis, id)
	}
	return c
}

func (c *cluster) join(id *identity.Identity) *node.Node {
	c.t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(c.t, err)
	c.t.Cleanup(func() { s.Close() })
	ch, err := chain.OpenMemory(id.Agent())
	require.NoError(c.t, err)
	c.t.Cleanup(func() { ch.Close() })

	cfg := node.DefaultConfig()
	for _, g := range c.genesis {
		cfg.Genesis = append(cfg.Genesis, g.Agent())
	}
	cfg.Validation.FetchAttempts = 1
	cfg.Validation.FetchInterval = 0
	cfg.Intervals = node.Intervals{}

	n, err := node.New(id, ch, s, c.net.Cosigner(), cfg, c.clock.Now)
	require.NoError(c.t, err)
	c.net.Join(n)
	return n
}

func (c *cluster) member() *node.Node {
	c.t.Helper()
	id, err := identity.Generate()
	require.NoError(c.t, err)
	return c.join(id)
}

func (c *cluster) founder(i int) *node.Node {
	c.t.Helper()
	if n, ok := c.nodes[i]; ok {
		return n
	}
	n := c.join(c.genesis[i])
	c.nodes[i] = n
	return n
}

func (c *cluster) settle() {
	c.t.Helper()
	_, err := c.net.Settle(c.ctx)
	require.NoError(c.t, err)
}

func (c *cluster) due(d time.Duration) int64 {
	return c.clock.Now().Add(d).Unix()
}

func (c *cluster) resource(n *node.Node) model.Hash {
	c.t.Helper()
	spec, err := n.CreateSpecification(c.ctx, model.ResourceSpecification{Name: "cargo bike", DefaultUnit: "item"})
	require.NoError(c.t, err)
	created, err := n.CreateResource(c.ctx, resource.Input{Specification: spec, Quantity: 1})
	require.NoError(c.t, err)
	return created.Resource
}

func categories(t *testing.T, n *node.Node) []model.Category {
	t.Helper()
	receipts, err := n.Receipts(context.Background())
	require.NoError(t, err)
	var out []model.Category
	for _, r := range receipts {
		out = append(out, r.Claim.Payload.Category)
	}
	return out
}

func (c *cluster) transfer(from, to *node.Node) (model.Hash, model.Hash) {
	c.t.Helper()
	r := c.resource(from)
	commitment, err := from.ProposeCommitment(c.ctx, economy.Proposal{
		Action:   model.ActionTransferCustody,
		Provider: from.Agent(),
		Receiver: to.Agent(),
		Resource: r,
		Quantity: 1,
		Due:      c.due(time.Hour),
	})
	require.NoError(c.t, err)
	return r, commitment
}

func TestCustodyTransferAcrossReplicas(t *testing.T) {
	c := newCluster(t)
	a := c.founder(0)
	b := c.member()
	ctx := c.ctx

	r, commitment := c.transfer(a, b)
	pending, err := b.GetPendingCommitments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "not replicated yet")

	c.settle()
	pending, err = b.GetPendingCommitments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, commitment, pending[0].Hash)

	// a's replica has not seen the claim, so the receipt waits
	done, err := b.FulfillCommitment(ctx, commitment, economy.Fulfilment{Location: "depot"})
	require.NoError(t, err)
	assert.True(t, done.Receipt.Pending)
	parked, err := b.PendingReceipts(ctx)
	require.NoError(t, err)
	assert.Len(t, parked, 1)

	c.settle()
	parked, err = b.PendingReceipts(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)
	assert.Equal(t, []model.Category{model.CategoryCustodyTransfer}, categories(t, a))
	assert.Equal(t, []model.Category{model.CategoryCustodyAcceptance}, categories(t, b))

	res, err := a.GetResource(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, b.Agent(), res.Custodian)

	_, err = a.FulfillCommitment(ctx, commitment, economy.Fulfilment{})
	assert.ErrorIs(t, err, fault.ErrAlreadyFulfilled)
}

func TestOfflineCounterpartyResumes(t *testing.T) {
	c := newCluster(t)
	a := c.founder(0)
	b := c.member()
	ctx := c.ctx

	_, commitment := c.transfer(a, b)
	c.settle()

	c.net.SetOnline(a.Agent(), false)
	_, err := b.FulfillCommitment(ctx, commitment, economy.Fulfilment{})
	require.NoError(t, err)
	c.settle()
	parked, err := b.PendingReceipts(ctx)
	require.NoError(t, err)
	assert.Len(t, parked, 1)
	assert.Empty(t, categories(t, a))

	c.net.SetOnline(a.Agent(), true)
	c.settle()
	parked, err = b.PendingReceipts(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)
	assert.Len(t, categories(t, a), 1)
	assert.Len(t, categories(t, b), 1)

	summary, err := b.DeriveReputationSummary(ctx, ppr.Period{})
	require.NoError(t, err)
	require.Len(t, summary.Families, 1)
	assert.Equal(t, 1, summary.Families[0].Count)
}

func TestResourceValidationAcrossReplicas(t *testing.T) {
	c := newCluster(t)
	owner := c.founder(0)
	ctx := c.ctx

	spec, err := owner.CreateSpecification(ctx, model.ResourceSpecification{
		Name:               "community van",
		RequiresValidation: true,
		ValidationScheme:   "2-of-3",
	})
	require.NoError(t, err)
	created, err := owner.CreateResource(ctx, resource.Input{Specification: spec, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingValidation, created.State)
	require.False(t, created.Request.IsZero())

	_, err = owner.UpdateResourceState(ctx, created.Resource, model.StateActive, created.Request)
	assert.ErrorIs(t, err, fault.ErrInvalidStateTransition)

	c.founder(1)
	c.founder(2)
	c.settle()
	for i := 1; i < 3; i++ {
		_, err := c.founder(i).SubmitValidationReceipt(ctx, created.Request, true, "roadworthy")
		require.NoError(t, err)
	}
	c.settle()

	tally, err := owner.Tally(ctx, created.Request)
	require.NoError(t, err)
	assert.True(t, tally.Approved())
	assert.Equal(t, 2, tally.Approvals)

	_, err = owner.UpdateResourceState(ctx, created.Resource, model.StateActive, created.Request)
	require.NoError(t, err)
	res, err := owner.GetResource(ctx, created.Resource)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, res.State)

	assert.Equal(t, []model.Category{model.CategoryResourceCreation, model.CategoryResourceCreation}, categories(t, owner))
	assert.Equal(t, []model.Category{model.CategoryResourceValidation}, categories(t, c.founder(1)))
}

func TestCallsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	c := newCluster(t)
	a := c.founder(0)
	c.resource(a)
	_, err := a.GetResource(c.ctx, model.HashBytes([]byte("nothing")))
	require.Error(t, err)

	var names []string
	var failed []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
		if s.Status().Code == codes.Error {
			failed = append(failed, s.Name())
		}
	}
	assert.Equal(t, []string{"CreateSpecification", "CreateResource", "GetResource"}, names)
	assert.Equal(t, []string{"GetResource"}, failed)
}
