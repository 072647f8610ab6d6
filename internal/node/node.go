// Package node composes one agent's services over its replica of the
// shared store and exposes them as a single API. Every call runs in its
// own trace span.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssd-technologies/nondominium/internal/capability"
	"github.com/ssd-technologies/nondominium/internal/chain"
	"github.com/ssd-technologies/nondominium/internal/economy"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/replication"
	"github.com/ssd-technologies/nondominium/internal/resource"
	"github.com/ssd-technologies/nondominium/internal/store"
	"github.com/ssd-technologies/nondominium/internal/validation"
)

const tracerName = "github.com/ssd-technologies/nondominium/internal/node"

// Storage is a replica: the store the node writes through and the dump
// other replicas pull from.
type Storage interface {
	store.Store
	store.Dumper
}

// Intervals of the background workers. Zero disables a worker.
type Intervals struct {
	Resume    time.Duration
	Reconcile time.Duration
	Sync      time.Duration
}

// Config tunes a node.
type Config struct {
	Genesis    []model.AgentPubKey
	Validation validation.Config
	Scheme     string
	Intervals  Intervals
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Validation: validation.DefaultConfig(),
		Intervals: Intervals{
			Resume:    time.Minute,
			Reconcile: 5 * time.Minute,
			Sync:      30 * time.Second,
		},
	}
}

// Node is one agent on one replica.
type Node struct {
	sync.Mutex
	cfg         Config
	id          *identity.Identity
	host        *host.Host
	storage     Storage
	gate        *validation.Gate
	resolver    *governance.Resolver
	ledger      *capability.Service
	governance  *governance.Service
	resources   *resource.Service
	receipts    *ppr.Service
	economy     *economy.Service
	replication *replication.Loop
	peers       []replication.Peer
	tracer      trace.Tracer
	log         *logger.L
}

// New assembles the node for id. Writes go through a validation gate in
// front of s; cosigner reaches the counterparties of receipt pairs.
func New(id *identity.Identity, ch *chain.Chain, s Storage, cosigner ppr.Cosigner, cfg Config, clock host.Clock) (*Node, error) {
	if clock == nil {
		clock = time.Now
	}
	cached := store.NewCached(s)
	audit := logger.New("audit")
	resolver := governance.NewResolver(cached, cfg.Genesis)
	engine := validation.NewEngine(cached, resolver, cfg.Validation, audit)
	gate := validation.NewGate(engine, cached, audit)

	h, err := host.New(id, ch, cached, gate, clock)
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		id:       id,
		host:     h,
		storage:  s,
		gate:     gate,
		resolver: resolver,
		tracer:   otel.Tracer(tracerName),
		log:      logger.New("node"),
	}
	n.ledger = capability.NewService(h, resolver, capability.Config{
		MaxGrantDuration: cfg.Validation.MaxGrantDuration,
		Quorum:           cfg.Validation.Quorum,
	})
	n.governance = governance.NewService(h, cached, cfg.Validation.Quorum, cfg.Scheme)
	n.receipts = ppr.NewService(h, cosigner)
	n.governance.Observe(n.receipts)
	n.resources = resource.NewService(h, n.governance)
	n.economy = economy.NewService(h, resolver, n.resources, n.receipts)
	n.replication = replication.NewLoop(cached, gate, cfg.Intervals.Sync, n.Peers)
	return n, nil
}

// Agent returns the node's agent key.
func (n *Node) Agent() model.AgentPubKey { return n.host.Agent() }

// Identity returns the node's signing identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// Source is what other replicas pull from.
func (n *Node) Source() store.Dumper { return n.storage }

// AddPeer registers a replica to pull from.
func (n *Node) AddPeer(p replication.Peer) {
	n.Lock()
	defer n.Unlock()
	for i, q := range n.peers {
		if q.Name == p.Name {
			n.peers[i] = p
			return
		}
	}
	n.peers = append(n.peers, p)
}

// Peers lists the registered replicas.
func (n *Node) Peers() []replication.Peer {
	n.Lock()
	defer n.Unlock()
	return append([]replication.Peer(nil), n.peers...)
}

func (n *Node) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return n.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("agent", n.host.Agent().Short())))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// person, role and tier

func (n *Node) CreatePerson(ctx context.Context, p model.Person) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "CreatePerson")
	defer func() { end(span, err) }()
	return n.ledger.CreatePerson(ctx, p)
}

func (n *Node) UpdatePerson(ctx context.Context, p model.Person) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "UpdatePerson")
	defer func() { end(span, err) }()
	return n.ledger.UpdatePerson(ctx, p)
}

func (n *Node) GetPerson(ctx context.Context, agent model.AgentPubKey) (p model.Person, err error) {
	ctx, span := n.span(ctx, "GetPerson")
	defer func() { end(span, err) }()
	p, _, err = n.ledger.GetPerson(ctx, agent)
	return p, err
}

func (n *Node) GetAgentProfile(ctx context.Context, agent model.AgentPubKey) (p capability.Profile, err error) {
	ctx, span := n.span(ctx, "GetAgentProfile")
	defer func() { end(span, err) }()
	return n.ledger.GetAgentProfile(ctx, agent)
}

func (n *Node) StorePrivateData(ctx context.Context, d model.PrivateData) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "StorePrivateData")
	defer func() { end(span, err) }()
	return n.ledger.StorePrivateData(ctx, d)
}

func (n *Node) UpdatePrivateData(ctx context.Context, d model.PrivateData) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "UpdatePrivateData")
	defer func() { end(span, err) }()
	return n.ledger.UpdatePrivateData(ctx, d)
}

func (n *Node) AssignRole(ctx context.Context, agent model.AgentPubKey, role model.Role, evidence model.Hash) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "AssignRole")
	defer func() { end(span, err) }()
	h, _, err = n.ledger.AssignRole(ctx, agent, role, evidence)
	return h, err
}

func (n *Node) PromoteAgent(ctx context.Context, agent model.AgentPubKey) (t model.Tier, err error) {
	ctx, span := n.span(ctx, "PromoteAgent")
	defer func() { end(span, err) }()
	return n.ledger.PromoteAgent(ctx, agent)
}

func (n *Node) TierOf(ctx context.Context, agent model.AgentPubKey) (t model.Tier, err error) {
	ctx, span := n.span(ctx, "TierOf")
	defer func() { end(span, err) }()
	return n.ledger.TierOf(ctx, agent)
}

func (n *Node) RolesOf(ctx context.Context, agent model.AgentPubKey) (roles []model.Role, err error) {
	ctx, span := n.span(ctx, "RolesOf")
	defer func() { end(span, err) }()
	return n.ledger.RolesOf(ctx, agent)
}

func (n *Node) PlaceDisputeHold(ctx context.Context, agent model.AgentPubKey, evidence model.Hash, until int64) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "PlaceDisputeHold")
	defer func() { end(span, err) }()
	return n.ledger.PlaceDisputeHold(ctx, agent, evidence, until)
}

// private data grants

func (n *Node) GrantPrivateDataAccess(ctx context.Context, fields []model.PrivateField, grantee model.AgentPubKey, d time.Duration, purpose string) (h model.Hash, g model.CapabilityGrant, err error) {
	ctx, span := n.span(ctx, "GrantPrivateDataAccess")
	defer func() { end(span, err) }()
	return n.ledger.GrantPrivateDataAccess(ctx, fields, grantee, d, purpose)
}

func (n *Node) ExpireGrant(ctx context.Context, grant model.Hash, reason string) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "ExpireGrant")
	defer func() { end(span, err) }()
	return n.ledger.ExpireGrant(ctx, grant, reason)
}

// ReadPrivateData answers caller's read of this node's private data under
// grant.
func (n *Node) ReadPrivateData(ctx context.Context, caller model.AgentPubKey, grant model.Hash, fields []model.PrivateField) (data map[model.PrivateField]string, err error) {
	ctx, span := n.span(ctx, "ReadPrivateData")
	span.SetAttributes(attribute.String("caller", caller.Short()))
	defer func() { end(span, err) }()
	return n.ledger.ReadPrivateData(ctx, caller, grant, fields)
}

// resources

func (n *Node) CreateSpecification(ctx context.Context, spec model.ResourceSpecification) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "CreateSpecification")
	defer func() { end(span, err) }()
	return n.resources.CreateSpecification(ctx, spec)
}

func (n *Node) UpdateSpecification(ctx context.Context, previous model.Hash, spec model.ResourceSpecification) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "UpdateSpecification")
	defer func() { end(span, err) }()
	return n.resources.UpdateSpecification(ctx, previous, spec)
}

func (n *Node) GetSpecification(ctx context.Context, h model.Hash) (spec model.ResourceSpecification, err error) {
	ctx, span := n.span(ctx, "GetSpecification")
	defer func() { end(span, err) }()
	return n.resources.GetSpecification(ctx, h)
}

func (n *Node) ListSpecifications(ctx context.Context) (recs []model.Record, err error) {
	ctx, span := n.span(ctx, "ListSpecifications")
	defer func() { end(span, err) }()
	return n.resources.ListSpecifications(ctx)
}

func (n *Node) CreateResource(ctx context.Context, in resource.Input) (c resource.Created, err error) {
	ctx, span := n.span(ctx, "CreateResource")
	defer func() { end(span, err) }()
	return n.resources.CreateResource(ctx, in)
}

func (n *Node) GetResource(ctx context.Context, h model.Hash) (r model.EconomicResource, err error) {
	ctx, span := n.span(ctx, "GetResource")
	defer func() { end(span, err) }()
	r, _, err = n.resources.GetResource(ctx, h)
	return r, err
}

func (n *Node) ListResources(ctx context.Context) (recs []model.Record, err error) {
	ctx, span := n.span(ctx, "ListResources")
	defer func() { end(span, err) }()
	return n.resources.ListResources(ctx)
}

func (n *Node) UpdateResourceState(ctx context.Context, h model.Hash, to model.ResourceState, evidence model.Hash) (rec model.Record, err error) {
	ctx, span := n.span(ctx, "UpdateResourceState")
	span.SetAttributes(attribute.String("state", string(to)))
	defer func() { end(span, err) }()
	return n.resources.UpdateResourceState(ctx, h, to, evidence)
}

func (n *Node) AddComponent(ctx context.Context, parent, part model.Hash) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "AddComponent")
	defer func() { end(span, err) }()
	return n.resources.AddComponent(ctx, parent, part)
}

func (n *Node) Components(ctx context.Context, parent model.Hash) (parts []model.Hash, err error) {
	ctx, span := n.span(ctx, "Components")
	defer func() { end(span, err) }()
	return n.resources.Components(ctx, parent)
}

func (n *Node) ResourceHistory(ctx context.Context, h model.Hash) (hist resource.History, err error) {
	ctx, span := n.span(ctx, "ResourceHistory")
	defer func() { end(span, err) }()
	return n.resources.ResourceHistory(ctx, h)
}

// validation tallies

func (n *Node) RequestValidation(ctx context.Context, in governance.RequestInput) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "RequestValidation")
	span.SetAttributes(attribute.String("kind", string(in.Kind)))
	defer func() { end(span, err) }()
	return n.governance.RequestValidation(ctx, in)
}

func (n *Node) SubmitValidationReceipt(ctx context.Context, request model.Hash, approved bool, note string) (t governance.Tally, err error) {
	ctx, span := n.span(ctx, "SubmitValidationReceipt")
	defer func() { end(span, err) }()
	return n.governance.SubmitValidationReceipt(ctx, request, approved, note)
}

func (n *Node) Tally(ctx context.Context, request model.Hash) (t governance.Tally, err error) {
	ctx, span := n.span(ctx, "Tally")
	defer func() { end(span, err) }()
	return n.governance.Tally(ctx, request)
}

// economic pipeline

func (n *Node) ProposeCommitment(ctx context.Context, p economy.Proposal) (h model.Hash, err error) {
	ctx, span := n.span(ctx, "ProposeCommitment")
	span.SetAttributes(attribute.String("action", string(p.Action)))
	defer func() { end(span, err) }()
	return n.economy.ProposeCommitment(ctx, p)
}

func (n *Node) FulfillCommitment(ctx context.Context, commitment model.Hash, f economy.Fulfilment) (out economy.Fulfilled, err error) {
	ctx, span := n.span(ctx, "FulfillCommitment")
	defer func() { end(span, err) }()
	return n.economy.FulfillCommitment(ctx, commitment, f)
}

func (n *Node) GetPendingCommitments(ctx context.Context) (cs []economy.Commitment, err error) {
	ctx, span := n.span(ctx, "GetPendingCommitments")
	defer func() { end(span, err) }()
	return n.economy.GetPendingCommitments(ctx)
}

func (n *Node) GetExpiredCommitments(ctx context.Context) (cs []economy.Commitment, err error) {
	ctx, span := n.span(ctx, "GetExpiredCommitments")
	defer func() { end(span, err) }()
	return n.economy.GetExpiredCommitments(ctx)
}

func (n *Node) ClaimStatus(ctx context.Context, commitment model.Hash) (st economy.Status, err error) {
	ctx, span := n.span(ctx, "ClaimStatus")
	defer func() { end(span, err) }()
	return n.economy.ClaimStatus(ctx, commitment)
}

// receipts

func (n *Node) Receipts(ctx context.Context) (rs []ppr.Receipt, err error) {
	ctx, span := n.span(ctx, "Receipts")
	defer func() { end(span, err) }()
	return n.receipts.List(ctx)
}

func (n *Node) PendingReceipts(ctx context.Context) (ps []model.PendingReceipt, err error) {
	ctx, span := n.span(ctx, "PendingReceipts")
	defer func() { end(span, err) }()
	return n.receipts.Pending(ctx)
}

// ResumePending retries parked receipt issuances.
func (n *Node) ResumePending(ctx context.Context) (done int, err error) {
	ctx, span := n.span(ctx, "ResumePending")
	defer func() {
		span.SetAttributes(attribute.Int("completed", done))
		end(span, err)
	}()
	return n.receipts.ResumePending(ctx)
}

func (n *Node) RevokeReceipt(ctx context.Context, h model.Hash, reason string) (err error) {
	ctx, span := n.span(ctx, "RevokeReceipt")
	defer func() { end(span, err) }()
	return n.receipts.Revoke(ctx, h, reason)
}

func (n *Node) DeriveReputationSummary(ctx context.Context, period ppr.Period) (s ppr.Summary, err error) {
	ctx, span := n.span(ctx, "DeriveReputationSummary")
	defer func() { end(span, err) }()
	return n.receipts.DeriveReputationSummary(ctx, period)
}

// Countersign answers a counterparty's cosign request.
func (n *Node) Countersign(ctx context.Context, req ppr.CosignRequest) (resp ppr.CosignResponse, err error) {
	ctx, span := n.span(ctx, "Countersign")
	span.SetAttributes(attribute.String("requester", req.Requester.Short()))
	defer func() { end(span, err) }()
	return n.receipts.Countersign(ctx, req)
}

// RegisterActivity records that the agent acted, refused while it is
// under a dispute hold.
func (n *Node) RegisterActivity(ctx context.Context) (err error) {
	ctx, span := n.span(ctx, "RegisterActivity")
	defer func() { end(span, err) }()
	return n.host.RegisterActivity(ctx)
}
