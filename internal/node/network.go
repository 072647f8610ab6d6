package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/replication"
)

const maxSettleRounds = 16

// Network joins nodes running in one process: it routes cosign requests
// between them and lets each replica pull from the others.
type Network struct {
	sync.RWMutex
	nodes   map[model.AgentPubKey]*Node
	offline map[model.AgentPubKey]bool
	order   []model.AgentPubKey
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes:   make(map[model.AgentPubKey]*Node),
		offline: make(map[model.AgentPubKey]bool),
	}
}

// Join adds n and makes every member a replication peer of every other.
func (w *Network) Join(n *Node) {
	w.Lock()
	defer w.Unlock()
	agent := n.Agent()
	if _, ok := w.nodes[agent]; ok {
		return
	}
	for _, other := range w.order {
		m := w.nodes[other]
		m.AddPeer(replication.Peer{Name: agent.Short(), Source: n.Source()})
		n.AddPeer(replication.Peer{Name: other.Short(), Source: m.Source()})
	}
	w.nodes[agent] = n
	w.order = append(w.order, agent)
}

// SetOnline marks agent reachable or not for cosign requests.
func (w *Network) SetOnline(agent model.AgentPubKey, online bool) {
	w.Lock()
	defer w.Unlock()
	w.offline[agent] = !online
}

// Cosigner returns the cosigner nodes of this network hand to their
// receipt service.
func (w *Network) Cosigner() ppr.Cosigner {
	return networkCosigner{w}
}

type networkCosigner struct {
	w *Network
}

func (c networkCosigner) Cosign(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
	target := req.Peer.Counterparty
	c.w.RLock()
	n, ok := c.w.nodes[target]
	down := c.w.offline[target] || c.w.offline[req.Requester]
	c.w.RUnlock()
	switch {
	case !ok:
		return ppr.CosignResponse{}, ppr.Unreachable(errors.New("unknown agent " + target.Short()))
	case down:
		return ppr.CosignResponse{}, ppr.Unreachable(errors.New(target.Short() + " is offline"))
	}
	return n.Countersign(ctx, req)
}

// Settle replicates between all members and retries parked receipts
// until nothing changes, then lets every node reconcile its claims.
// Returns how many items were copied.
func (w *Network) Settle(ctx context.Context) (int, error) {
	w.RLock()
	nodes := make([]*Node, 0, len(w.order))
	for _, a := range w.order {
		nodes = append(nodes, w.nodes[a])
	}
	w.RUnlock()

	total := 0
	for round := 0; round < maxSettleRounds; round++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		progress := 0
		for _, n := range nodes {
			progress += n.SyncNow(ctx)
		}
		for _, n := range nodes {
			progress += n.resumeReceipts(ctx)
			progress += n.reconcileClaims(ctx)
		}
		total += progress
		if progress == 0 {
			return total, nil
		}
	}
	return total, fmt.Errorf("network did not settle after %d rounds", maxSettleRounds)
}
