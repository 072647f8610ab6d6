package node

import (
	"context"
	"time"
)

// StartWorkers launches the background goroutines. Call with a cancellable
// context for graceful shutdown.
func (n *Node) StartWorkers(ctx context.Context) {
	if d := n.cfg.Intervals.Resume; d > 0 {
		go n.every(ctx, d, n.resumeReceipts)
	}
	if d := n.cfg.Intervals.Reconcile; d > 0 {
		go n.every(ctx, d, n.reconcileClaims)
	}
	if n.cfg.Intervals.Sync > 0 {
		n.replication.Start(ctx)
		go func() {
			<-ctx.Done()
			n.replication.Stop()
		}()
	}
}

func (n *Node) every(ctx context.Context, d time.Duration, work func(context.Context) int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
			work(ctx)
		}
	}
}

// --- Pending Receipt Worker ---

// resumeReceipts retries parked receipt issuances. Returns the number
// completed.
func (n *Node) resumeReceipts(ctx context.Context) int {
	done, err := n.ResumePending(ctx)
	if err != nil {
		n.log.Errorf("resume pending receipts: %s", err)
	}
	return done
}

// --- Claim Reconciliation Worker ---

// reconcileClaims settles fulfilment races for the agent's commitments.
// Returns the number of commitments that had losing claims.
func (n *Node) reconcileClaims(ctx context.Context) int {
	touched, err := n.economy.Reconcile(ctx)
	if err != nil {
		n.log.Errorf("reconcile claims: %s", err)
	}
	if touched > 0 {
		n.log.Infof("reconciled %d commitments", touched)
	}
	return touched
}

// --- Replication ---

// SyncNow pulls once from every peer.
func (n *Node) SyncNow(ctx context.Context) int {
	return n.replication.Cycle(ctx).Copied
}
