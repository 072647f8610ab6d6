// Package replication copies records and links between stores. Every
// copied item passes the receiving side's validation gate as replicated
// data, so a replica only ever holds what its own engine accepts.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
	"github.com/ssd-technologies/nondominium/internal/validation"
)

// Report tracks the outcome of a sync.
type Report struct {
	Copied   int
	Pending  int
	Rejected int
	Errors   []string
}

// maximum passes over the source; each pass only retries what was
// pending, so dependencies arriving out of order settle within a few
const maxPasses = 8

// Sync copies everything src holds that dst lacks through gate. Items
// whose dependencies are still missing are retried in later passes and
// reported as pending if they never settle.
func Sync(ctx context.Context, src store.Dumper, dst store.Store, gate *validation.Gate) (Report, error) {
	records, err := src.Records(ctx)
	if err != nil {
		return Report{}, err
	}
	links, err := src.Links(ctx)
	if err != nil {
		return Report{}, err
	}

	var ops []validation.Operation
	for i := range records {
		rec := records[i]
		present, deleted, err := recordState(ctx, dst, rec)
		if err != nil {
			return Report{}, err
		}
		if !present {
			ops = append(ops, recordOp(rec))
		}
		if rec.Deleted && !deleted {
			ops = append(ops, validation.DeleteEntry{Actor: rec.Entry.Author, Target: rec.Hash, Origin: validation.Replicated})
		}
	}
	for _, l := range links {
		have, found, err := dst.GetLink(ctx, l.Hash)
		if err != nil {
			return Report{}, err
		}
		if !found {
			ops = append(ops, validation.CreateLink{Actor: l.Link.Author, Link: l.Link, Origin: validation.Replicated})
		}
		if l.Deleted && (!found || !have.Deleted) {
			ops = append(ops, validation.DeleteLink{Actor: l.Link.Author, Target: l.Hash, Origin: validation.Replicated})
		}
	}

	var r Report
	for pass := 0; pass < maxPasses && len(ops) > 0; pass++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		var retry []validation.Operation
		for _, op := range ops {
			d := gate.Decide(ctx, op)
			switch d.Outcome {
			case validation.Valid:
				if _, err := gate.Write(ctx, op); err != nil {
					r.Errors = append(r.Errors, err.Error())
					continue
				}
				r.Copied++
			case validation.Invalid:
				r.Rejected++
			case validation.Pending:
				retry = append(retry, op)
			}
		}
		if len(retry) == len(ops) {
			ops = retry
			break
		}
		ops = retry
	}
	r.Pending = len(ops)
	return r, nil
}

// recordState reports whether dst holds rec and whether it is deleted
// there. Deleted rows are invisible to Get, so they are looked up among
// the revisions of their root.
func recordState(ctx context.Context, dst store.Store, rec model.Record) (present, deleted bool, err error) {
	if _, found, err := dst.Get(ctx, rec.Hash); err != nil || found {
		return found, false, err
	}
	revs, err := dst.Revisions(ctx, rec.Root())
	if fault.IsErrNotFound(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	for _, r := range revs {
		if r.Hash == rec.Hash {
			return true, r.Deleted, nil
		}
	}
	return false, false, nil
}

func recordOp(rec model.Record) validation.Operation {
	if rec.Previous.IsZero() {
		return validation.CreateEntry{Actor: rec.Entry.Author, Entry: rec.Entry, Origin: validation.Replicated}
	}
	return validation.UpdateEntry{Actor: rec.Entry.Author, Previous: rec.Previous, Entry: rec.Entry, Origin: validation.Replicated}
}

// Peer is a replica to pull from.
type Peer struct {
	Name   string
	Source store.Dumper
}

// Loop periodically pulls from a set of peers.
type Loop struct {
	sync.Mutex
	dst      store.Store
	gate     *validation.Gate
	peers    func() []Peer
	interval time.Duration
	log      *logger.L
	stop     chan struct{}
	running  bool
}

// NewLoop creates a loop pulling into dst through gate from the peers
// returned by peers at the start of each cycle.
func NewLoop(dst store.Store, gate *validation.Gate, interval time.Duration, peers func() []Peer) *Loop {
	return &Loop{
		dst:      dst,
		gate:     gate,
		peers:    peers,
		interval: interval,
		log:      logger.New("replication"),
	}
}

// Start begins pulling. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.Lock()
	defer l.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	go l.run(ctx, l.stop)
}

// Stop ends the loop. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.Lock()
	defer l.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stop)
}

func (l *Loop) run(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cycle(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle pulls once from every peer.
func (l *Loop) Cycle(ctx context.Context) Report {
	var total Report
	for _, p := range l.peers() {
		r, err := Sync(ctx, p.Source, l.dst, l.gate)
		if err != nil {
			l.log.Errorf("sync from %s: %s", p.Name, err)
			continue
		}
		if r.Copied > 0 || r.Rejected > 0 || r.Pending > 0 {
			l.log.Infof("sync from %s: %d copied, %d pending, %d rejected", p.Name, r.Copied, r.Pending, r.Rejected)
		}
		total.Copied += r.Copied
		total.Pending += r.Pending
		total.Rejected += r.Rejected
		total.Errors = append(total.Errors, r.Errors...)
	}
	return total
}
