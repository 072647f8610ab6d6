package validation

import (
	"context"
	"fmt"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
)

// Gate is the only path to the shared store: every write goes through
// the engine first.
type Gate struct {
	engine *Engine
	store  store.Store
	audit  *logger.L
}

// NewGate guards s with engine.
func NewGate(engine *Engine, s store.Store, audit *logger.L) *Gate {
	return &Gate{engine: engine, store: s, audit: audit}
}

// Decide validates op and records anything other than acceptance in the
// audit log.
func (g *Gate) Decide(ctx context.Context, op Operation) Decision {
	d := g.engine.Validate(ctx, op)
	if d.Outcome != Valid {
		g.audit.Warnf("%s %s by %s: %s: %s", op.origin(), op.kind(), op.actor().Short(), d.Outcome, d.Reason)
	}
	return d
}

// Check returns nil when op may be committed.
func (g *Gate) Check(ctx context.Context, op Operation) error {
	return g.Decide(ctx, op).Err()
}

// Write performs the store side of an already checked op. Private entries
// and activity markers never reach the shared store; their address is
// still returned.
func (g *Gate) Write(ctx context.Context, op Operation) (model.Hash, error) {
	switch op := op.(type) {
	case CreateEntry:
		if op.Entry.Visibility == model.Private {
			return op.Entry.Hash()
		}
		return g.store.Create(ctx, op.Entry)
	case UpdateEntry:
		if op.Entry.Visibility == model.Private {
			return op.Entry.Hash()
		}
		return g.store.Update(ctx, op.Previous, op.Entry)
	case DeleteEntry:
		if op.Prior != nil && op.Prior.Entry.Visibility == model.Private {
			return op.Target, nil
		}
		return op.Target, g.store.Delete(ctx, op.Target)
	case CreateLink:
		return g.store.CreateLink(ctx, op.Link)
	case DeleteLink:
		return op.Target, g.store.DeleteLink(ctx, op.Target)
	case RegisterActivity:
		return model.Hash{}, nil
	}
	return model.Hash{}, fmt.Errorf("unsupported operation %T", op)
}

// Apply checks and writes op. Replicated data enters the store this way.
func (g *Gate) Apply(ctx context.Context, op Operation) (model.Hash, error) {
	if err := g.Check(ctx, op); err != nil {
		return model.Hash{}, err
	}
	return g.Write(ctx, op)
}

// Engine returns the engine behind the gate.
func (g *Gate) Engine() *Engine {
	return g.engine
}
