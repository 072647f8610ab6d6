// Package validation decides whether a proposed mutation of the shared
// store or of an agent's chain is admissible.
//
// The engine only reads already committed data and has no side effects,
// so every peer holding the same data reaches the same decision. Data that
// has not replicated yet makes a decision Pending, never Invalid.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Reader is the part of the store the engine may consult.
type Reader interface {
	governance.Reader
	GetLatest(ctx context.Context, h model.Hash) (model.Record, error)
	GetLink(ctx context.Context, h model.Hash) (model.LinkRecord, bool, error)
}

// Capabilities resolves an agent's current tier.
type Capabilities interface {
	TierOf(ctx context.Context, agent model.AgentPubKey) (model.Tier, error)
}

// Config tunes the engine.
type Config struct {
	FetchAttempts    int
	FetchInterval    time.Duration
	MaxGrantDuration time.Duration
	ValidatorMinTier model.Tier
	Quorum           int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FetchAttempts:    3,
		FetchInterval:    200 * time.Millisecond,
		MaxGrantDuration: 30 * 24 * time.Hour,
		ValidatorMinTier: model.TierAccountable,
		Quorum:           governance.DefaultQuorum,
	}
}

// Engine validates operations.
type Engine struct {
	reader Reader
	caps   Capabilities
	cfg    Config
	audit  *logger.L
}

// NewEngine creates an engine reading from r.
func NewEngine(r Reader, caps Capabilities, cfg Config, audit *logger.L) *Engine {
	if cfg.FetchAttempts < 1 {
		cfg.FetchAttempts = 1
	}
	if cfg.Quorum < 1 {
		cfg.Quorum = governance.DefaultQuorum
	}
	return &Engine{reader: r, caps: caps, cfg: cfg, audit: audit}
}

// Validate returns the decision for op.
func (e *Engine) Validate(ctx context.Context, op Operation) Decision {
	var err error
	switch op := op.(type) {
	case CreateEntry:
		err = e.createEntry(ctx, op)
	case UpdateEntry:
		err = e.updateEntry(ctx, op)
	case DeleteEntry:
		err = e.deleteEntry(ctx, op)
	case CreateLink:
		err = e.createLink(ctx, op)
	case DeleteLink:
		err = e.deleteLink(ctx, op)
	case RegisterActivity:
		err = e.registerActivity(ctx, op)
	default:
		err = fmt.Errorf("%w: unknown operation %T", fault.ErrInvalidEntry, op)
	}
	return decide(err)
}

// fetch reads h, retrying while it is missing. Exhausting the attempts
// yields fault.ErrNotYetValid.
func (e *Engine) fetch(ctx context.Context, h model.Hash) (model.Record, error) {
	for attempt := 0; attempt < e.cfg.FetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Record{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrNotYetValid)
			case <-time.After(e.cfg.FetchInterval):
			}
		}
		rec, found, err := e.reader.Get(ctx, h)
		if err != nil {
			return model.Record{}, err
		}
		if found {
			return rec, nil
		}
	}
	return model.Record{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrNotYetValid)
}

// fetchAs reads h and decodes it into v, which must be of type t.
func (e *Engine) fetchAs(ctx context.Context, h model.Hash, t model.EntryType, v any) (model.Record, error) {
	if h.IsZero() {
		return model.Record{}, fmt.Errorf("%w: missing %s reference", fault.ErrInvalidEntry, t)
	}
	rec, err := e.fetch(ctx, h)
	if err != nil {
		return model.Record{}, fmt.Errorf("fetch %s: %w", t, err)
	}
	if rec.Entry.Type != t {
		return model.Record{}, fmt.Errorf("%s is %s, expected %s: %w", h.Short(), rec.Entry.Type, t, fault.ErrWrongEntryType)
	}
	if err := decode(rec.Entry, v); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func decode(entry model.Entry, v any) error {
	if err := entry.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return nil
}

func (e *Engine) checkEnvelope(actor model.AgentPubKey, entry model.Entry) error {
	if !entry.Type.Known() {
		return fmt.Errorf("%w: unknown entry type %q", fault.ErrInvalidEntry, entry.Type)
	}
	if entry.Author != actor {
		return fmt.Errorf("%w: entry authored by %s", fault.ErrNotAuthor, entry.Author.Short())
	}
	if !entry.Author.Valid() {
		return fmt.Errorf("%w: author is not an agent key", fault.ErrInvalidEntry)
	}
	if entry.Visibility != entry.Type.DefaultVisibility() {
		return fmt.Errorf("%w: %s entries are %s", fault.ErrInvalidEntry, entry.Type, entry.Type.DefaultVisibility())
	}
	return nil
}

func (e *Engine) createEntry(ctx context.Context, op CreateEntry) error {
	if err := e.checkEnvelope(op.Actor, op.Entry); err != nil {
		return err
	}
	if err := e.checkHold(ctx, op.Actor, op.Entry.Timestamp, op.Origin); err != nil {
		return err
	}
	return e.checkContent(ctx, op.Entry, op.Origin)
}

func (e *Engine) updateEntry(ctx context.Context, op UpdateEntry) error {
	var prev model.Record
	if op.Prior != nil && op.Prior.Hash == op.Previous {
		prev = *op.Prior
	} else {
		var err error
		if prev, err = e.fetch(ctx, op.Previous); err != nil {
			return fmt.Errorf("fetch previous revision: %w", err)
		}
	}
	if prev.Entry.Type.Policy() == model.Immutable {
		return fault.ErrImmutableRecord
	}
	if prev.Entry.Type != op.Entry.Type {
		return fmt.Errorf("update %s with %s: %w", prev.Entry.Type, op.Entry.Type, fault.ErrWrongEntryType)
	}
	if err := e.checkEnvelope(op.Actor, op.Entry); err != nil {
		return err
	}
	if err := e.checkHold(ctx, op.Actor, op.Entry.Timestamp, op.Origin); err != nil {
		return err
	}

	switch op.Entry.Type.Policy() {
	case model.AuthorMutable:
		if prev.Entry.Author != op.Actor {
			return fmt.Errorf("%w: revision of %s's entry", fault.ErrNotAuthor, prev.Entry.Author.Short())
		}
		return e.checkContent(ctx, op.Entry, op.Origin)
	case model.CustodianMutable:
		return e.checkResourceUpdate(ctx, prev, op.Entry, op.Actor)
	}
	return fault.ErrImmutableRecord
}

func (e *Engine) deleteEntry(ctx context.Context, op DeleteEntry) error {
	var target model.Record
	if op.Prior != nil && op.Prior.Hash == op.Target {
		target = *op.Prior
	} else {
		var err error
		if target, err = e.fetch(ctx, op.Target); err != nil {
			return fmt.Errorf("fetch delete target: %w", err)
		}
	}
	switch target.Entry.Type.Policy() {
	case model.Immutable:
		return fault.ErrImmutableRecord
	case model.CustodianMutable:
		return fmt.Errorf("%w: resources are retired, not deleted", fault.ErrInvalidEntry)
	}
	if target.Entry.Author != op.Actor {
		return fmt.Errorf("%w: delete of %s's entry", fault.ErrNotAuthor, target.Entry.Author.Short())
	}
	return nil
}

func (e *Engine) deleteLink(ctx context.Context, op DeleteLink) error {
	var (
		rec   model.LinkRecord
		found bool
		err   error
	)
	for attempt := 0; attempt < e.cfg.FetchAttempts && !found; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("link %s: %w", op.Target.Short(), fault.ErrNotYetValid)
			case <-time.After(e.cfg.FetchInterval):
			}
		}
		if rec, found, err = e.reader.GetLink(ctx, op.Target); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("link %s: %w", op.Target.Short(), fault.ErrNotYetValid)
	}
	if rec.Link.Type.Protected() {
		return fault.ErrImmutableRecord
	}
	if rec.Link.Author != op.Actor {
		return fmt.Errorf("%w: link created by %s", fault.ErrNotAuthor, rec.Link.Author.Short())
	}
	return nil
}

func (e *Engine) registerActivity(ctx context.Context, op RegisterActivity) error {
	held, err := ActiveHold(ctx, e.reader, op.Actor, op.At)
	if err != nil {
		return err
	}
	if held {
		return fault.ErrDisputeHold
	}
	return nil
}

// checkHold refuses the chain extensions of an agent under a dispute hold.
// Replicated operations were admitted by their author's own node.
func (e *Engine) checkHold(ctx context.Context, actor model.AgentPubKey, at int64, origin Origin) error {
	if origin != Local {
		return nil
	}
	return e.registerActivity(ctx, RegisterActivity{Actor: actor, At: at})
}

// ActiveHold reports whether agent is under a dispute hold at time at.
func ActiveHold(ctx context.Context, r governance.Reader, agent model.AgentPubKey, at int64) (bool, error) {
	links, err := r.GetLinks(ctx, agent.Anchor(), model.LinkAgentToDisputeHold, nil)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		until, err := model.ParseHoldTag(l.Link.Tag)
		if err != nil {
			continue
		}
		if until > at {
			return true, nil
		}
	}
	return false, nil
}

// tierGate fails when agent is below min. On replicated operations the
// role links that would lift the agent may simply not have arrived yet,
// so the failure is reported as not yet valid.
func (e *Engine) tierGate(ctx context.Context, agent model.AgentPubKey, min model.Tier, origin Origin) error {
	tier, err := e.caps.TierOf(ctx, agent)
	if err != nil {
		return err
	}
	if tier >= min {
		return nil
	}
	if origin == Replicated {
		return fmt.Errorf("tier of %s: %w", agent.Short(), fault.ErrNotYetValid)
	}
	return &fault.TierError{Required: min.String(), Actual: tier.String()}
}
