// Package host is the runtime one agent acts through. Every mutation is
// validated, appended to the agent's chain and, for public data, written
// to the shared store, in that order and one at a time.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/chain"
	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
	"github.com/ssd-technologies/nondominium/internal/validation"
)

// Clock returns the current time. Tests substitute a fixed one.
type Clock func() time.Time

// Host binds an identity to its chain and the shared store.
type Host struct {
	sync.Mutex
	id    *identity.Identity
	chain *chain.Chain
	store store.Store
	gate  *validation.Gate
	clock Clock
	log   *logger.L
}

// New creates a host. A nil clock means time.Now.
func New(id *identity.Identity, ch *chain.Chain, s store.Store, gate *validation.Gate, clock Clock) (*Host, error) {
	if ch.Agent() != id.Agent() {
		return nil, fmt.Errorf("chain of %s opened for %s: %w", ch.Agent().Short(), id.Agent().Short(), fault.ErrNotAuthor)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Host{
		id:    id,
		chain: ch,
		store: s,
		gate:  gate,
		clock: clock,
		log:   logger.New("host"),
	}, nil
}

// Agent is the acting agent.
func (h *Host) Agent() model.AgentPubKey { return h.id.Agent() }

// Now is the current time in unix seconds.
func (h *Host) Now() int64 { return h.clock().Unix() }

// Sign signs payload with the agent's key.
func (h *Host) Sign(payload []byte) model.Signature { return h.id.Sign(payload) }

// Store is the shared store, for reads.
func (h *Host) Store() store.Store { return h.store }

// Chain is the agent's chain.
func (h *Host) Chain() *chain.Chain { return h.chain }

// Create commits a new entry of type t.
func (h *Host) Create(ctx context.Context, t model.EntryType, content any) (model.Hash, error) {
	h.Lock()
	defer h.Unlock()

	entry, err := model.NewEntry(t, h.Agent(), h.Now(), content)
	if err != nil {
		return model.Hash{}, err
	}
	hash, err := entry.Hash()
	if err != nil {
		return model.Hash{}, err
	}
	op := validation.CreateEntry{Actor: h.Agent(), Entry: entry, Origin: validation.Local}
	if err := h.gate.Check(ctx, op); err != nil {
		return model.Hash{}, err
	}
	if err := h.append(chain.ActionCreate, hash, &model.Record{Hash: hash, Entry: entry}, entry.Timestamp); err != nil {
		return model.Hash{}, err
	}
	if _, err := h.gate.Write(ctx, op); err != nil {
		return model.Hash{}, fmt.Errorf("publish %s: %w", t, err)
	}
	h.log.Debugf("create %s %s", t, hash.Short())
	return hash, nil
}

// Update commits content as a new revision of previous.
func (h *Host) Update(ctx context.Context, previous model.Hash, content any) (model.Hash, error) {
	h.Lock()
	defer h.Unlock()

	prior, err := h.get(ctx, previous)
	if err != nil {
		return model.Hash{}, err
	}
	entry, err := model.NewEntry(prior.Entry.Type, h.Agent(), h.Now(), content)
	if err != nil {
		return model.Hash{}, err
	}
	hash, err := entry.Hash()
	if err != nil {
		return model.Hash{}, err
	}
	op := validation.UpdateEntry{Actor: h.Agent(), Previous: previous, Prior: &prior, Entry: entry, Origin: validation.Local}
	if err := h.gate.Check(ctx, op); err != nil {
		return model.Hash{}, err
	}
	rec := model.Record{Hash: hash, Entry: entry, Original: prior.Root(), Previous: previous}
	if err := h.append(chain.ActionUpdate, hash, &rec, entry.Timestamp); err != nil {
		return model.Hash{}, err
	}
	if _, err := h.gate.Write(ctx, op); err != nil {
		return model.Hash{}, fmt.Errorf("publish %s revision: %w", entry.Type, err)
	}
	h.log.Debugf("update %s %s -> %s", entry.Type, previous.Short(), hash.Short())
	return hash, nil
}

// Delete suppresses an entry the agent authored.
func (h *Host) Delete(ctx context.Context, target model.Hash) error {
	h.Lock()
	defer h.Unlock()

	prior, err := h.get(ctx, target)
	if err != nil {
		return err
	}
	op := validation.DeleteEntry{Actor: h.Agent(), Target: target, Prior: &prior, Origin: validation.Local}
	if err := h.gate.Check(ctx, op); err != nil {
		return err
	}
	if err := h.append(chain.ActionDelete, target, nil, h.Now()); err != nil {
		return err
	}
	_, err = h.gate.Write(ctx, op)
	return err
}

// Link commits a link from base to target.
func (h *Host) Link(ctx context.Context, base, target model.Hash, lt model.LinkType, tag []byte) (model.Hash, error) {
	h.Lock()
	defer h.Unlock()

	l := model.Link{Base: base, Target: target, Type: lt, Tag: tag, Author: h.Agent(), Timestamp: h.Now()}
	hash, err := l.Hash()
	if err != nil {
		return model.Hash{}, err
	}
	op := validation.CreateLink{Actor: h.Agent(), Link: l, Origin: validation.Local}
	if err := h.gate.Check(ctx, op); err != nil {
		return model.Hash{}, err
	}
	if err := h.append(chain.ActionCreateLink, hash, nil, l.Timestamp); err != nil {
		return model.Hash{}, err
	}
	if _, err := h.gate.Write(ctx, op); err != nil {
		return model.Hash{}, fmt.Errorf("publish %s link: %w", lt, err)
	}
	return hash, nil
}

// Unlink suppresses a link the agent created.
func (h *Host) Unlink(ctx context.Context, link model.Hash) error {
	h.Lock()
	defer h.Unlock()

	op := validation.DeleteLink{Actor: h.Agent(), Target: link, Origin: validation.Local}
	if err := h.gate.Check(ctx, op); err != nil {
		return err
	}
	if err := h.append(chain.ActionDeleteLink, link, nil, h.Now()); err != nil {
		return err
	}
	_, err := h.gate.Write(ctx, op)
	return err
}

// RegisterActivity appends a bare activity marker, refused while the agent
// is under a dispute hold.
func (h *Host) RegisterActivity(ctx context.Context) error {
	h.Lock()
	defer h.Unlock()

	now := h.Now()
	if err := h.gate.Check(ctx, validation.RegisterActivity{Actor: h.Agent(), At: now}); err != nil {
		return err
	}
	return h.append(chain.ActionActivity, model.Hash{}, nil, now)
}

func (h *Host) append(kind chain.ActionKind, target model.Hash, rec *model.Record, ts int64) error {
	if _, err := h.chain.Append(kind, target, rec, ts); err != nil {
		return fmt.Errorf("chain %s: %w", kind, err)
	}
	return nil
}

// Get reads a record from the shared store, falling back to the agent's
// own chain for private entries.
func (h *Host) Get(ctx context.Context, hash model.Hash) (model.Record, error) {
	return h.get(ctx, hash)
}

func (h *Host) get(ctx context.Context, hash model.Hash) (model.Record, error) {
	rec, found, err := h.store.Get(ctx, hash)
	if err != nil {
		return model.Record{}, err
	}
	if found {
		return rec, nil
	}
	rec, found, err = h.chain.Get(hash)
	if err != nil {
		return model.Record{}, err
	}
	if !found {
		return model.Record{}, fmt.Errorf("record %s: %w", hash.Short(), fault.ErrNotFound)
	}
	return rec, nil
}

// Load reads the record at hash and decodes it into v, which must be of
// type t.
func (h *Host) Load(ctx context.Context, hash model.Hash, t model.EntryType, v any) (model.Record, error) {
	rec, err := h.get(ctx, hash)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Entry.Type != t {
		return model.Record{}, fmt.Errorf("%s is %s, expected %s: %w", hash.Short(), rec.Entry.Type, t, fault.ErrWrongEntryType)
	}
	if err := rec.Entry.Decode(v); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return rec, nil
}

// Private lists the agent's own records of a private type, in chain
// order.
func (h *Host) Private(t model.EntryType) ([]model.Record, error) {
	if t.DefaultVisibility() != model.Private {
		return nil, fmt.Errorf("%w: %s is not private", fault.ErrInvalidEntry, t)
	}
	return h.chain.Query(t)
}
