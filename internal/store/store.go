// Package store holds the shared content-addressed store: entries keyed by
// the hash of their canonical encoding, revisions of mutable entries, and
// typed, tagged links between addresses.
//
// Nothing here validates. Writes reach a Store through validation.Gate.
package store

import (
	"context"

	"github.com/ssd-technologies/nondominium/internal/model"
)

// Store is the interface the rest of the system consumes.
type Store interface {
	// Create writes entry and returns its content address. Writing the
	// same entry twice is a no-op.
	Create(ctx context.Context, entry model.Entry) (model.Hash, error)
	// Get returns the record at h. found is false when the entry is
	// absent, deleted or not yet replicated.
	Get(ctx context.Context, h model.Hash) (rec model.Record, found bool, err error)
	// MustGet is Get failing closed with fault.ErrNotFound.
	MustGet(ctx context.Context, h model.Hash) (model.Record, error)
	// Update writes entry as a new revision of previous. Both revisions
	// stay retrievable.
	Update(ctx context.Context, previous model.Hash, entry model.Entry) (model.Hash, error)
	// GetLatest follows the revisions of the record at h to the newest.
	GetLatest(ctx context.Context, h model.Hash) (model.Record, error)
	// Revisions lists every revision of the record at h, oldest first.
	Revisions(ctx context.Context, h model.Hash) ([]model.Record, error)
	// Delete suppresses the entry at h without purging it.
	Delete(ctx context.Context, h model.Hash) error

	CreateLink(ctx context.Context, link model.Link) (model.Hash, error)
	// GetLink returns a single link, deleted or not.
	GetLink(ctx context.Context, h model.Hash) (rec model.LinkRecord, found bool, err error)
	// GetLinks lists live links of linkType from base whose tag starts
	// with tagPrefix, in a deterministic order.
	GetLinks(ctx context.Context, base model.Hash, linkType model.LinkType, tagPrefix []byte) ([]model.LinkRecord, error)
	// DeleteLink suppresses a link without purging it.
	DeleteLink(ctx context.Context, h model.Hash) error
}

// Dumper enumerates everything a store holds, for replica merges.
type Dumper interface {
	Records(ctx context.Context) ([]model.Record, error)
	Links(ctx context.Context) ([]model.LinkRecord, error)
}

// Targets extracts the target hashes of links.
func Targets(links []model.LinkRecord) []model.Hash {
	out := make([]model.Hash, len(links))
	for i, l := range links {
		out[i] = l.Link.Target
	}
	return out
}
