package validation

import "github.com/ssd-technologies/nondominium/internal/model"

// Origin tells the engine whether an operation is being authored here or
// arrived from another replica.
type Origin int

const (
	Local Origin = iota
	Replicated
)

func (o Origin) String() string {
	if o == Replicated {
		return "replicated"
	}
	return "local"
}

// Operation is a proposed mutation. The set of operations is closed: only
// the types in this file implement it.
type Operation interface {
	actor() model.AgentPubKey
	origin() Origin
	kind() string
}

// CreateEntry proposes a new entry.
type CreateEntry struct {
	Actor  model.AgentPubKey
	Entry  model.Entry
	Origin Origin
}

// UpdateEntry proposes a new revision of Previous. Prior carries the
// replaced record when the caller already holds it; private entries are
// never in the shared store.
type UpdateEntry struct {
	Actor    model.AgentPubKey
	Previous model.Hash
	Prior    *model.Record
	Entry    model.Entry
	Origin   Origin
}

// DeleteEntry proposes suppressing an entry. Prior works as for
// UpdateEntry.
type DeleteEntry struct {
	Actor  model.AgentPubKey
	Target model.Hash
	Prior  *model.Record
	Origin Origin
}

// CreateLink proposes a new link.
type CreateLink struct {
	Actor  model.AgentPubKey
	Link   model.Link
	Origin Origin
}

// DeleteLink proposes suppressing a link.
type DeleteLink struct {
	Actor  model.AgentPubKey
	Target model.Hash
	Origin Origin
}

// RegisterActivity proposes extending the actor's chain with a bare
// activity marker.
type RegisterActivity struct {
	Actor model.AgentPubKey
	At    int64
}

func (o CreateEntry) actor() model.AgentPubKey      { return o.Actor }
func (o UpdateEntry) actor() model.AgentPubKey      { return o.Actor }
func (o DeleteEntry) actor() model.AgentPubKey      { return o.Actor }
func (o CreateLink) actor() model.AgentPubKey       { return o.Actor }
func (o DeleteLink) actor() model.AgentPubKey       { return o.Actor }
func (o RegisterActivity) actor() model.AgentPubKey { return o.Actor }

func (o CreateEntry) origin() Origin      { return o.Origin }
func (o UpdateEntry) origin() Origin      { return o.Origin }
func (o DeleteEntry) origin() Origin      { return o.Origin }
func (o CreateLink) origin() Origin       { return o.Origin }
func (o DeleteLink) origin() Origin       { return o.Origin }
func (o RegisterActivity) origin() Origin { return Local }

func (CreateEntry) kind() string      { return "create_entry" }
func (UpdateEntry) kind() string      { return "update_entry" }
func (DeleteEntry) kind() string      { return "delete_entry" }
func (CreateLink) kind() string       { return "create_link" }
func (DeleteLink) kind() string       { return "delete_link" }
func (RegisterActivity) kind() string { return "register_activity" }
