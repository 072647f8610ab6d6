package model

import (
	"encoding/json"
	"fmt"
)

// EntryType names the schema of an entry's content.
type EntryType string

const (
	EntryPerson                = EntryType("person")
	EntryPrivateData           = EntryType("private_data")
	EntryRoleAssignment        = EntryType("role_assignment")
	EntryCapabilityGrant       = EntryType("capability_grant")
	EntryGrantExpiry           = EntryType("grant_expiry")
	EntryGrantAccess           = EntryType("grant_access")
	EntryResourceSpecification = EntryType("resource_specification")
	EntryEconomicResource      = EntryType("economic_resource")
	EntryCommitment            = EntryType("commitment")
	EntryClaim                 = EntryType("claim")
	EntryEconomicEvent         = EntryType("economic_event")
	EntryClaimInvalidation     = EntryType("claim_invalidation")
	EntryValidationRequest     = EntryType("validation_request")
	EntryValidationReceipt     = EntryType("validation_receipt")
	EntryParticipationClaim    = EntryType("participation_claim")
	EntryPendingReceipt        = EntryType("pending_receipt")
	EntryReceiptRevocation     = EntryType("receipt_revocation")
)

// Mutability is the update policy attached to an entry type.
type Mutability int

const (
	// Immutable records are the audit trail; they are never updated or
	// deleted.
	Immutable Mutability = iota
	// AuthorMutable records may get new revisions from their author only.
	AuthorMutable
	// CustodianMutable records may get new revisions from their current
	// custodian, or from a participant of the event that justifies them.
	CustodianMutable
)

// Policy returns the mutability of t. Unknown types are immutable.
func (t EntryType) Policy() Mutability {
	switch t {
	case EntryPerson, EntryPrivateData, EntryResourceSpecification:
		return AuthorMutable
	case EntryEconomicResource:
		return CustodianMutable
	case EntryRoleAssignment, EntryCapabilityGrant, EntryGrantExpiry, EntryGrantAccess,
		EntryCommitment, EntryClaim, EntryEconomicEvent, EntryClaimInvalidation,
		EntryValidationRequest, EntryValidationReceipt, EntryParticipationClaim,
		EntryPendingReceipt, EntryReceiptRevocation:
		return Immutable
	}
	return Immutable
}

// Known reports whether t is part of the schema.
func (t EntryType) Known() bool {
	switch t {
	case EntryPerson, EntryPrivateData, EntryRoleAssignment, EntryCapabilityGrant,
		EntryGrantExpiry, EntryGrantAccess, EntryResourceSpecification,
		EntryEconomicResource, EntryCommitment, EntryClaim, EntryEconomicEvent,
		EntryClaimInvalidation, EntryValidationRequest, EntryValidationReceipt,
		EntryParticipationClaim, EntryPendingReceipt, EntryReceiptRevocation:
		return true
	}
	return false
}

// Visibility controls whether an entry is published to the shared store or
// kept only on the author's chain.
type Visibility string

const (
	Public  = Visibility("public")
	Private = Visibility("private")
)

// DefaultVisibility is where entries of type t live.
func (t EntryType) DefaultVisibility() Visibility {
	switch t {
	case EntryPrivateData, EntryGrantAccess, EntryParticipationClaim,
		EntryPendingReceipt, EntryReceiptRevocation:
		return Private
	}
	return Public
}

// Entry is the envelope around every stored record.
type Entry struct {
	Type       EntryType       `json:"type"`
	Author     AgentPubKey     `json:"author"`
	Visibility Visibility      `json:"visibility"`
	Timestamp  int64           `json:"timestamp"`
	Content    json.RawMessage `json:"content"`
}

// NewEntry encodes content into an envelope of type t.
func NewEntry(t EntryType, author AgentPubKey, timestamp int64, content any) (Entry, error) {
	data, err := Canonical(content)
	if err != nil {
		return Entry{}, fmt.Errorf("new %s entry: %w", t, err)
	}
	return Entry{
		Type:       t,
		Author:     author,
		Visibility: t.DefaultVisibility(),
		Timestamp:  timestamp,
		Content:    data,
	}, nil
}

// Hash returns the content address of the envelope.
func (e Entry) Hash() (Hash, error) {
	return HashOf(e)
}

// Decode unmarshals the content into v, which must match e.Type.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decode %s entry: %w", e.Type, err)
	}
	return nil
}

// Record is an entry as held by a store: its address, the envelope, and
// the bookkeeping the store keeps around it.
type Record struct {
	Hash     Hash  `json:"hash"`
	Entry    Entry `json:"entry"`
	Original Hash  `json:"original,omitempty"` // set on revisions
	Previous Hash  `json:"previous,omitempty"` // revision this one replaces
	Deleted  bool  `json:"deleted,omitempty"`
}

// Root is the hash of the first revision of the record.
func (r Record) Root() Hash {
	if r.Original.IsZero() {
		return r.Hash
	}
	return r.Original
}
