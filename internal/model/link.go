package model

// LinkType names a typed secondary index from a base address to targets.
type LinkType string

const (
	LinkAgentToPerson           = LinkType("agent_person")
	LinkAgentToRole             = LinkType("agent_role")
	LinkAgentToDisputeHold      = LinkType("agent_dispute_hold")
	LinkAgentToCommitment       = LinkType("agent_commitment")
	LinkGrantorToGrant          = LinkType("grantor_grant")
	LinkGranteeToGrant          = LinkType("grantee_grant")
	LinkGrantToExpiry           = LinkType("grant_expiry")
	LinkAllSpecifications       = LinkType("all_specifications")
	LinkSpecificationToResource = LinkType("specification_resource")
	LinkAllResources            = LinkType("all_resources")
	LinkResourceToComponent     = LinkType("resource_component")
	LinkResourceToEvent         = LinkType("resource_event")
	LinkResourceToCommitment    = LinkType("resource_commitment")
	LinkCommitmentToClaim       = LinkType("commitment_claim")
	LinkClaimToInvalidation     = LinkType("claim_invalidation")
	LinkSubjectToRequest        = LinkType("subject_request")
	LinkRequestToReceipt        = LinkType("request_receipt")
)

// Known reports whether t is part of the schema.
func (t LinkType) Known() bool {
	switch t {
	case LinkAgentToPerson, LinkAgentToRole, LinkAgentToDisputeHold, LinkAgentToCommitment,
		LinkGrantorToGrant, LinkGranteeToGrant, LinkGrantToExpiry, LinkAllSpecifications,
		LinkSpecificationToResource, LinkAllResources, LinkResourceToComponent,
		LinkResourceToEvent, LinkResourceToCommitment, LinkCommitmentToClaim,
		LinkClaimToInvalidation, LinkSubjectToRequest, LinkRequestToReceipt:
		return true
	}
	return false
}

// Protected reports whether links of type t are part of the audit trail
// and must never be removed.
func (t LinkType) Protected() bool {
	switch t {
	case LinkAgentToRole, LinkAgentToDisputeHold, LinkCommitmentToClaim,
		LinkClaimToInvalidation, LinkRequestToReceipt, LinkResourceToEvent:
		return true
	}
	return false
}

// well known anchors
var (
	SpecificationsAnchor = Anchor("specifications")
	ResourcesAnchor      = Anchor("resources")
)

// Link is one edge of a typed, tagged index.
type Link struct {
	Base      Hash        `json:"base"`
	Target    Hash        `json:"target"`
	Type      LinkType    `json:"type"`
	Tag       []byte      `json:"tag,omitempty"`
	Author    AgentPubKey `json:"author"`
	Timestamp int64       `json:"timestamp"`
}

// Hash returns the address of the link itself.
func (l Link) Hash() (Hash, error) {
	return HashOf(l)
}

// LinkRecord is a link as held by a store.
type LinkRecord struct {
	Hash    Hash `json:"hash"`
	Link    Link `json:"link"`
	Deleted bool `json:"deleted,omitempty"`
}
