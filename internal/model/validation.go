package model

import "fmt"

// RequestKind is what a validation request asks peers to approve.
type RequestKind string

const (
	KindResourceValidation = RequestKind("resource_validation")
	KindAgentPromotion     = RequestKind("agent_promotion")
	KindEndOfLife          = RequestKind("end_of_life")
	KindDisputeHold        = RequestKind("dispute_hold")
)

// RequestKinds lists every request kind.
var RequestKinds = []RequestKind{
	KindResourceValidation,
	KindAgentPromotion,
	KindEndOfLife,
	KindDisputeHold,
}

// Valid reports whether k is a request kind.
func (k RequestKind) Valid() bool {
	switch k {
	case KindResourceValidation, KindAgentPromotion, KindEndOfLife, KindDisputeHold:
		return true
	}
	return false
}

// AboutResource reports whether requests of kind k name a resource as
// their subject rather than an agent.
func (k RequestKind) AboutResource() bool {
	return k == KindResourceValidation || k == KindEndOfLife
}

// ValidationRequest opens a tally. Its hash is the tally hash that role
// assignments and lifecycle transitions cite as evidence.
type ValidationRequest struct {
	Kind            RequestKind `json:"kind"`
	SubjectAgent    AgentPubKey `json:"subject_agent,omitempty"`
	SubjectResource Hash        `json:"subject_resource,omitempty"`
	RequestedRole   Role        `json:"requested_role,omitempty"`
	RequestedTier   Tier        `json:"requested_tier,omitempty"`
	Scheme          string      `json:"scheme"`
	HoldUntil       int64       `json:"hold_until,omitempty"`
	Note            string      `json:"note,omitempty"`
	RequestedAt     int64       `json:"requested_at"`
}

// Subject returns the base address receipts and requests are linked from.
func (r ValidationRequest) Subject() Hash {
	if r.Kind.AboutResource() {
		return r.SubjectResource
	}
	return r.SubjectAgent.Anchor()
}

// ValidationReceipt is one peer's signed verdict on a request.
type ValidationReceipt struct {
	Request   Hash        `json:"request"`
	Validator AgentPubKey `json:"validator"`
	Approved  bool        `json:"approved"`
	Note      string      `json:"note,omitempty"`
	SignedAt  int64       `json:"signed_at"`
	Signature Signature   `json:"signature"`
}

// SigningPayload is the canonical message a validator signs.
func (r ValidationReceipt) SigningPayload() []byte {
	return []byte(fmt.Sprintf("VALIDATE:%s:%s:%t:%d:%s",
		r.Request, r.Validator, r.Approved, r.SignedAt, HashBytes([]byte(r.Note))))
}

// Verify checks the validator's signature.
func (r ValidationReceipt) Verify() bool {
	return r.Validator.Verify(r.SigningPayload(), r.Signature)
}
