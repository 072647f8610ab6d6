package model

// Action is the closed vocabulary of economic actions.
type Action string

const (
	ActionTransfer        = Action("transfer")
	ActionWork            = Action("work")
	ActionModify          = Action("modify")
	ActionMove            = Action("move")
	ActionPickup          = Action("pickup")
	ActionDropoff         = Action("dropoff")
	ActionAccept          = Action("accept")
	ActionInitialTransfer = Action("initial-transfer")
	ActionAccessForUse    = Action("access-for-use")
	ActionTransferCustody = Action("transfer-custody")
)

// Actions lists the whole vocabulary.
var Actions = []Action{
	ActionTransfer,
	ActionWork,
	ActionModify,
	ActionMove,
	ActionPickup,
	ActionDropoff,
	ActionAccept,
	ActionInitialTransfer,
	ActionAccessForUse,
	ActionTransferCustody,
}

// Service groups the actions that are performed by a role holder on a
// resource held by somebody else.
type Service string

const (
	NoService          = Service("")
	ServiceMaintenance = Service("maintenance")
	ServiceStorage     = Service("storage")
	ServiceTransport   = Service("transport")
)

// Valid reports whether a is in the vocabulary.
func (a Action) Valid() bool {
	switch a {
	case ActionTransfer, ActionWork, ActionModify, ActionMove, ActionPickup,
		ActionDropoff, ActionAccept, ActionInitialTransfer, ActionAccessForUse,
		ActionTransferCustody:
		return true
	}
	return false
}

// Service returns the service family of a, NoService for custody actions.
func (a Action) Service() Service {
	switch a {
	case ActionModify, ActionWork:
		return ServiceMaintenance
	case ActionAccept:
		return ServiceStorage
	case ActionMove, ActionPickup, ActionDropoff:
		return ServiceTransport
	case ActionTransfer, ActionTransferCustody, ActionInitialTransfer, ActionAccessForUse:
		return NoService
	}
	return NoService
}

// TransfersCustody reports whether fulfilling a moves custody of the
// resource from provider to receiver.
func (a Action) TransfersCustody() bool {
	switch a {
	case ActionTransfer, ActionTransferCustody, ActionInitialTransfer, ActionAccessForUse:
		return true
	case ActionModify, ActionWork, ActionAccept, ActionMove, ActionPickup, ActionDropoff:
		return false
	}
	return false
}

// RequiredTier is the tier the proposer of a commitment needs. A first
// transfer out of the creator's hands is open to everyone.
func (a Action) RequiredTier() Tier {
	switch a {
	case ActionInitialTransfer:
		return TierSimple
	case ActionTransfer, ActionTransferCustody, ActionAccessForUse:
		return TierAccountable
	case ActionModify, ActionWork, ActionAccept, ActionMove, ActionPickup, ActionDropoff:
		return TierPrimaryAccountable
	}
	// unknown actions get the strictest gate
	return TierPrimaryAccountable
}

// RequiredRole is the role a service provider must hold, or "" for
// custody actions.
func (a Action) RequiredRole() Role {
	switch a.Service() {
	case ServiceMaintenance:
		return RoleRepair
	case ServiceStorage:
		return RoleStorage
	case ServiceTransport:
		return RoleTransport
	}
	return ""
}

// HoldState is the state an Active resource moves to while a commitment
// for a is open, or "" when the commitment does not hold the resource.
func (a Action) HoldState() ResourceState {
	switch a {
	case ActionModify, ActionWork:
		return StateMaintenance
	case ActionAccessForUse:
		return StateReserved
	}
	return ""
}

// Commitment is a promise by Provider to perform Action for Receiver.
type Commitment struct {
	Action    Action      `json:"action"`
	Provider  AgentPubKey `json:"provider"`
	Receiver  AgentPubKey `json:"receiver"`
	Resource  Hash        `json:"resource"`
	Quantity  float64     `json:"quantity"`
	Unit      string      `json:"unit,omitempty"`
	Due       int64       `json:"due"`
	Note      string      `json:"note,omitempty"`
	Nonce     string      `json:"nonce"`
	CreatedAt int64       `json:"created_at"`
}

// Participant reports whether agent is the provider or the receiver.
func (c Commitment) Participant(agent AgentPubKey) bool {
	return agent == c.Provider || agent == c.Receiver
}

// Counterparty returns the other participant.
func (c Commitment) Counterparty(agent AgentPubKey) AgentPubKey {
	if agent == c.Provider {
		return c.Receiver
	}
	return c.Provider
}

// EconomicEvent is the immutable record of a consummated action.
type EconomicEvent struct {
	Action     Action      `json:"action"`
	Provider   AgentPubKey `json:"provider"`
	Receiver   AgentPubKey `json:"receiver"`
	Resource   Hash        `json:"resource"`
	Quantity   float64     `json:"quantity"`
	Unit       string      `json:"unit,omitempty"`
	Commitment Hash        `json:"commitment,omitempty"`
	Location   string      `json:"location,omitempty"`
	Note       string      `json:"note,omitempty"`
	OccurredAt int64       `json:"occurred_at"`
}

// Participant reports whether agent is the provider or the receiver.
func (e EconomicEvent) Participant(agent AgentPubKey) bool {
	return agent == e.Provider || agent == e.Receiver
}

// Claim is the evidence that a commitment was fulfilled by an event.
type Claim struct {
	Commitment Hash        `json:"commitment"`
	Event      Hash        `json:"event"`
	Claimant   AgentPubKey `json:"claimant"`
	Note       string      `json:"note,omitempty"`
	ClaimedAt  int64       `json:"claimed_at"`
}

// ClaimInvalidation marks a claim that lost the fulfilment race to Winner.
type ClaimInvalidation struct {
	Claim      Hash   `json:"claim"`
	Commitment Hash   `json:"commitment"`
	Winner     Hash   `json:"winner"`
	Reason     string `json:"reason"`
	MarkedAt   int64  `json:"marked_at"`
}
