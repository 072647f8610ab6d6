package model

import (
	"fmt"
	"math"
	"sort"
)

// Category classifies one side of a participation receipt. It is chosen
// by the stage of the pipeline that issues the receipt.
type Category string

const (
	CategoryResourceCreation               = Category("resource_creation")
	CategoryResourceValidation             = Category("resource_validation")
	CategoryCustodyTransfer                = Category("custody_transfer")
	CategoryCustodyAcceptance              = Category("custody_acceptance")
	CategoryMaintenanceAccepted            = Category("maintenance_commitment_accepted")
	CategoryMaintenanceCompleted           = Category("maintenance_fulfillment_completed")
	CategoryStorageAccepted                = Category("storage_commitment_accepted")
	CategoryStorageCompleted               = Category("storage_fulfillment_completed")
	CategoryTransportAccepted              = Category("transport_commitment_accepted")
	CategoryTransportCompleted             = Category("transport_fulfillment_completed")
	CategoryGoodFaithTransfer              = Category("good_faith_transfer")
	CategoryDisputeResolutionParticipation = Category("dispute_resolution_participation")
	CategoryValidationActivity             = Category("validation_activity")
	CategoryRuleCompliance                 = Category("rule_compliance")
	CategoryEndOfLifeDeclaration           = Category("end_of_life_declaration")
	CategoryEndOfLifeValidation            = Category("end_of_life_validation")
)

// Family groups categories for aggregation.
type Family string

const (
	FamilyGenesis             = Family("genesis")
	FamilyCoreUsage           = Family("core_usage")
	FamilyIntermediateService = Family("intermediate_service")
	FamilyGovernance          = Family("governance")
	FamilyEndOfLife           = Family("end_of_life")
)

// Families lists every family in reporting order.
var Families = []Family{
	FamilyGenesis,
	FamilyCoreUsage,
	FamilyIntermediateService,
	FamilyGovernance,
	FamilyEndOfLife,
}

// Family returns the family of c, or "" when c is not a category.
func (c Category) Family() Family {
	switch c {
	case CategoryResourceCreation, CategoryResourceValidation:
		return FamilyGenesis
	case CategoryCustodyTransfer, CategoryCustodyAcceptance:
		return FamilyCoreUsage
	case CategoryMaintenanceAccepted, CategoryMaintenanceCompleted,
		CategoryStorageAccepted, CategoryStorageCompleted,
		CategoryTransportAccepted, CategoryTransportCompleted,
		CategoryGoodFaithTransfer:
		return FamilyIntermediateService
	case CategoryDisputeResolutionParticipation, CategoryValidationActivity, CategoryRuleCompliance:
		return FamilyGovernance
	case CategoryEndOfLifeDeclaration, CategoryEndOfLifeValidation:
		return FamilyEndOfLife
	}
	return ""
}

// Valid reports whether c is one of the sixteen categories.
func (c Category) Valid() bool {
	return c.Family() != ""
}

// weights of the overall performance score
const (
	WeightTimeliness    = 0.25
	WeightQuality       = 0.30
	WeightReliability   = 0.25
	WeightCommunication = 0.20
)

const overallTolerance = 1e-9

// PerformanceMetrics scores one interaction on four axes in [0, 1].
type PerformanceMetrics struct {
	Timeliness    float64 `json:"timeliness"`
	Quality       float64 `json:"quality"`
	Reliability   float64 `json:"reliability"`
	Communication float64 `json:"communication"`
	Overall       float64 `json:"overall"`
}

// NewMetrics builds metrics and derives the overall score.
func NewMetrics(timeliness, quality, reliability, communication float64) (PerformanceMetrics, error) {
	m := PerformanceMetrics{
		Timeliness:    timeliness,
		Quality:       quality,
		Reliability:   reliability,
		Communication: communication,
	}
	m.Overall = m.WeightedOverall()
	if err := m.Validate(); err != nil {
		return PerformanceMetrics{}, err
	}
	return m, nil
}

// WeightedOverall computes the overall score from the four axes.
func (m PerformanceMetrics) WeightedOverall() float64 {
	return WeightTimeliness*m.Timeliness +
		WeightQuality*m.Quality +
		WeightReliability*m.Reliability +
		WeightCommunication*m.Communication
}

// Validate checks every axis is in range and that Overall was derived
// with the fixed weights.
func (m PerformanceMetrics) Validate() error {
	axes := []struct {
		name  string
		value float64
	}{
		{"timeliness", m.Timeliness},
		{"quality", m.Quality},
		{"reliability", m.Reliability},
		{"communication", m.Communication},
	}
	for _, a := range axes {
		if math.IsNaN(a.value) || a.value < 0 || a.value > 1 {
			return fmt.Errorf("%s %v out of range", a.name, a.value)
		}
	}
	if math.Abs(m.Overall-m.WeightedOverall()) > overallTolerance {
		return fmt.Errorf("overall %v does not match weighted score %v", m.Overall, m.WeightedOverall())
	}
	return nil
}

// TriggerRef points at the records that caused a receipt pair.
type TriggerRef struct {
	Commitment Hash `json:"commitment,omitempty"`
	Claim      Hash `json:"claim,omitempty"`
	Event      Hash `json:"event,omitempty"`
	Receipt    Hash `json:"receipt,omitempty"`
}

// Key identifies the issuance. Retries of the same trigger share a key so
// they never mint a second pair.
func (t TriggerRef) Key() Hash {
	for _, h := range []Hash{t.Claim, t.Receipt, t.Commitment, t.Event} {
		if !h.IsZero() {
			return h
		}
	}
	return Hash{}
}

// ParticipationPayload is the canonical payload each side signs. The two
// payloads of a pair differ only in Category and Counterparty.
type ParticipationPayload struct {
	Category     Category           `json:"category"`
	TriggerKey   Hash               `json:"trigger_key"`
	Counterparty AgentPubKey        `json:"counterparty"`
	Metrics      PerformanceMetrics `json:"metrics"`
	IssuedAt     int64              `json:"issued_at"`
}

// Hash is the digest both parties sign.
func (p ParticipationPayload) Hash() (Hash, error) {
	return HashOf(p)
}

type transaction struct {
	TriggerKey   Hash               `json:"trigger_key"`
	Metrics      PerformanceMetrics `json:"metrics"`
	IssuedAt     int64              `json:"issued_at"`
	Participants []AgentPubKey      `json:"participants"`
}

// TransactionDigest identifies the interaction a payload describes,
// independent of which side built it.
func (p ParticipationPayload) TransactionDigest(subject AgentPubKey) (Hash, error) {
	participants := []AgentPubKey{subject, p.Counterparty}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })
	return HashOf(transaction{
		TriggerKey:   p.TriggerKey,
		Metrics:      p.Metrics,
		IssuedAt:     p.IssuedAt,
		Participants: participants,
	})
}

// PrivateParticipationClaim is one side of a bilaterally signed receipt,
// stored privately by Subject.
type PrivateParticipationClaim struct {
	Subject               AgentPubKey          `json:"subject"`
	Payload               ParticipationPayload `json:"payload"`
	Trigger               TriggerRef           `json:"trigger"`
	PayloadHash           Hash                 `json:"payload_hash"`
	TransactionDigest     Hash                 `json:"transaction_digest"`
	SubjectSignature      Signature            `json:"subject_signature"`
	CounterpartySignature Signature            `json:"counterparty_signature"`
}

// Verify checks that both signatures cover the payload hash.
func (c PrivateParticipationClaim) Verify() bool {
	h, err := c.Payload.Hash()
	if err != nil || h != c.PayloadHash {
		return false
	}
	return c.Subject.Verify(h[:], c.SubjectSignature) &&
		c.Payload.Counterparty.Verify(h[:], c.CounterpartySignature)
}

// PendingReceipt is a receipt half signed by its subject, waiting for the
// counterparty's signature.
type PendingReceipt struct {
	Key                 Hash                 `json:"key"`
	Trigger             TriggerRef           `json:"trigger"`
	Payload             ParticipationPayload `json:"payload"`
	CounterpartyPayload ParticipationPayload `json:"counterparty_payload"`
	CreatedAt           int64                `json:"created_at"`
}

// PPRRevocation excludes a receipt from aggregation. The receipt itself is
// kept.
type PPRRevocation struct {
	Receipt   Hash   `json:"receipt"`
	Reason    string `json:"reason"`
	RevokedAt int64  `json:"revoked_at"`
}

// FulfilmentCategories returns the categories minted for the provider and
// the receiver when a commitment for a is fulfilled.
func FulfilmentCategories(a Action) (provider, receiver Category, ok bool) {
	switch a {
	case ActionTransfer, ActionTransferCustody, ActionInitialTransfer, ActionAccessForUse:
		return CategoryCustodyTransfer, CategoryCustodyAcceptance, true
	case ActionModify, ActionWork:
		return CategoryMaintenanceCompleted, CategoryCustodyAcceptance, true
	case ActionAccept:
		return CategoryStorageCompleted, CategoryCustodyAcceptance, true
	case ActionMove, ActionPickup, ActionDropoff:
		return CategoryTransportCompleted, CategoryCustodyAcceptance, true
	}
	return "", "", false
}

// AcceptanceCategories returns the categories minted when a service
// commitment for a is accepted. Custody actions mint nothing at that stage.
func AcceptanceCategories(a Action) (provider, receiver Category, ok bool) {
	switch a {
	case ActionModify, ActionWork:
		return CategoryMaintenanceAccepted, CategoryGoodFaithTransfer, true
	case ActionAccept:
		return CategoryStorageAccepted, CategoryGoodFaithTransfer, true
	case ActionMove, ActionPickup, ActionDropoff:
		return CategoryTransportAccepted, CategoryGoodFaithTransfer, true
	case ActionTransfer, ActionTransferCustody, ActionInitialTransfer, ActionAccessForUse:
		return "", "", false
	}
	return "", "", false
}

// ValidationCategories returns the categories minted for a validator and
// the other party of a request when the validator submits a receipt.
// Rejections mint nothing except on dispute holds, where taking part is
// what counts.
func ValidationCategories(kind RequestKind, approved bool) (validator, other Category, ok bool) {
	switch kind {
	case KindResourceValidation:
		if approved {
			return CategoryResourceValidation, CategoryResourceCreation, true
		}
	case KindAgentPromotion:
		if approved {
			return CategoryValidationActivity, CategoryRuleCompliance, true
		}
	case KindDisputeHold:
		return CategoryDisputeResolutionParticipation, CategoryRuleCompliance, true
	case KindEndOfLife:
		if approved {
			return CategoryEndOfLifeValidation, CategoryEndOfLifeDeclaration, true
		}
	}
	return "", "", false
}
