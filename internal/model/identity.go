package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tier is an agent's derived capability level.
type Tier int

const (
	TierSimple Tier = iota
	TierAccountable
	TierPrimaryAccountable
)

var tierNames = [...]string{"simple", "accountable", "primary_accountable"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "*unknown*"
	}
	return tierNames[t]
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool {
	return t >= TierSimple && t <= TierPrimaryAccountable
}

// ParseTier converts a tier name.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierSimple, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Role is a named capability an agent can be assigned after peer
// validation.
type Role string

const (
	RoleAccountableAgent        = Role("accountable_agent")
	RolePrimaryAccountableAgent = Role("primary_accountable_agent")
	RoleTransport               = Role("transport")
	RoleRepair                  = Role("repair")
	RoleStorage                 = Role("storage")
)

// Roles lists every assignable role.
var Roles = []Role{
	RoleAccountableAgent,
	RolePrimaryAccountableAgent,
	RoleTransport,
	RoleRepair,
	RoleStorage,
}

// MinTier is the tier an assignment of r confers. Specialised service
// roles are reserved for primary accountable agents.
func (r Role) MinTier() Tier {
	switch r {
	case RoleAccountableAgent:
		return TierAccountable
	case RolePrimaryAccountableAgent, RoleTransport, RoleRepair, RoleStorage:
		return TierPrimaryAccountable
	}
	return TierSimple
}

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	switch r {
	case RoleAccountableAgent, RolePrimaryAccountableAgent, RoleTransport, RoleRepair, RoleStorage:
		return true
	}
	return false
}

// Person is an agent's public identity anchor.
type Person struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// PrivateField names one field of PrivateData.
type PrivateField string

const (
	FieldLegalName        = PrivateField("legal_name")
	FieldEmail            = PrivateField("email")
	FieldPhone            = PrivateField("phone")
	FieldAddress          = PrivateField("address")
	FieldEmergencyContact = PrivateField("emergency_contact")
	FieldTimeZone         = PrivateField("time_zone")
	FieldLocation         = PrivateField("location")
)

// Valid reports whether f is a PrivateData field.
func (f PrivateField) Valid() bool {
	switch f {
	case FieldLegalName, FieldEmail, FieldPhone, FieldAddress,
		FieldEmergencyContact, FieldTimeZone, FieldLocation:
		return true
	}
	return false
}

// PrivateData holds personal information visible only to its author.
type PrivateData struct {
	LegalName        string `json:"legal_name"`
	Email            string `json:"email"`
	Phone            string `json:"phone,omitempty"`
	Address          string `json:"address,omitempty"`
	EmergencyContact string `json:"emergency_contact,omitempty"`
	TimeZone         string `json:"time_zone,omitempty"`
	Location         string `json:"location,omitempty"`
}

// Field returns the value of f.
func (p PrivateData) Field(f PrivateField) (string, bool) {
	switch f {
	case FieldLegalName:
		return p.LegalName, true
	case FieldEmail:
		return p.Email, true
	case FieldPhone:
		return p.Phone, true
	case FieldAddress:
		return p.Address, true
	case FieldEmergencyContact:
		return p.EmergencyContact, true
	case FieldTimeZone:
		return p.TimeZone, true
	case FieldLocation:
		return p.Location, true
	}
	return "", false
}

// SortFields returns a sorted, de-duplicated copy of fields.
func SortFields(fields []PrivateField) []PrivateField {
	seen := make(map[PrivateField]bool, len(fields))
	out := make([]PrivateField, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FieldNames converts fields to plain strings.
func FieldNames(fields []PrivateField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}

// RoleAssignment records that Agent holds Role, authorised by Evidence: an
// approved agent-promotion validation request.
type RoleAssignment struct {
	Agent      AgentPubKey `json:"agent"`
	Role       Role        `json:"role"`
	Evidence   Hash        `json:"evidence"`
	AssignedBy AgentPubKey `json:"assigned_by"`
	AssignedAt int64       `json:"assigned_at"`
}

// RoleTag is the tag carried by an agent-to-role link. It is derived from
// the assignment and its evidence so any peer can recompute and compare it.
func RoleTag(agent AgentPubKey, role Role, evidence Hash, tier Tier) []byte {
	return []byte(strings.Join([]string{"ROLE", string(role), tier.String(), evidence.String(), agent.Short()}, ":"))
}

const holdTagPrefix = "HOLD:"

// HoldTag is the tag of an agent-to-dispute-hold link.
func HoldTag(until int64) []byte {
	return []byte(holdTagPrefix + strconv.FormatInt(until, 10))
}

// ParseHoldTag returns the end of the hold a tag describes.
func ParseHoldTag(tag []byte) (int64, error) {
	s := string(tag)
	if !strings.HasPrefix(s, holdTagPrefix) {
		return 0, fmt.Errorf("not a hold tag: %q", s)
	}
	return strconv.ParseInt(strings.TrimPrefix(s, holdTagPrefix), 10, 64)
}

// CapabilityGrant is a time-boxed, field-scoped read permission on the
// grantor's private data.
type CapabilityGrant struct {
	Grantor   AgentPubKey    `json:"grantor"`
	Grantee   AgentPubKey    `json:"grantee"`
	Fields    []PrivateField `json:"fields"`
	Context   string         `json:"context"`
	IssuedAt  int64          `json:"issued_at"`
	ExpiresAt int64          `json:"expires_at"`
}

// Covers reports whether f is inside the grant.
func (g CapabilityGrant) Covers(f PrivateField) bool {
	for _, granted := range g.Fields {
		if granted == f {
			return true
		}
	}
	return false
}

// GrantExpiry ends a grant early. Grants are never mutated; this record is
// appended instead.
type GrantExpiry struct {
	Grant     Hash   `json:"grant"`
	ExpiredAt int64  `json:"expired_at"`
	Reason    string `json:"reason,omitempty"`
}

// GrantAccess is the grantor's private log of one read made under a grant.
type GrantAccess struct {
	Grant      Hash           `json:"grant"`
	Grantee    AgentPubKey    `json:"grantee"`
	Fields     []PrivateField `json:"fields"`
	AccessedAt int64          `json:"accessed_at"`
}
