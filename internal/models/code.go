package models

import "time"

// InvitationCode is a redeemable access code. GuestID is a weak reference;
// the registry owns the code.
type InvitationCode struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Prefix      string     `json:"prefix,omitempty"`
	GuestID     string     `json:"guest_id,omitempty"`
	Type        CodeType   `json:"type"`
	Status      CodeStatus `json:"status"`
	Revoked     bool       `json:"revoked,omitempty"`
	MaxUses     int        `json:"max_uses"`
	CurrentUses int        `json:"current_uses"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// CodeType describes who a code is meant for.
type CodeType string

const (
	CodeIndividual CodeType = "individual"
	CodeFamily     CodeType = "family"
	CodeTable      CodeType = "table"
	CodeGeneral    CodeType = "general"
)

// Valid reports whether t is a known code type.
func (t CodeType) Valid() bool {
	switch t {
	case CodeIndividual, CodeFamily, CodeTable, CodeGeneral:
		return true
	}
	return false
}

// CodeStatus is the redeemability of a code.
type CodeStatus string

const (
	CodeActive  CodeStatus = "active"
	CodeUsed    CodeStatus = "used"
	CodeExpired CodeStatus = "expired"
	CodeRevoked CodeStatus = "revoked"
)

// Valid reports whether s is a known code status.
func (s CodeStatus) Valid() bool {
	switch s {
	case CodeActive, CodeUsed, CodeExpired, CodeRevoked:
		return true
	}
	return false
}

// StatusAt derives the status of the code at now. A revoke wins over
// everything, then exhaustion, then expiry.
func (c InvitationCode) StatusAt(now time.Time) CodeStatus {
	switch {
	case c.Revoked:
		return CodeRevoked
	case c.CurrentUses >= c.MaxUses:
		return CodeUsed
	case c.ExpiresAt != nil && c.ExpiresAt.Before(now):
		return CodeExpired
	default:
		return CodeActive
	}
}

// RemainingUses is how many redemptions are left, never negative.
func (c InvitationCode) RemainingUses() int {
	if n := c.MaxUses - c.CurrentUses; n > 0 {
		return n
	}
	return 0
}

// Clone returns a deep copy.
func (c InvitationCode) Clone() InvitationCode {
	out := c
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	return out
}
