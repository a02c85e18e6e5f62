package models

import (
	"strings"
	"time"
)

// Guest represents a wedding guest
type Guest struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Phone          string      `json:"phone"`
	Email          string      `json:"email,omitempty"`
	Status         GuestStatus `json:"status"`
	InvitationType Channel     `json:"invitation_type"`
	Companions     []string    `json:"companions,omitempty"`
	InvitationCode string      `json:"invitation_code,omitempty"`
	DateInvited    *time.Time  `json:"date_invited,omitempty"`
	DateResponded  *time.Time  `json:"date_responded,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	CreatedAt      time.Time   `json:"created_at"`
}

// GuestStatus represents where a guest is in the invitation lifecycle
type GuestStatus string

const (
	StatusPending   GuestStatus = "pending"
	StatusInvited   GuestStatus = "invited"
	StatusConfirmed GuestStatus = "confirmed"
	StatusDeclined  GuestStatus = "declined"
)

// Valid reports whether s is a known status.
func (s GuestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInvited, StatusConfirmed, StatusDeclined:
		return true
	}
	return false
}

// Responded reports whether s is a final answer from the guest.
func (s GuestStatus) Responded() bool {
	return s == StatusConfirmed || s == StatusDeclined
}

func (s GuestStatus) rank() int {
	switch s {
	case StatusInvited:
		return 1
	case StatusConfirmed, StatusDeclined:
		return 2
	}
	return 0
}

// CanTransition reports whether a guest may move from one status to another
// without going through a reset. Moves are forward only; staying in place is
// allowed, switching between confirmed and declined is not.
func CanTransition(from, to GuestStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	return to.rank() > from.rank()
}

// Channel is a delivery medium. It doubles as the guest's preferred
// invitation type.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelManual   Channel = "manual"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelManual:
		return true
	}
	return false
}

// PartySize is the number of people a confirmed guest brings, themselves included.
func (g Guest) PartySize() int {
	return 1 + len(g.Companions)
}

// Clone returns a deep copy so callers cannot mutate shared slices or times.
func (g Guest) Clone() Guest {
	out := g
	if g.Companions != nil {
		out.Companions = append([]string(nil), g.Companions...)
	}
	out.DateInvited = cloneTime(g.DateInvited)
	out.DateResponded = cloneTime(g.DateResponded)
	return out
}

// NormalizePhone strips everything except digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
