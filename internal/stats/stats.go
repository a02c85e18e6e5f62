// Package stats computes campaign counters from the guest list.
package stats

import "wedding-campaign/internal/models"

// Stats are the campaign counters shown on the admin console.
type Stats struct {
	Total                int                    `json:"total"`
	Confirmed            int                    `json:"confirmed"`
	Declined             int                    `json:"declined"`
	Pending              int                    `json:"pending"`
	Invited              int                    `json:"invited"`
	NotInvited           int                    `json:"not_invited"`
	TotalConfirmedPeople int                    `json:"total_confirmed_people"`
	ResponseRate         float64                `json:"response_rate"`
	ByInvitationType     map[models.Channel]int `json:"by_invitation_type"`
}

// Compute derives Stats from guests. It holds no state.
func Compute(guests []models.Guest) Stats {
	st := Stats{
		Total:            len(guests),
		ByInvitationType: make(map[models.Channel]int),
	}
	for _, g := range guests {
		switch g.Status {
		case models.StatusConfirmed:
			st.Confirmed++
			st.TotalConfirmedPeople += g.PartySize()
		case models.StatusDeclined:
			st.Declined++
		case models.StatusInvited:
			st.Invited++
		default:
			st.Pending++
		}
		if g.AttemptCount == 0 {
			st.NotInvited++
		}
		st.ByInvitationType[g.InvitationType]++
	}
	if st.Total > 0 {
		st.ResponseRate = float64(st.Confirmed+st.Declined) / float64(st.Total)
	}
	return st
}

// GuestLister is the read side of the guest store.
type GuestLister interface {
	GetAllGuests() []models.Guest
}

// Aggregator recomputes Stats from the store on every call.
type Aggregator struct {
	guests GuestLister
}

// NewAggregator returns an aggregator over guests.
func NewAggregator(guests GuestLister) *Aggregator {
	return &Aggregator{guests: guests}
}

// Stats reads the store and computes the counters at call time.
func (a *Aggregator) Stats() Stats {
	return Compute(a.guests.GetAllGuests())
}
