package stats

import (
	"testing"

	"wedding-campaign/internal/models"
)

type fakeLister []models.Guest

func (f fakeLister) GetAllGuests() []models.Guest { return f }

func TestComputeEmpty(t *testing.T) {
	st := Compute(nil)
	if st.Total != 0 || st.ResponseRate != 0 {
		t.Fatalf("expected zero stats, got %+v", st)
	}
}

func TestComputeCounts(t *testing.T) {
	guests := []models.Guest{
		{Status: models.StatusPending, InvitationType: models.ChannelWhatsApp},
		{Status: models.StatusPending, InvitationType: models.ChannelWhatsApp, AttemptCount: 1},
		{Status: models.StatusInvited, InvitationType: models.ChannelEmail, AttemptCount: 1},
		{Status: models.StatusConfirmed, InvitationType: models.ChannelManual, Companions: []string{"a", "b"}, AttemptCount: 2},
		{Status: models.StatusConfirmed, InvitationType: models.ChannelWhatsApp, AttemptCount: 1},
		{Status: models.StatusDeclined, InvitationType: models.ChannelWhatsApp, Companions: nil, AttemptCount: 1},
	}
	st := NewAggregator(fakeLister(guests)).Stats()

	if st.Total != 6 || st.Pending != 2 || st.Invited != 1 || st.Confirmed != 2 || st.Declined != 1 {
		t.Fatalf("unexpected counts %+v", st)
	}
	if st.Confirmed+st.Declined+st.Pending+st.Invited != st.Total {
		t.Fatal("status counts do not add up to total")
	}
	if st.NotInvited != 1 {
		t.Fatalf("expected 1 not invited, got %d", st.NotInvited)
	}
	if st.TotalConfirmedPeople != 4 {
		t.Fatalf("expected 4 confirmed people, got %d", st.TotalConfirmedPeople)
	}
	if st.ResponseRate != 0.5 {
		t.Fatalf("expected response rate 0.5, got %v", st.ResponseRate)
	}
	if st.ByInvitationType[models.ChannelWhatsApp] != 4 || st.ByInvitationType[models.ChannelEmail] != 1 {
		t.Fatalf("unexpected breakdown %v", st.ByInvitationType)
	}
}

func TestResponseRateBounds(t *testing.T) {
	all := []models.Guest{{Status: models.StatusConfirmed}, {Status: models.StatusDeclined}}
	if r := Compute(all).ResponseRate; r != 1 {
		t.Fatalf("expected 1, got %v", r)
	}
	none := []models.Guest{{Status: models.StatusPending}}
	if r := Compute(none).ResponseRate; r != 0 {
		t.Fatalf("expected 0, got %v", r)
	}
}
