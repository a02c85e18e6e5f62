package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to GuestStatus
		want     bool
	}{
		{StatusPending, StatusInvited, true},
		{StatusPending, StatusConfirmed, true},
		{StatusInvited, StatusConfirmed, true},
		{StatusInvited, StatusDeclined, true},
		{StatusInvited, StatusInvited, true},
		{StatusInvited, StatusPending, false},
		{StatusConfirmed, StatusInvited, false},
		{StatusConfirmed, StatusDeclined, false},
		{StatusDeclined, StatusPending, false},
		{StatusPending, GuestStatus("maybe"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone("+972 (52) 123-4567"); got != "972521234567" {
		t.Fatalf("unexpected normalized phone %q", got)
	}
}

func TestCodeStatusAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		code InvitationCode
		want CodeStatus
	}{
		{"active", InvitationCode{MaxUses: 1, ExpiresAt: &future}, CodeActive},
		{"no expiry", InvitationCode{MaxUses: 2, CurrentUses: 1}, CodeActive},
		{"used", InvitationCode{MaxUses: 1, CurrentUses: 1}, CodeUsed},
		{"expired", InvitationCode{MaxUses: 1, ExpiresAt: &past}, CodeExpired},
		{"revoked wins", InvitationCode{MaxUses: 1, CurrentUses: 1, Revoked: true}, CodeRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.StatusAt(now); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestOutcomeFor(t *testing.T) {
	if OutcomeFor(0, 0) != OutcomeEmpty || OutcomeFor(2, 0) != OutcomeSuccess ||
		OutcomeFor(0, 2) != OutcomeFailed || OutcomeFor(1, 1) != OutcomePartial {
		t.Fatal("unexpected outcome classification")
	}
}

func TestAttemptStatusSuccess(t *testing.T) {
	for _, s := range []AttemptStatus{AttemptSent, AttemptDelivered, AttemptRead} {
		if !s.Succeeded() || !s.Settled() {
			t.Fatalf("expected %s to be a settled success", s)
		}
	}
	if AttemptFailed.Succeeded() || !AttemptFailed.Settled() {
		t.Fatal("expected failed to be settled and unsuccessful")
	}
	if AttemptSending.Settled() {
		t.Fatal("expected sending to be unsettled")
	}
}

func TestTriggerValueParsing(t *testing.T) {
	r := Reminder{TriggerValue: " 7 "}
	days, err := r.TriggerDays()
	if err != nil || days != 7 {
		t.Fatalf("expected 7 days, got %d (%v)", days, err)
	}
	if _, err := (Reminder{TriggerValue: "-1"}).TriggerDays(); err == nil {
		t.Fatal("expected negative days to fail")
	}

	d, err := (Reminder{TriggerValue: "2026-06-01"}).TriggerDate()
	if err != nil || !d.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v (%v)", d, err)
	}
	if _, err := (Reminder{TriggerValue: "soon"}).TriggerDate(); err == nil {
		t.Fatal("expected invalid date to fail")
	}
}

func TestJSONRoundTripPreservesInstants(t *testing.T) {
	loc := time.FixedZone("IDT", 3*60*60)
	invited := time.Date(2026, 3, 4, 10, 11, 12, 123456789, loc)
	responded := invited.Add(36 * time.Hour)
	expires := invited.Add(90 * 24 * time.Hour)

	guest := Guest{
		ID: "g1", Name: "Dana", Phone: "972521234567", Email: "dana@example.com",
		Status: StatusConfirmed, InvitationType: ChannelWhatsApp, Companions: []string{"Avi", "Noa"},
		InvitationCode: "AB12CD", DateInvited: &invited, DateResponded: &responded,
		Notes: "vegan", AttemptCount: 2, CreatedAt: invited,
	}
	var gotGuest Guest
	roundTrip(t, guest, &gotGuest)
	if gotGuest.Name != guest.Name || gotGuest.Status != guest.Status || len(gotGuest.Companions) != 2 ||
		gotGuest.InvitationCode != guest.InvitationCode || gotGuest.AttemptCount != 2 || gotGuest.Notes != "vegan" {
		t.Fatalf("guest fields lost: %+v", gotGuest)
	}
	if !gotGuest.DateInvited.Equal(invited) || !gotGuest.DateResponded.Equal(responded) || !gotGuest.CreatedAt.Equal(invited) {
		t.Fatal("guest dates changed across round trip")
	}

	code := InvitationCode{
		ID: "c1", Code: "WED123", GuestID: "g1", Type: CodeFamily, Status: CodeActive,
		MaxUses: 4, CurrentUses: 1, ExpiresAt: &expires, GeneratedAt: invited, LastUsedAt: &responded,
	}
	var gotCode InvitationCode
	roundTrip(t, code, &gotCode)
	if gotCode.Code != code.Code || gotCode.MaxUses != 4 || gotCode.CurrentUses != 1 || gotCode.Type != CodeFamily {
		t.Fatalf("code fields lost: %+v", gotCode)
	}
	if !gotCode.ExpiresAt.Equal(expires) || !gotCode.GeneratedAt.Equal(invited) || !gotCode.LastUsedAt.Equal(responded) {
		t.Fatal("code dates changed across round trip")
	}

	reminder := Reminder{
		ID: "r1", Name: "week before", TriggerType: TriggerDaysBeforeEvent, TriggerValue: "7",
		Channels: []Channel{ChannelWhatsApp, ChannelEmail}, TargetAudience: AudienceCustom,
		Filter:   AudienceFilter{Statuses: []GuestStatus{StatusInvited}, InvitationTypes: []Channel{ChannelEmail}},
		Template: "Hi {name}", IsActive: true, LastRun: &invited, NextRun: &expires, LastEvaluated: &responded,
		TotalSent: 10, SuccessCount: 9, FailureCount: 1, CreatedAt: invited,
	}
	var gotReminder Reminder
	roundTrip(t, reminder, &gotReminder)
	if gotReminder.TriggerType != reminder.TriggerType || len(gotReminder.Channels) != 2 ||
		len(gotReminder.Filter.Statuses) != 1 || gotReminder.SuccessCount != 9 || !gotReminder.IsActive {
		t.Fatalf("reminder fields lost: %+v", gotReminder)
	}
	if !gotReminder.LastRun.Equal(invited) || !gotReminder.NextRun.Equal(expires) || !gotReminder.LastEvaluated.Equal(responded) {
		t.Fatal("reminder dates changed across round trip")
	}

	record := ExecutionRecord{
		ID: "e1", ReminderID: "r1", BatchID: "b1", ExecutedAt: invited, TargetCount: 3,
		SentCount: 2, FailedCount: 1, Channel: ChannelEmail, Outcome: OutcomePartial,
		ServedGuestIDs: []string{"g1", "g2"},
	}
	var gotRecord ExecutionRecord
	roundTrip(t, record, &gotRecord)
	if gotRecord.ReminderID != "r1" || gotRecord.SentCount != 2 || gotRecord.Outcome != OutcomePartial ||
		len(gotRecord.ServedGuestIDs) != 2 || !gotRecord.ExecutedAt.Equal(invited) {
		t.Fatalf("execution record changed: %+v", gotRecord)
	}
}

func roundTrip(t *testing.T, in any, out any) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
