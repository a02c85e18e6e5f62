package message

import (
	"strings"
	"testing"

	"wedding-campaign/internal/models"
)

func TestRenderSubstitutesGuestAndEvent(t *testing.T) {
	r := NewRenderer(Event{Date: "05.01.2026", Location: "Ness Ziona", BrideName: "Anat", GroomName: "David"})
	guest := models.Guest{Name: "Dana Levi", Phone: "972521234567", InvitationCode: "AB12CD", Companions: []string{"Avi", "Noa"}}

	got := r.Render("Hi {first_name}! {bride} & {groom}, {date} at {location}. Code {code}, party of {party_size} ({companions}). {unknown}", guest)
	want := "Hi Dana! Anat & David, 05.01.2026 at Ness Ziona. Code AB12CD, party of 3 (Avi, Noa). {unknown}"
	if got != want {
		t.Fatalf("unexpected render:\n got %q\nwant %q", got, want)
	}
}

func TestRenderDefaultTemplate(t *testing.T) {
	r := NewRenderer(Event{BrideName: "Anat", GroomName: "David"})
	got := r.Render("", models.Guest{Name: "Dana"})
	if !strings.Contains(got, "Dear Dana") || !strings.Contains(got, "*Anat* & *David*") {
		t.Fatalf("default template not rendered: %q", got)
	}
}
