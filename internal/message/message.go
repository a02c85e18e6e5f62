// Package message renders invitation and reminder templates for one guest.
package message

import (
	"strconv"
	"strings"

	"wedding-campaign/internal/models"
)

// Event holds the campaign-wide values a template can reference.
type Event struct {
	Date      string
	Location  string
	BrideName string
	GroomName string
}

// DefaultInvitation is used when a dispatch carries no template.
const DefaultInvitation = "🎉 *Wedding Invitation*\n\n" +
	"Dear {name},\n\n" +
	"You are cordially invited to celebrate the wedding of\n\n" +
	"*{bride}* & *{groom}*\n\n" +
	"📅 Date: {date}\n" +
	"📍 Location: {location}\n\n" +
	"Reply with:\n✅ *YES* to accept\n❌ *NO* to decline"

// Renderer substitutes {placeholder} tokens.
//
// Supported tokens: {name}, {first_name}, {phone}, {email}, {code},
// {companions}, {party_size}, {date}, {location}, {bride}, {groom}.
type Renderer struct {
	event Event
}

// NewRenderer returns a renderer for event.
func NewRenderer(event Event) *Renderer {
	return &Renderer{event: event}
}

// Render fills template for guest. Unknown tokens are left as they are.
func (r *Renderer) Render(template string, guest models.Guest) string {
	if template == "" {
		template = DefaultInvitation
	}
	first := guest.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return strings.NewReplacer(
		"{name}", guest.Name,
		"{first_name}", first,
		"{phone}", guest.Phone,
		"{email}", guest.Email,
		"{code}", guest.InvitationCode,
		"{companions}", strings.Join(guest.Companions, ", "),
		"{party_size}", strconv.Itoa(guest.PartySize()),
		"{date}", r.event.Date,
		"{location}", r.event.Location,
		"{bride}", r.event.BrideName,
		"{groom}", r.event.GroomName,
	).Replace(template)
}
