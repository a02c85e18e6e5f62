package handler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types/events"

	"wedding-campaign/internal/codes"
	"wedding-campaign/internal/message"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/storage"
	"wedding-campaign/internal/whatsapp"
)

const maxCompanions = 20

// Replier answers a guest on the chat channel.
type Replier interface {
	SendText(ctx context.Context, phoneNumber, text string) error
}

// GuestStore is the part of the guest store the handler needs.
type GuestStore interface {
	FindByPhone(phone string) (models.Guest, bool)
	UpdateStatus(ctx context.Context, id string, status models.GuestStatus, patch storage.StatusPatch) (models.Guest, error)
	ResetStatus(ctx context.Context, id string) (models.Guest, error)
}

// CodeRedeemer redeems invitation codes quoted in replies.
type CodeRedeemer interface {
	Lookup(code string) (models.InvitationCode, bool)
	Redeem(ctx context.Context, code string) (codes.RedemptionResult, error)
}

// Intent is what a reply asks for.
type Intent string

const (
	IntentNone    Intent = ""
	IntentAccept  Intent = "accept"
	IntentDecline Intent = "decline"
)

var (
	declinePhrases = []string{"not coming", "can't come", "cant come", "won't come", "wont come", "can't make it", "cannot come", "not attending"}
	acceptPhrases  = []string{"will come", "will be there"}
	acceptWords    = []string{"yes", "yep", "yeah", "accept", "accepting", "attending", "coming", "כן", "מגיעים", "מגיע", "✅"}
	declineWords   = []string{"no", "nope", "decline", "declining", "לא", "❌"}

	companionsRe = regexp.MustCompile(`\+\s*(\d+)(.*)`)
)

type RSVPHandler struct {
	replier Replier
	guests  GuestStore
	codes   CodeRedeemer
	event   message.Event
	log     zerolog.Logger
}

// NewRSVPHandler creates a new RSVP handler. codes may be nil.
func NewRSVPHandler(replier Replier, guests GuestStore, codes CodeRedeemer, event message.Event, logger zerolog.Logger) *RSVPHandler {
	return &RSVPHandler{
		replier: replier,
		guests:  guests,
		codes:   codes,
		event:   event,
		log:     logger.With().Str("component", "RSVP").Logger(),
	}
}

// HandleMessage processes incoming WhatsApp messages for RSVP responses
func (h *RSVPHandler) HandleMessage(msg *events.Message) error {
	text := whatsapp.MessageText(msg)
	if text == "" {
		return nil
	}
	return h.HandleText(context.Background(), whatsapp.SenderPhone(msg), text)
}

// HandleText applies one reply from phone. Unknown senders and replies
// without an RSVP or a code are ignored.
func (h *RSVPHandler) HandleText(ctx context.Context, phone, text string) error {
	guest, ok := h.findGuest(phone)
	if !ok {
		h.log.Debug().Str("phone", phone).Msg("Ignoring message from unknown sender")
		return nil
	}

	var replies []string
	if reply, err := h.redeemQuoted(ctx, text); err != nil {
		return err
	} else if reply != "" {
		replies = append(replies, reply)
	}

	intent := ParseIntent(text)
	if intent != IntentNone {
		updated, err := h.apply(ctx, guest, intent, ParseCompanions(text))
		if err != nil {
			return fmt.Errorf("failed to update RSVP: %w", err)
		}
		h.log.Info().Str("guest_id", updated.ID).Str("status", string(updated.Status)).Int("party_size", updated.PartySize()).Msg("RSVP recorded")
		replies = append(replies, h.confirmation(updated))
	}

	if len(replies) == 0 {
		return nil
	}
	if err := h.replier.SendText(ctx, guest.Phone, strings.Join(replies, "\n\n")); err != nil {
		return fmt.Errorf("failed to send confirmation: %w", err)
	}
	return nil
}

func (h *RSVPHandler) findGuest(phone string) (models.Guest, bool) {
	for _, candidate := range []string{phone, whatsapp.LocalPhoneNumber(phone), whatsapp.NormalizePhoneNumber(phone)} {
		if g, ok := h.guests.FindByPhone(candidate); ok {
			return g, true
		}
	}
	return models.Guest{}, false
}

// apply moves guest to the answered status. A changed answer resets first.
func (h *RSVPHandler) apply(ctx context.Context, guest models.Guest, intent Intent, companions []string) (models.Guest, error) {
	target := models.StatusConfirmed
	patch := storage.StatusPatch{Companions: companions}
	if intent == IntentDecline {
		target = models.StatusDeclined
		patch = storage.StatusPatch{}
	}

	if guest.Status.Responded() && guest.Status != target {
		if _, err := h.guests.ResetStatus(ctx, guest.ID); err != nil {
			return models.Guest{}, err
		}
	}
	return h.guests.UpdateStatus(ctx, guest.ID, target, patch)
}

// redeemQuoted redeems the first known code quoted in text.
func (h *RSVPHandler) redeemQuoted(ctx context.Context, text string) (string, error) {
	if h.codes == nil {
		return "", nil
	}
	for _, token := range codeTokens(text) {
		if _, ok := h.codes.Lookup(token); !ok {
			continue
		}
		res, err := h.codes.Redeem(ctx, token)
		if err != nil {
			h.log.Info().Err(err).Str("code", token).Msg("Code redemption rejected")
			return fmt.Sprintf("Sorry, the code %s can't be used: %v", token, err), nil
		}
		h.log.Info().Str("code", res.Code.Code).Int("remaining", res.RemainingUses).Msg("Code redeemed")
		return fmt.Sprintf("✅ Your invitation code %s is confirmed.", res.Code.Code), nil
	}
	return "", nil
}

func (h *RSVPHandler) confirmation(g models.Guest) string {
	if g.Status == models.StatusDeclined {
		return fmt.Sprintf(
			"Thank you for letting us know. We're sorry you won't be able to join us for the wedding of %s & %s.\n\n"+
				"We'll miss you! 💕",
			h.event.BrideName, h.event.GroomName,
		)
	}
	party := ""
	if n := g.PartySize(); n > 1 {
		party = fmt.Sprintf(" for %d people", n)
	}
	return fmt.Sprintf(
		"🎉 Wonderful! We're so excited to celebrate with you!\n\n"+
			"We've confirmed your attendance%s for the wedding of %s & %s on %s.\n\n"+
			"See you there! 💕",
		party, h.event.BrideName, h.event.GroomName, h.event.Date,
	)
}

// ParseIntent classifies a reply. Decline phrases win over accept words so
// "not coming" is not read as "coming".
func ParseIntent(text string) Intent {
	text = strings.ToLower(strings.TrimSpace(text))
	if containsAny(text, declinePhrases...) {
		return IntentDecline
	}
	if containsAny(text, acceptPhrases...) {
		return IntentAccept
	}
	ws := words(text)
	switch {
	case hasWord(ws, acceptWords...):
		return IntentAccept
	case hasWord(ws, declineWords...):
		return IntentDecline
	}
	return IntentNone
}

// ParseCompanions reads "+N name, name". Missing names are filled with
// numbered placeholders; nil means no companion count was given.
func ParseCompanions(text string) []string {
	m := companionsRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return nil
	}
	if n > maxCompanions {
		n = maxCompanions
	}

	sep := func(r rune) bool { return r == ',' || r == '\n' }
	rest := strings.TrimSpace(m[2])
	if !strings.ContainsAny(rest, ",\n") {
		sep = unicode.IsSpace
	}
	var names []string
	for _, name := range strings.FieldsFunc(rest, sep) {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if i < len(names) {
			out = append(out, names[i])
			continue
		}
		out = append(out, fmt.Sprintf("Guest %d", i+1))
	}
	return out
}

// codeTokens returns the words of text that could be invitation codes.
func codeTokens(text string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-')
	}) {
		if len(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '\''
	})
}

func hasWord(words []string, keywords ...string) bool {
	for _, w := range words {
		for _, k := range keywords {
			if w == k {
				return true
			}
		}
	}
	return false
}

// containsAny checks if the text contains any of the given keywords
func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
