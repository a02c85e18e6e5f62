package storage

import (
	"context"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/kvstore"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/notify"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// Storage is the guest store. Every mutation is persisted under
// kvstore.KeyGuests before it becomes visible; a failed write leaves the
// in-memory list untouched.
type Storage struct {
	mu     sync.RWMutex
	guests []models.Guest
	kv     kvstore.Store
	hub    *notify.Hub
	now    func() time.Time
	log    zerolog.Logger
}

// Options configures a Storage. Zero values are fine.
type Options struct {
	Hub    *notify.Hub
	Now    func() time.Time
	Logger zerolog.Logger
}

// GuestInput is the data needed to add a guest.
type GuestInput struct {
	Name           string         `json:"name"`
	Phone          string         `json:"phone"`
	Email          string         `json:"email,omitempty"`
	InvitationType models.Channel `json:"invitation_type,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

// GuestPatch updates contact details. Nil fields are left alone.
type GuestPatch struct {
	Name           *string         `json:"name,omitempty"`
	Phone          *string         `json:"phone,omitempty"`
	Email          *string         `json:"email,omitempty"`
	InvitationType *models.Channel `json:"invitation_type,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
}

// StatusPatch travels with a status change. Companions only apply to
// confirmed guests. At defaults to now.
type StatusPatch struct {
	Companions []string  `json:"companions,omitempty"`
	Notes      *string   `json:"notes,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

// BulkResult reports a bulk add. Partial failure is normal.
type BulkResult struct {
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`
	Errors       []ItemError    `json:"errors,omitempty"`
	Guests       []models.Guest `json:"guests,omitempty"`
}

// ItemError is the failure of one bulk item.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Filter selects guests. Every non-empty field must match.
type Filter struct {
	Statuses        []models.GuestStatus
	InvitationTypes []models.Channel
	IDs             []string
	WithoutCode     bool
	Search          string
}

// NewStorage creates a guest store and loads the persisted list.
func NewStorage(ctx context.Context, kv kvstore.Store, opts Options) (*Storage, error) {
	s := &Storage{
		guests: make([]models.Guest, 0),
		kv:     kv,
		hub:    opts.Hub,
		now:    opts.Now,
		log:    opts.Logger.With().Str("component", "GuestStore").Logger(),
	}
	if s.now == nil {
		s.now = time.Now
	}

	if _, err := kvstore.LoadJSON(ctx, kv, kvstore.KeyGuests, &s.guests); err != nil {
		return nil, apperr.Persistence(err, "failed to load guests")
	}
	if s.guests == nil {
		s.guests = make([]models.Guest, 0)
	}
	s.log.Debug().Int("guests", len(s.guests)).Msg("Guest store loaded")
	return s, nil
}

// AddGuest validates and appends a new pending guest.
func (s *Storage) AddGuest(ctx context.Context, in GuestInput) (models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guest, err := s.newGuest(in, s.guests)
	if err != nil {
		return models.Guest{}, err
	}

	next := append(s.snapshot(), guest)
	if err := s.commit(ctx, next); err != nil {
		return models.Guest{}, err
	}
	s.hub.Publish(notify.GuestAdded, guest.ID)
	return guest.Clone(), nil
}

// BulkAddGuests validates each item on its own and persists the valid ones in one write.
func (s *Storage) BulkAddGuests(ctx context.Context, items []GuestInput) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	next := s.snapshot()
	for i, in := range items {
		guest, err := s.newGuest(in, next)
		if err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, ItemError{Index: i, Error: err.Error()})
			continue
		}
		next = append(next, guest)
		res.Guests = append(res.Guests, guest.Clone())
		res.SuccessCount++
	}

	if res.SuccessCount == 0 {
		return res, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return BulkResult{}, err
	}
	for _, g := range res.Guests {
		s.hub.Publish(notify.GuestAdded, g.ID)
	}
	s.log.Info().Int("added", res.SuccessCount).Int("failed", res.FailedCount).Msg("Bulk import finished")
	return res, nil
}

// GetGuest retrieves a guest by id
func (s *Storage) GetGuest(id string) (models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexOf(id); i >= 0 {
		return s.guests[i].Clone(), nil
	}
	return models.Guest{}, apperr.NotFound("guest %s not found", id)
}

// FindByPhone looks a guest up by the digits of their phone number.
func (s *Storage) FindByPhone(phone string) (models.Guest, bool) {
	digits := models.NormalizePhone(phone)
	if digits == "" {
		return models.Guest{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.guests {
		if models.NormalizePhone(g.Phone) == digits {
			return g.Clone(), true
		}
	}
	return models.Guest{}, false
}

// UpdateGuest changes contact details.
func (s *Storage) UpdateGuest(ctx context.Context, id string, patch GuestPatch) (models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Guest{}, apperr.NotFound("guest %s not found", id)
	}
	g := s.guests[i].Clone()
	in := GuestInput{Name: g.Name, Phone: g.Phone, Email: g.Email, InvitationType: g.InvitationType}
	if patch.Name != nil {
		in.Name = *patch.Name
	}
	if patch.Phone != nil {
		in.Phone = *patch.Phone
	}
	if patch.Email != nil {
		in.Email = *patch.Email
	}
	if patch.InvitationType != nil {
		in.InvitationType = *patch.InvitationType
	}

	others := make([]models.Guest, 0, len(s.guests)-1)
	others = append(others, s.guests[:i]...)
	others = append(others, s.guests[i+1:]...)
	valid, err := validate(in, others)
	if err != nil {
		return models.Guest{}, err
	}
	g.Name, g.Phone, g.Email, g.InvitationType = valid.Name, valid.Phone, valid.Email, valid.InvitationType
	if patch.Notes != nil {
		g.Notes = *patch.Notes
	}

	return s.replace(ctx, i, g)
}

// UpdateStatus moves a guest forward in the lifecycle.
func (s *Storage) UpdateStatus(ctx context.Context, id string, status models.GuestStatus, patch StatusPatch) (models.Guest, error) {
	if !status.Valid() {
		return models.Guest{}, apperr.Validation("unknown status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Guest{}, apperr.NotFound("guest %s not found", id)
	}
	g := s.guests[i].Clone()
	if !models.CanTransition(g.Status, status) {
		return models.Guest{}, apperr.Validation("cannot move guest from %s to %s without a reset", g.Status, status)
	}

	at := patch.At
	if at.IsZero() {
		at = s.now()
	}
	g.Status = status
	switch status {
	case models.StatusInvited:
		if g.DateInvited == nil {
			g.DateInvited = &at
		}
	case models.StatusConfirmed:
		g.DateResponded = &at
		if patch.Companions != nil {
			g.Companions = cleanNames(patch.Companions)
		}
	case models.StatusDeclined:
		g.DateResponded = &at
		g.Companions = nil
	}
	if patch.Notes != nil {
		g.Notes = *patch.Notes
	}

	return s.replace(ctx, i, g)
}

// ResetStatus is the only way back. A guest who has been invited returns to
// invited, otherwise to pending; the response and companions are cleared.
func (s *Storage) ResetStatus(ctx context.Context, id string) (models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Guest{}, apperr.NotFound("guest %s not found", id)
	}
	g := s.guests[i].Clone()
	g.Status = models.StatusPending
	if g.DateInvited != nil {
		g.Status = models.StatusInvited
	}
	g.DateResponded = nil
	g.Companions = nil

	return s.replace(ctx, i, g)
}

// RecordAttempt counts one dispatch attempt. A successful attempt advances a
// pending guest to invited and never touches guests further along.
func (s *Storage) RecordAttempt(ctx context.Context, id string, success bool, at time.Time) (models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Guest{}, apperr.NotFound("guest %s not found", id)
	}
	g := s.guests[i].Clone()
	g.AttemptCount++
	if success && g.Status == models.StatusPending {
		g.Status = models.StatusInvited
		g.DateInvited = &at
	}

	return s.replace(ctx, i, g)
}

// AssignCodes sets the invitation code back-reference of several guests in one write.
func (s *Storage) AssignCodes(ctx context.Context, assignments map[string]string) error {
	if len(assignments) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snapshot()
	for id, code := range assignments {
		i := s.indexOf(id)
		if i < 0 {
			return apperr.NotFound("guest %s not found", id)
		}
		next[i].InvitationCode = code
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	for id := range assignments {
		s.hub.Publish(notify.GuestUpdated, id)
	}
	return nil
}

// GetAllGuests returns all guests in insertion order
func (s *Storage) GetAllGuests() []models.Guest {
	return s.ListGuests(Filter{})
}

// ListGuests returns the guests matching f in insertion order.
func (s *Storage) ListGuests(f Filter) []models.Guest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Guest, 0, len(s.guests))
	for _, g := range s.guests {
		if f.Match(g) {
			result = append(result, g.Clone())
		}
	}
	return result
}

// Match reports whether g satisfies every constraint of f.
func (f Filter) Match(g models.Guest) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, g.Status) {
		return false
	}
	if len(f.InvitationTypes) > 0 && !contains(f.InvitationTypes, g.InvitationType) {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, g.ID) {
		return false
	}
	if f.WithoutCode && g.InvitationCode != "" {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		digits := models.NormalizePhone(q)
		if !strings.Contains(strings.ToLower(g.Name), q) && (digits == "" || !strings.Contains(g.Phone, digits)) {
			return false
		}
	}
	return true
}

func (s *Storage) newGuest(in GuestInput, existing []models.Guest) (models.Guest, error) {
	valid, err := validate(in, existing)
	if err != nil {
		return models.Guest{}, err
	}
	return models.Guest{
		ID:             uuid.NewString(),
		Name:           valid.Name,
		Phone:          valid.Phone,
		Email:          valid.Email,
		Status:         models.StatusPending,
		InvitationType: valid.InvitationType,
		Notes:          strings.TrimSpace(in.Notes),
		CreatedAt:      s.now(),
	}, nil
}

func validate(in GuestInput, existing []models.Guest) (GuestInput, error) {
	out := GuestInput{
		Name:           strings.TrimSpace(in.Name),
		Phone:          models.NormalizePhone(in.Phone),
		Email:          strings.TrimSpace(in.Email),
		InvitationType: in.InvitationType,
	}
	if out.Name == "" {
		return out, apperr.Validation("name is required")
	}
	if n := len(out.Phone); n < minPhoneDigits || n > maxPhoneDigits {
		return out, apperr.Validation("phone %q must have between %d and %d digits", in.Phone, minPhoneDigits, maxPhoneDigits)
	}
	if out.Email != "" {
		addr, err := mail.ParseAddress(out.Email)
		if err != nil {
			return out, apperr.Validation("invalid email %q", in.Email)
		}
		out.Email = addr.Address
	}
	if out.InvitationType == "" {
		out.InvitationType = models.ChannelWhatsApp
	}
	if !out.InvitationType.Valid() {
		return out, apperr.Validation("unknown invitation type %q", in.InvitationType)
	}
	if out.InvitationType == models.ChannelEmail && out.Email == "" {
		return out, apperr.Validation("email invitations need an email address")
	}
	for _, g := range existing {
		if models.NormalizePhone(g.Phone) == out.Phone {
			return out, apperr.Validation("phone %s already belongs to %s", out.Phone, g.Name)
		}
	}
	return out, nil
}

func (s *Storage) replace(ctx context.Context, i int, g models.Guest) (models.Guest, error) {
	next := s.snapshot()
	next[i] = g
	if err := s.commit(ctx, next); err != nil {
		return models.Guest{}, err
	}
	s.hub.Publish(notify.GuestUpdated, g.ID)
	return g.Clone(), nil
}

// commit persists next and then swaps it in. Callers hold mu.
func (s *Storage) commit(ctx context.Context, next []models.Guest) error {
	if err := kvstore.SaveJSON(ctx, s.kv, kvstore.KeyGuests, next); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist guests")
		return apperr.Persistence(err, "failed to save guests")
	}
	s.guests = next
	return nil
}

func (s *Storage) snapshot() []models.Guest {
	next := make([]models.Guest, len(s.guests), len(s.guests)+1)
	copy(next, s.guests)
	return next
}

func (s *Storage) indexOf(id string) int {
	for i, g := range s.guests {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func contains[T comparable](set []T, v T) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

