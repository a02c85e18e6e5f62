// Package codes issues and redeems invitation access codes.
package codes

import (
	"context"
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/kvstore"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/notify"
	"wedding-campaign/internal/storage"
)

// Alphabet is the set codes are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxDrawAttempts bounds collision retries for a single code.
const maxDrawAttempts = 8

const (
	minLength   = 4
	maxLength   = 32
	maxQuantity = 1000
)

// GuestDirectory is the part of the guest store the registry needs.
type GuestDirectory interface {
	GetGuest(id string) (models.Guest, error)
	ListGuests(f storage.Filter) []models.Guest
	AssignCodes(ctx context.Context, assignments map[string]string) error
}

// Registry owns every invitation code. Codes are persisted under
// kvstore.KeyInvitationCodes on every change.
type Registry struct {
	mu     sync.Mutex
	codes  []models.InvitationCode
	kv     kvstore.Store
	guests GuestDirectory
	hub    *notify.Hub
	now    func() time.Time
	rand   io.Reader
	log    zerolog.Logger
}

// Options configures a Registry.
type Options struct {
	Hub    *notify.Hub
	Now    func() time.Time
	Rand   io.Reader
	Logger zerolog.Logger
}

// GenerateOptions describes a generation run.
type GenerateOptions struct {
	Quantity       int             `json:"quantity"`
	Length         int             `json:"length"`
	Prefix         string          `json:"prefix,omitempty"`
	ExpirationDays int             `json:"expiration_days,omitempty"`
	MaxUses        int             `json:"max_uses"`
	Type           models.CodeType `json:"type"`
	AssignToGuests bool            `json:"assign_to_guests,omitempty"`
}

// GenerateResult lists the codes created. A code that could not be drawn is
// counted in Failed; the rest of the batch is unaffected.
type GenerateResult struct {
	Codes    []models.InvitationCode `json:"codes"`
	Failed   int                     `json:"failed"`
	Errors   []string                `json:"errors,omitempty"`
	Assigned int                     `json:"assigned"`
}

// RedemptionResult is returned by a successful Redeem.
type RedemptionResult struct {
	Code          models.InvitationCode `json:"code"`
	RemainingUses int                   `json:"remaining_uses"`
	Guest         *models.Guest         `json:"guest,omitempty"`
}

// ListFilter selects codes. Empty fields do not constrain.
type ListFilter struct {
	Status  models.CodeStatus
	Type    models.CodeType
	GuestID string
}

// CodeStats counts codes by derived status.
type CodeStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Used     int `json:"used"`
	Expired  int `json:"expired"`
	Revoked  int `json:"revoked"`
	Assigned int `json:"assigned"`
	Uses     int `json:"uses"`
}

// NewRegistry loads the persisted codes.
func NewRegistry(ctx context.Context, kv kvstore.Store, guests GuestDirectory, opts Options) (*Registry, error) {
	r := &Registry{
		kv:     kv,
		guests: guests,
		hub:    opts.Hub,
		now:    opts.Now,
		rand:   opts.Rand,
		log:    opts.Logger.With().Str("component", "CodeRegistry").Logger(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.rand == nil {
		r.rand = rand.Reader
	}
	if _, err := kvstore.LoadJSON(ctx, kv, kvstore.KeyInvitationCodes, &r.codes); err != nil {
		return nil, apperr.Persistence(err, "failed to load invitation codes")
	}
	return r, nil
}

// Generate draws opts.Quantity new codes, optionally assigning them to guests
// that have none yet.
func (r *Registry) Generate(ctx context.Context, opts GenerateOptions) (GenerateResult, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return GenerateResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	taken := make(map[string]struct{}, len(r.codes)+opts.Quantity)
	for _, c := range r.codes {
		taken[strings.ToUpper(c.Code)] = struct{}{}
	}

	var candidates []models.Guest
	if opts.AssignToGuests {
		candidates = r.guests.ListGuests(storage.Filter{WithoutCode: true})
	}
	claimed := make(map[string]string)
	next := 0

	var res GenerateResult
	for i := 0; i < opts.Quantity; i++ {
		value, err := r.draw(opts.Prefix, opts.Length, taken)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		code := models.InvitationCode{
			ID:          uuid.NewString(),
			Code:        value,
			Prefix:      opts.Prefix,
			Type:        opts.Type,
			Status:      models.CodeActive,
			MaxUses:     opts.MaxUses,
			GeneratedAt: now,
		}
		if opts.ExpirationDays > 0 {
			exp := now.AddDate(0, 0, opts.ExpirationDays)
			code.ExpiresAt = &exp
		}
		for next < len(candidates) {
			g := candidates[next]
			next++
			if _, dup := claimed[g.ID]; dup {
				continue
			}
			code.GuestID = g.ID
			claimed[g.ID] = code.Code
			break
		}
		res.Codes = append(res.Codes, code)
	}

	if len(res.Codes) > 0 {
		// The codes become visible only once the guest back-references are
		// stored too.
		updated := append(r.snapshot(), res.Codes...)
		if err := r.persist(ctx, updated); err != nil {
			return GenerateResult{}, err
		}
		if err := r.guests.AssignCodes(ctx, claimed); err != nil {
			r.rollback(ctx)
			return GenerateResult{}, err
		}
		r.codes = updated
	}
	res.Assigned = len(claimed)

	r.log.Info().
		Int("generated", len(res.Codes)).
		Int("failed", res.Failed).
		Int("assigned", res.Assigned).
		Str("type", string(opts.Type)).
		Msg("Invitation codes generated")
	r.hub.Publish(notify.CodesChanged, "")
	return res, nil
}

// Redeem consumes one use of code.
func (r *Registry) Redeem(ctx context.Context, code string) (RedemptionResult, error) {
	value := strings.TrimSpace(code)
	if value == "" {
		return RedemptionResult{}, apperr.New(apperr.CodeInvalidCode, "invitation code is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOfCode(value)
	if i < 0 {
		return RedemptionResult{}, apperr.New(apperr.CodeInvalidCode, "unknown invitation code %q", value)
	}
	now := r.now()
	c := r.codes[i].Clone()
	switch c.StatusAt(now) {
	case models.CodeRevoked:
		return RedemptionResult{}, apperr.New(apperr.CodeRevoked, "invitation code %s was revoked", c.Code)
	case models.CodeUsed:
		return RedemptionResult{}, apperr.New(apperr.CodeExhausted, "invitation code %s has no uses left", c.Code)
	case models.CodeExpired:
		return RedemptionResult{}, apperr.New(apperr.CodeExpired, "invitation code %s expired", c.Code)
	}

	c.CurrentUses++
	c.LastUsedAt = &now
	c.Status = c.StatusAt(now)

	updated := r.snapshot()
	updated[i] = c
	if err := r.commit(ctx, updated); err != nil {
		return RedemptionResult{}, err
	}

	res := RedemptionResult{Code: c.Clone(), RemainingUses: c.RemainingUses()}
	if c.GuestID != "" {
		if g, err := r.guests.GetGuest(c.GuestID); err == nil {
			res.Guest = &g
		}
	}
	r.log.Info().Str("code", c.Code).Int("uses", c.CurrentUses).Int("max_uses", c.MaxUses).Msg("Invitation code redeemed")
	r.hub.Publish(notify.CodesChanged, c.ID)
	return res, nil
}

// Revoke disables a code for good. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) (models.InvitationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.InvitationCode{}, apperr.NotFound("invitation code %s not found", id)
	}
	c := r.codes[i].Clone()
	if c.Revoked {
		return r.view(c, r.now()), nil
	}
	c.Revoked = true
	c.Status = models.CodeRevoked

	updated := r.snapshot()
	updated[i] = c
	if err := r.commit(ctx, updated); err != nil {
		return models.InvitationCode{}, err
	}
	r.log.Info().Str("code", c.Code).Msg("Invitation code revoked")
	r.hub.Publish(notify.CodesChanged, c.ID)
	return c.Clone(), nil
}

// Regenerate gives a code a fresh string, clears its uses and reactivates it.
// An expiring code keeps the length of its validity window, counted from now.
func (r *Registry) Regenerate(ctx context.Context, id string) (models.InvitationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return models.InvitationCode{}, apperr.NotFound("invitation code %s not found", id)
	}
	taken := make(map[string]struct{}, len(r.codes))
	for _, c := range r.codes {
		taken[strings.ToUpper(c.Code)] = struct{}{}
	}

	old := r.codes[i]
	value, err := r.draw(old.Prefix, len(old.Code)-len(old.Prefix), taken)
	if err != nil {
		return models.InvitationCode{}, err
	}

	now := r.now()
	c := old.Clone()
	c.Code = value
	c.CurrentUses = 0
	c.Revoked = false
	c.LastUsedAt = nil
	c.Status = models.CodeActive
	if old.ExpiresAt != nil {
		exp := now.Add(old.ExpiresAt.Sub(old.GeneratedAt))
		c.ExpiresAt = &exp
	}
	c.GeneratedAt = now

	updated := r.snapshot()
	updated[i] = c
	if err := r.persist(ctx, updated); err != nil {
		return models.InvitationCode{}, err
	}
	if c.GuestID != "" {
		if err := r.guests.AssignCodes(ctx, map[string]string{c.GuestID: c.Code}); err != nil {
			r.rollback(ctx)
			return models.InvitationCode{}, err
		}
	}
	r.codes = updated
	r.log.Info().Str("old", old.Code).Str("new", c.Code).Msg("Invitation code regenerated")
	r.hub.Publish(notify.CodesChanged, c.ID)
	return c.Clone(), nil
}

// Get returns a code by id with its status derived at now.
func (r *Registry) Get(id string) (models.InvitationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return models.InvitationCode{}, apperr.NotFound("invitation code %s not found", id)
	}
	return r.view(r.codes[i], r.now()), nil
}

// Lookup finds a code by its string, ignoring case.
func (r *Registry) Lookup(code string) (models.InvitationCode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOfCode(strings.TrimSpace(code))
	if i < 0 {
		return models.InvitationCode{}, false
	}
	return r.view(r.codes[i], r.now()), true
}

// List returns codes in generation order.
func (r *Registry) List(f ListFilter) []models.InvitationCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]models.InvitationCode, 0, len(r.codes))
	for _, c := range r.codes {
		v := r.view(c, now)
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		if f.GuestID != "" && v.GuestID != f.GuestID {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Stats counts codes by status at now.
func (r *Registry) Stats() CodeStats {
	var st CodeStats
	for _, c := range r.List(ListFilter{}) {
		st.Total++
		st.Uses += c.CurrentUses
		if c.GuestID != "" {
			st.Assigned++
		}
		switch c.Status {
		case models.CodeActive:
			st.Active++
		case models.CodeUsed:
			st.Used++
		case models.CodeExpired:
			st.Expired++
		case models.CodeRevoked:
			st.Revoked++
		}
	}
	return st
}

// draw picks a random code not in taken and adds it to taken.
func (r *Registry) draw(prefix string, length int, taken map[string]struct{}) (string, error) {
	buf := make([]byte, length)
	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		for i := range buf {
			c, err := r.pick()
			if err != nil {
				return "", apperr.Wrap(apperr.CodeInternal, err, "failed to read randomness")
			}
			buf[i] = c
		}
		value := prefix + string(buf)
		key := strings.ToUpper(value)
		if _, dup := taken[key]; dup {
			continue
		}
		taken[key] = struct{}{}
		return value, nil
	}
	return "", apperr.New(apperr.CodeCollision, "no free code of length %d after %d attempts", length, maxDrawAttempts)
}

// pick returns one alphabet character uniformly, rejecting bytes above the
// largest multiple of the alphabet size.
func (r *Registry) pick() (byte, error) {
	limit := byte(256 - 256%len(Alphabet))
	var b [1]byte
	for {
		if _, err := io.ReadFull(r.rand, b[:]); err != nil {
			return 0, err
		}
		if b[0] < limit {
			return Alphabet[int(b[0])%len(Alphabet)], nil
		}
	}
}

func (r *Registry) view(c models.InvitationCode, now time.Time) models.InvitationCode {
	v := c.Clone()
	v.Status = c.StatusAt(now)
	return v
}

func (r *Registry) commit(ctx context.Context, next []models.InvitationCode) error {
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.codes = next
	return nil
}

// persist writes next without making it visible.
func (r *Registry) persist(ctx context.Context, next []models.InvitationCode) error {
	if err := kvstore.SaveJSON(ctx, r.kv, kvstore.KeyInvitationCodes, next); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist invitation codes")
		return apperr.Persistence(err, "failed to save invitation codes")
	}
	return nil
}

// rollback rewrites the visible codes after a persisted change could not be
// completed.
func (r *Registry) rollback(ctx context.Context) {
	if err := kvstore.SaveJSON(context.WithoutCancel(ctx), r.kv, kvstore.KeyInvitationCodes, r.codes); err != nil {
		r.log.Error().Err(err).Msg("Failed to roll back invitation codes")
	}
}

func (r *Registry) snapshot() []models.InvitationCode {
	next := make([]models.InvitationCode, len(r.codes))
	copy(next, r.codes)
	return next
}

func (r *Registry) indexOf(id string) int {
	for i, c := range r.codes {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) indexOfCode(code string) int {
	for i, c := range r.codes {
		if strings.EqualFold(c.Code, code) {
			return i
		}
	}
	return -1
}

func normalizeOptions(opts GenerateOptions) (GenerateOptions, error) {
	if opts.Length == 0 {
		opts.Length = 8
	}
	if opts.MaxUses == 0 {
		opts.MaxUses = 1
	}
	if opts.Type == "" {
		opts.Type = models.CodeIndividual
	}
	opts.Prefix = strings.ToUpper(strings.TrimSpace(opts.Prefix))

	switch {
	case opts.Quantity < 1 || opts.Quantity > maxQuantity:
		return opts, apperr.Validation("quantity must be between 1 and %d", maxQuantity)
	case opts.Length < minLength || opts.Length > maxLength:
		return opts, apperr.Validation("length must be between %d and %d", minLength, maxLength)
	case opts.MaxUses < 1:
		return opts, apperr.Validation("max uses must be at least 1")
	case opts.ExpirationDays < 0:
		return opts, apperr.Validation("expiration days must not be negative")
	case !opts.Type.Valid():
		return opts, apperr.Validation("unknown code type %q", opts.Type)
	}
	for _, ch := range opts.Prefix {
		if !strings.ContainsRune(Alphabet, ch) && ch != '-' {
			return opts, apperr.Validation("prefix may only contain letters, digits and '-'")
		}
	}
	return opts, nil
}
