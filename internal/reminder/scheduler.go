// Package reminder evaluates automated follow-up messages and runs them
// through the dispatcher.
package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/kvstore"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/notify"
	"wedding-campaign/internal/storage"
)

// Dispatcher starts dispatch batches.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Batch, error)
}

// GuestLister selects guests.
type GuestLister interface {
	ListGuests(f storage.Filter) []models.Guest
}

// Options configures a Scheduler.
type Options struct {
	// EventDate anchors days_before_event triggers.
	EventDate time.Time
	// MaxFailedRuns is how many runs of a days_after_invitation reminder may
	// fail for a guest before the guest is dropped from it. Zero means 3.
	MaxFailedRuns int
	Hub           *notify.Hub
	Now           func() time.Time
	Logger        zerolog.Logger
}

const defaultMaxFailedRuns = 3

// Input defines a reminder. IsActive defaults to true on create and is
// left alone on update when nil.
type Input struct {
	Name           string                `json:"name"`
	TriggerType    models.TriggerType    `json:"trigger_type"`
	TriggerValue   string                `json:"trigger_value"`
	Channels       []models.Channel      `json:"channels"`
	TargetAudience models.Audience       `json:"target_audience"`
	Filter         models.AudienceFilter `json:"filter"`
	Template       string                `json:"template"`
	IsActive       *bool                 `json:"is_active,omitempty"`
}

// Scheduler owns the reminders and their execution history.
type Scheduler struct {
	kv         kvstore.Store
	guests     GuestLister
	dispatcher Dispatcher
	eventDate  time.Time
	maxFailed  int
	hub        *notify.Hub
	now        func() time.Time
	log        zerolog.Logger

	// runMu serializes executions so a reminder is never run twice for the same tick.
	runMu sync.Mutex

	mu         sync.Mutex
	reminders  []models.Reminder
	executions []models.ExecutionRecord
}

// NewScheduler creates a scheduler and loads persisted reminders and executions.
func NewScheduler(ctx context.Context, kv kvstore.Store, guests GuestLister, d Dispatcher, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		kv:         kv,
		guests:     guests,
		dispatcher: d,
		eventDate:  opts.EventDate,
		maxFailed:  opts.MaxFailedRuns,
		hub:        opts.Hub,
		now:        opts.Now,
		log:        opts.Logger.With().Str("component", "ReminderScheduler").Logger(),
		reminders:  make([]models.Reminder, 0),
		executions: make([]models.ExecutionRecord, 0),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxFailed <= 0 {
		s.maxFailed = defaultMaxFailedRuns
	}
	if _, err := kvstore.LoadJSON(ctx, kv, kvstore.KeyReminders, &s.reminders); err != nil {
		return nil, apperr.Persistence(err, "failed to load reminders")
	}
	if _, err := kvstore.LoadJSON(ctx, kv, kvstore.KeyReminderExecutions, &s.executions); err != nil {
		return nil, apperr.Persistence(err, "failed to load reminder executions")
	}
	if s.reminders == nil {
		s.reminders = make([]models.Reminder, 0)
	}
	if s.executions == nil {
		s.executions = make([]models.ExecutionRecord, 0)
	}
	s.log.Debug().Int("reminders", len(s.reminders)).Int("executions", len(s.executions)).Msg("Reminders loaded")
	return s, nil
}

// Create validates in and stores a new reminder.
func (s *Scheduler) Create(ctx context.Context, in Input) (models.Reminder, error) {
	now := s.now()
	r := models.Reminder{
		ID:        uuid.NewString(),
		IsActive:  true,
		CreatedAt: now,
	}
	if err := s.apply(&r, in); err != nil {
		return models.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r.NextRun = s.nextRunLocked(r, now)
	next := append(s.snapshot(), r)
	if err := s.commitReminders(ctx, next); err != nil {
		return models.Reminder{}, err
	}
	s.log.Info().Str("reminder_id", r.ID).Str("name", r.Name).Str("trigger", string(r.TriggerType)).Msg("Reminder created")
	s.hub.Publish(notify.ReminderChanged, r.ID)
	return r.Clone(), nil
}

// Update replaces the definition of a reminder. History and counters are kept.
func (s *Scheduler) Update(ctx context.Context, id string, in Input) (models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Reminder{}, apperr.NotFound("reminder %s not found", id)
	}
	r := s.reminders[i].Clone()
	wasActive := r.IsActive
	if err := s.apply(&r, in); err != nil {
		return models.Reminder{}, err
	}
	now := s.now()
	if r.IsActive && !wasActive {
		r.LastEvaluated = &now
	}
	return s.replaceLocked(ctx, i, r, now)
}

// Get returns a reminder by id.
func (s *Scheduler) Get(id string) (models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.reminders[i].Clone(), nil
	}
	return models.Reminder{}, apperr.NotFound("reminder %s not found", id)
}

// List returns every reminder in creation order.
func (s *Scheduler) List() []models.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Reminder, len(s.reminders))
	for i, r := range s.reminders {
		out[i] = r.Clone()
	}
	return out
}

// SetActive activates or deactivates a reminder. Activation restarts the
// crossing window at now so thresholds passed while inactive do not fire.
func (s *Scheduler) SetActive(ctx context.Context, id string, active bool) (models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Reminder{}, apperr.NotFound("reminder %s not found", id)
	}
	r := s.reminders[i].Clone()
	if r.IsActive == active {
		return r, nil
	}
	now := s.now()
	r.IsActive = active
	if active {
		r.LastEvaluated = &now
	}
	return s.replaceLocked(ctx, i, r, now)
}

// Toggle flips the active flag.
func (s *Scheduler) Toggle(ctx context.Context, id string) (models.Reminder, error) {
	r, err := s.Get(id)
	if err != nil {
		return models.Reminder{}, err
	}
	return s.SetActive(ctx, id, !r.IsActive)
}

// Deactivate is how reminders are deleted; the history stays.
func (s *Scheduler) Deactivate(ctx context.Context, id string) (models.Reminder, error) {
	return s.SetActive(ctx, id, false)
}

// Executions returns the execution history of one reminder, oldest first.
// An empty id returns every record.
func (s *Scheduler) Executions(reminderID string) []models.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExecutionRecord, 0)
	for _, rec := range s.executions {
		if reminderID == "" || rec.ReminderID == reminderID {
			rec.ServedGuestIDs = append([]string(nil), rec.ServedGuestIDs...)
			out = append(out, rec)
		}
	}
	return out
}

// Evaluate runs every active reminder that is due at now and returns the
// records written. A reminder that fails to dispatch is logged and skipped;
// persistence failures abort the evaluation.
func (s *Scheduler) Evaluate(ctx context.Context) ([]models.ExecutionRecord, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now()
	var active []models.Reminder
	for _, r := range s.List() {
		if r.IsActive {
			active = append(active, r)
		}
	}

	records := make([]models.ExecutionRecord, 0)
	evaluated := make([]string, 0, len(active))
	for _, r := range active {
		audience, due, err := s.due(r, now)
		if err != nil {
			s.log.Warn().Err(err).Str("reminder_id", r.ID).Msg("Skipping reminder with a bad trigger")
			evaluated = append(evaluated, r.ID)
			continue
		}
		if !due {
			evaluated = append(evaluated, r.ID)
			continue
		}
		recs, err := s.run(ctx, r, audience, now, true)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodePersistence {
				return records, err
			}
			s.log.Error().Err(err).Str("reminder_id", r.ID).Msg("Reminder execution failed")
			if recs == nil {
				// Nothing was sent, so the window stays open for the next tick.
				continue
			}
		}
		evaluated = append(evaluated, r.ID)
		records = append(records, recs...)
	}

	if err := s.markEvaluated(ctx, evaluated, now); err != nil {
		return records, err
	}
	return records, nil
}

// Execute runs one reminder now, active or not. days_after_invitation
// reminders still only target guests that qualify and were not served before.
func (s *Scheduler) Execute(ctx context.Context, id string) ([]models.ExecutionRecord, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	r, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var audience []models.Guest
	if r.TriggerType == models.TriggerDaysAfterInvitation {
		audience, err = s.qualified(r, now)
		if err != nil {
			return nil, apperr.Validation("reminder %s: %v", r.ID, err)
		}
	} else {
		audience = s.audience(r)
	}
	return s.run(ctx, r, audience, now, false)
}

// Run evaluates reminders every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.log.Info().Dur("interval", interval).Msg("Reminder loop started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		records, err := s.Evaluate(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("Reminder evaluation failed")
		} else if len(records) > 0 {
			s.log.Info().Int("records", len(records)).Msg("Reminders executed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Reminder loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// due decides whether r fires at now and returns its audience if so.
func (s *Scheduler) due(r models.Reminder, now time.Time) ([]models.Guest, bool, error) {
	switch r.TriggerType {
	case models.TriggerDaysBeforeEvent:
		threshold, err := s.threshold(r)
		if err != nil {
			return nil, false, err
		}
		since := r.CreatedAt
		if r.LastEvaluated != nil {
			since = *r.LastEvaluated
		}
		if since.Before(threshold) && !now.Before(threshold) {
			return s.audience(r), true, nil
		}
		return nil, false, nil
	case models.TriggerSpecificDate:
		at, err := r.TriggerDate()
		if err != nil {
			return nil, false, err
		}
		if r.FiredAt == nil && !now.Before(at) {
			return s.audience(r), true, nil
		}
		return nil, false, nil
	case models.TriggerDaysAfterInvitation:
		guests, err := s.qualified(r, now)
		if err != nil {
			return nil, false, err
		}
		return guests, len(guests) > 0, nil
	}
	return nil, false, apperr.Validation("unknown trigger type %q", r.TriggerType)
}

// audience resolves the target audience and the custom filter as a conjunction.
func (s *Scheduler) audience(r models.Reminder) []models.Guest {
	var base storage.Filter
	switch r.TargetAudience {
	case models.AudiencePending:
		base.Statuses = []models.GuestStatus{models.StatusPending, models.StatusInvited}
	case models.AudienceConfirmed:
		base.Statuses = []models.GuestStatus{models.StatusConfirmed}
	case models.AudienceDeclined:
		base.Statuses = []models.GuestStatus{models.StatusDeclined}
	}
	custom := storage.Filter{Statuses: r.Filter.Statuses, InvitationTypes: r.Filter.InvitationTypes}

	out := make([]models.Guest, 0)
	for _, g := range s.guests.ListGuests(base) {
		if custom.Match(g) {
			out = append(out, g)
		}
	}
	return out
}

// qualified returns the audience members invited at least N days ago that
// earlier executions of r have neither served nor given up on.
func (s *Scheduler) qualified(r models.Reminder, now time.Time) ([]models.Guest, error) {
	days, err := r.TriggerDays()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	excluded := s.excludedLocked(r.ID)
	s.mu.Unlock()

	out := make([]models.Guest, 0)
	for _, g := range s.audience(r) {
		if g.DateInvited == nil || excluded[g.ID] {
			continue
		}
		if !now.Before(g.DateInvited.AddDate(0, 0, days)) {
			out = append(out, g)
		}
	}
	return out, nil
}

// run dispatches audience on every channel of r and records the outcome.
// scheduled marks a firing by Evaluate rather than an on-demand Execute.
func (s *Scheduler) run(ctx context.Context, r models.Reminder, audience []models.Guest, now time.Time, scheduled bool) ([]models.ExecutionRecord, error) {
	records := make([]models.ExecutionRecord, len(r.Channels))
	for i, ch := range r.Channels {
		records[i] = models.ExecutionRecord{
			ID:          uuid.NewString(),
			ReminderID:  r.ID,
			ExecutedAt:  now,
			TargetCount: len(audience),
			Channel:     ch,
			Outcome:     models.OutcomeEmpty,
		}
	}

	var batchErr error
	if len(audience) > 0 {
		b, err := s.dispatcher.Dispatch(ctx, dispatch.Request{Guests: audience, Channels: r.Channels, Template: r.Template})
		if err != nil {
			return nil, err
		}
		select {
		case <-b.Done():
		case <-ctx.Done():
			b.Cancel()
			<-b.Done()
		}
		cancelled := b.State() == dispatch.StateCancelled
		for i, sum := range b.Summary(r.Channels) {
			rec := &records[i]
			rec.BatchID = b.ID
			rec.SentCount = sum.Sent
			rec.FailedCount = sum.Failed
			rec.ServedGuestIDs = sum.ServedGuestIDs
			rec.FailedGuestIDs = sum.FailedGuestIDs
			rec.Outcome = models.OutcomeFor(sum.Sent, sum.Failed)
			if cancelled {
				rec.Outcome = models.OutcomeCancelled
			}
		}
		batchErr = b.Err()
	}

	fired := scheduled && r.TriggerType == models.TriggerSpecificDate
	if err := s.record(context.WithoutCancel(ctx), r.ID, records, now, fired); err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.log.Info().
			Str("reminder_id", r.ID).
			Str("channel", string(rec.Channel)).
			Str("outcome", string(rec.Outcome)).
			Int("target", rec.TargetCount).
			Int("sent", rec.SentCount).
			Int("failed", rec.FailedCount).
			Msg("Reminder executed")
	}
	s.hub.Publish(notify.ReminderRan, r.ID)
	if batchErr != nil {
		return records, batchErr
	}
	return records, nil
}

// record appends records and updates the counters of reminder id. fired
// consumes the one-time firing of a specific_date reminder.
func (s *Scheduler) record(ctx context.Context, id string, records []models.ExecutionRecord, now time.Time, fired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs := make([]models.ExecutionRecord, len(s.executions), len(s.executions)+len(records))
	copy(execs, s.executions)
	execs = append(execs, records...)
	if err := kvstore.SaveJSON(ctx, s.kv, kvstore.KeyReminderExecutions, execs); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist reminder executions")
		return apperr.Persistence(err, "failed to save reminder executions")
	}
	s.executions = execs

	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	r := s.reminders[i].Clone()
	for _, rec := range records {
		r.TotalSent += rec.SentCount + rec.FailedCount
		r.SuccessCount += rec.SentCount
		r.FailureCount += rec.FailedCount
	}
	r.LastRun = &now
	if fired {
		at := now
		r.FiredAt = &at
	}
	_, err := s.replaceLocked(ctx, i, r, now)
	return err
}

// markEvaluated moves the crossing window of ids to now in one write.
func (s *Scheduler) markEvaluated(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snapshot()
	for _, id := range ids {
		i := s.indexOf(id)
		if i < 0 || !next[i].IsActive {
			continue
		}
		r := next[i].Clone()
		at := now
		r.LastEvaluated = &at
		r.NextRun = s.nextRunLocked(r, now)
		next[i] = r
	}
	return s.commitReminders(ctx, next)
}

// nextRunLocked estimates when r fires next. Callers hold mu.
func (s *Scheduler) nextRunLocked(r models.Reminder, now time.Time) *time.Time {
	if !r.IsActive {
		return nil
	}
	switch r.TriggerType {
	case models.TriggerDaysBeforeEvent:
		threshold, err := s.threshold(r)
		if err != nil || !threshold.After(now) {
			return nil
		}
		return &threshold
	case models.TriggerSpecificDate:
		at, err := r.TriggerDate()
		if err != nil || r.FiredAt != nil {
			return nil
		}
		return &at
	case models.TriggerDaysAfterInvitation:
		days, err := r.TriggerDays()
		if err != nil {
			return nil
		}
		excluded := s.excludedLocked(r.ID)
		var next *time.Time
		for _, g := range s.audience(r) {
			if g.DateInvited == nil || excluded[g.ID] {
				continue
			}
			at := g.DateInvited.AddDate(0, 0, days)
			if next == nil || at.Before(*next) {
				next = &at
			}
		}
		return next
	}
	return nil
}

func (s *Scheduler) threshold(r models.Reminder) (time.Time, error) {
	days, err := r.TriggerDays()
	if err != nil {
		return time.Time{}, err
	}
	if s.eventDate.IsZero() {
		return time.Time{}, apperr.Validation("days_before_event needs an event date")
	}
	return s.eventDate.AddDate(0, 0, -days), nil
}

// excludedLocked returns the guests earlier executions of reminder id either
// served or failed in maxFailed separate runs. Callers hold mu.
func (s *Scheduler) excludedLocked(id string) map[string]bool {
	excluded := make(map[string]bool)
	failedRuns := make(map[string]map[string]bool)
	for _, rec := range s.executions {
		if rec.ReminderID != id {
			continue
		}
		for _, g := range rec.ServedGuestIDs {
			excluded[g] = true
		}
		for _, g := range rec.FailedGuestIDs {
			if failedRuns[g] == nil {
				failedRuns[g] = make(map[string]bool)
			}
			failedRuns[g][rec.BatchID] = true
		}
	}
	for g, runs := range failedRuns {
		if len(runs) >= s.maxFailed {
			excluded[g] = true
		}
	}
	return excluded
}

// apply validates in and copies the definition onto r.
func (s *Scheduler) apply(r *models.Reminder, in Input) error {
	def := models.Reminder{
		Name:           strings.TrimSpace(in.Name),
		TriggerType:    in.TriggerType,
		TriggerValue:   strings.TrimSpace(in.TriggerValue),
		TargetAudience: in.TargetAudience,
		Template:       in.Template,
	}
	if def.Name == "" {
		return apperr.Validation("name is required")
	}
	switch def.TriggerType {
	case models.TriggerDaysBeforeEvent:
		if _, err := s.threshold(def); err != nil {
			return apperr.Validation("%v", err)
		}
	case models.TriggerDaysAfterInvitation:
		if _, err := def.TriggerDays(); err != nil {
			return apperr.Validation("%v", err)
		}
	case models.TriggerSpecificDate:
		if _, err := def.TriggerDate(); err != nil {
			return apperr.Validation("%v", err)
		}
	default:
		return apperr.Validation("unknown trigger type %q", in.TriggerType)
	}
	if def.TargetAudience == "" {
		def.TargetAudience = models.AudienceAll
	}
	if !def.TargetAudience.Valid() {
		return apperr.Validation("unknown target audience %q", in.TargetAudience)
	}

	seen := make(map[models.Channel]bool, len(in.Channels))
	for _, ch := range in.Channels {
		if !ch.Valid() {
			return apperr.Validation("unknown channel %q", ch)
		}
		if !seen[ch] {
			seen[ch] = true
			def.Channels = append(def.Channels, ch)
		}
	}
	if len(def.Channels) == 0 {
		return apperr.Validation("at least one channel is required")
	}
	for _, st := range in.Filter.Statuses {
		if !st.Valid() {
			return apperr.Validation("unknown status %q in filter", st)
		}
	}
	for _, ch := range in.Filter.InvitationTypes {
		if !ch.Valid() {
			return apperr.Validation("unknown invitation type %q in filter", ch)
		}
	}
	def.Filter = models.AudienceFilter{
		Statuses:        append([]models.GuestStatus(nil), in.Filter.Statuses...),
		InvitationTypes: append([]models.Channel(nil), in.Filter.InvitationTypes...),
	}

	if r.TriggerType != def.TriggerType || r.TriggerValue != def.TriggerValue {
		r.FiredAt = nil
	}
	r.Name = def.Name
	r.TriggerType = def.TriggerType
	r.TriggerValue = def.TriggerValue
	r.Channels = def.Channels
	r.TargetAudience = def.TargetAudience
	r.Filter = def.Filter
	r.Template = def.Template
	if in.IsActive != nil {
		r.IsActive = *in.IsActive
	}
	return nil
}

func (s *Scheduler) replaceLocked(ctx context.Context, i int, r models.Reminder, now time.Time) (models.Reminder, error) {
	r.NextRun = s.nextRunLocked(r, now)
	next := s.snapshot()
	next[i] = r
	if err := s.commitReminders(ctx, next); err != nil {
		return models.Reminder{}, err
	}
	s.hub.Publish(notify.ReminderChanged, r.ID)
	return r.Clone(), nil
}

func (s *Scheduler) commitReminders(ctx context.Context, next []models.Reminder) error {
	if err := kvstore.SaveJSON(ctx, s.kv, kvstore.KeyReminders, next); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist reminders")
		return apperr.Persistence(err, "failed to save reminders")
	}
	s.reminders = next
	return nil
}

func (s *Scheduler) snapshot() []models.Reminder {
	next := make([]models.Reminder, len(s.reminders), len(s.reminders)+1)
	copy(next, s.reminders)
	return next
}

func (s *Scheduler) indexOf(id string) int {
	for i, r := range s.reminders {
		if r.ID == id {
			return i
		}
	}
	return -1
}
