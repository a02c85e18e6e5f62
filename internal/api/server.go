// Package api is the admin console HTTP surface of the campaign.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"wedding-campaign/internal/apperr"
	"wedding-campaign/internal/codes"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/reminder"
	"wedding-campaign/internal/stats"
	"wedding-campaign/internal/storage"
)

// Deps are the campaign components served by the API.
type Deps struct {
	Guests     *storage.Storage
	Codes      *codes.Registry
	Dispatcher *dispatch.Dispatcher
	Reminders  *reminder.Scheduler
	Stats      *stats.Aggregator
}

type Options struct {
	AllowedOrigins []string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Server routes admin requests onto the campaign components.
type Server struct {
	deps   Deps
	log    zerolog.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Server{
		deps: deps,
		log:  opts.Logger.With().Str("component", "API").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(opts.AllowedOrigins))
	timeout := middleware.Timeout(opts.Timeout)

	r.With(timeout).Get("/healthz", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/stats", s.getStats)

			r.Route("/guests", func(r chi.Router) {
				r.Get("/", s.listGuests)
				r.Post("/", s.addGuest)
				r.Post("/bulk", s.bulkAddGuests)
				r.Get("/{id}", s.getGuest)
				r.Patch("/{id}", s.updateGuest)
				r.Patch("/{id}/status", s.updateGuestStatus)
				r.Post("/{id}/reset", s.resetGuest)
			})

			r.Route("/dispatch", func(r chi.Router) {
				r.Post("/", s.dispatch)
				r.Get("/{id}", s.getBatch)
				r.Post("/{id}/cancel", s.cancelBatch)
			})

			r.Route("/codes", func(r chi.Router) {
				r.Get("/", s.listCodes)
				r.Post("/", s.generateCodes)
				r.Get("/stats", s.codeStats)
				r.Post("/redeem", s.redeemCode)
				r.Get("/{id}", s.getCode)
				r.Post("/{id}/revoke", s.revokeCode)
				r.Post("/{id}/regenerate", s.regenerateCode)
			})
		})

		r.Route("/reminders", func(r chi.Router) {
			// A manual run returns only after every send finished, so it is
			// not bound by the request timeout.
			r.Post("/{id}/execute", s.executeReminder)

			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", s.listReminders)
				r.Post("/", s.createReminder)
				r.Get("/{id}", s.getReminder)
				r.Put("/{id}", s.updateReminder)
				r.Delete("/{id}", s.deactivateReminder)
				r.Post("/{id}/toggle", s.toggleReminder)
				r.Get("/{id}/executions", s.reminderExecutions)
			})
		})
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Stats.Stats())
}

// Guests

func (s *Server) listGuests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	withoutCode, err := queryBool(r, "without_code")
	if err != nil {
		s.writeError(w, err)
		return
	}
	f := storage.Filter{
		Statuses:        splitList[models.GuestStatus](q.Get("status")),
		InvitationTypes: splitList[models.Channel](q.Get("type")),
		WithoutCode:     withoutCode,
		Search:          q.Get("search"),
	}
	s.writeJSON(w, http.StatusOK, s.deps.Guests.ListGuests(f))
}

func (s *Server) addGuest(w http.ResponseWriter, r *http.Request) {
	var in storage.GuestInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	g, err := s.deps.Guests.AddGuest(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, g)
}

type bulkRequest struct {
	Guests []storage.GuestInput `json:"guests"`
}

func (s *Server) bulkAddGuests(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Guests) == 0 {
		s.writeError(w, apperr.Validation("guests must not be empty"))
		return
	}
	res, err := s.deps.Guests.BulkAddGuests(r.Context(), req.Guests)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) getGuest(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Guests.GetGuest(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) updateGuest(w http.ResponseWriter, r *http.Request) {
	var patch storage.GuestPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	g, err := s.deps.Guests.UpdateGuest(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

type statusRequest struct {
	Status     models.GuestStatus `json:"status"`
	Companions []string           `json:"companions,omitempty"`
	Notes      *string            `json:"notes,omitempty"`
}

func (s *Server) updateGuestStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	g, err := s.deps.Guests.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, storage.StatusPatch{
		Companions: req.Companions,
		Notes:      req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) resetGuest(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Guests.ResetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

// Dispatch

type dispatchRequest struct {
	GuestIDs []string             `json:"guest_ids,omitempty"`
	Statuses []models.GuestStatus `json:"statuses,omitempty"`
	Channels []models.Channel     `json:"channels"`
	Template string               `json:"template,omitempty"`
}

type batchView struct {
	dispatch.Progress
	Summary  []dispatch.ChannelSummary    `json:"summary,omitempty"`
	Attempts []models.NotificationAttempt `json:"attempts,omitempty"`
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.GuestIDs) > 0 {
		known := s.deps.Guests.ListGuests(storage.Filter{IDs: req.GuestIDs})
		if missing := missingIDs(req.GuestIDs, known); len(missing) > 0 {
			s.writeError(w, apperr.NotFound("unknown guests: %s", strings.Join(missing, ", ")))
			return
		}
	}
	guests := s.deps.Guests.ListGuests(storage.Filter{IDs: req.GuestIDs, Statuses: req.Statuses})
	b, err := s.deps.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Guests:   guests,
		Channels: req.Channels,
		Template: req.Template,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, b.Progress())
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.deps.Dispatcher.Batch(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, apperr.NotFound("batch %s not found", chi.URLParam(r, "id")))
		return
	}
	s.writeJSON(w, http.StatusOK, batchView{
		Progress: b.Progress(),
		Summary:  b.Summary(s.deps.Dispatcher.Channels()),
		Attempts: b.Attempts(),
	})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.deps.Dispatcher.Batch(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, apperr.NotFound("batch %s not found", chi.URLParam(r, "id")))
		return
	}
	if !b.Cancel() {
		s.writeError(w, apperr.New(apperr.CodeConflict, "batch %s can no longer be cancelled", b.ID))
		return
	}
	s.writeJSON(w, http.StatusOK, b.Progress())
}

// Codes

func (s *Server) listCodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.writeJSON(w, http.StatusOK, s.deps.Codes.List(codes.ListFilter{
		Status:  models.CodeStatus(q.Get("status")),
		Type:    models.CodeType(q.Get("type")),
		GuestID: q.Get("guest_id"),
	}))
}

func (s *Server) generateCodes(w http.ResponseWriter, r *http.Request) {
	var opts codes.GenerateOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Codes.Generate(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) codeStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Codes.Stats())
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) redeemCode(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Codes.Redeem(r.Context(), req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) getCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Codes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) revokeCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Codes.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) regenerateCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Codes.Regenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

// Reminders

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Reminders.List())
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	var in reminder.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	rem, err := s.deps.Reminders.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.deps.Reminders.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rem)
}

func (s *Server) updateReminder(w http.ResponseWriter, r *http.Request) {
	var in reminder.Input
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	rem, err := s.deps.Reminders.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rem)
}

func (s *Server) deactivateReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.deps.Reminders.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rem)
}

type toggleRequest struct {
	Active *bool `json:"active,omitempty"`
}

func (s *Server) toggleReminder(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	var (
		rem models.Reminder
		err error
	)
	if req.Active != nil {
		rem, err = s.deps.Reminders.SetActive(r.Context(), id, *req.Active)
	} else {
		rem, err = s.deps.Reminders.Toggle(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rem)
}

// executeReminder blocks until the run settles.
func (s *Server) executeReminder(w http.ResponseWriter, r *http.Request) {
	// The run keeps going if the client hangs up.
	records, err := s.deps.Reminders.Execute(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) reminderExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Reminders.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Reminders.Executions(id))
}

func splitList[T ~string](v string) []T {
	if v == "" {
		return nil
	}
	var out []T
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, T(part))
		}
	}
	return out
}

func missingIDs(ids []string, found []models.Guest) []string {
	have := make(map[string]bool, len(found))
	for _, g := range found {
		have[g.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
