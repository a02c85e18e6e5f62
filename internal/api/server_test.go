package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wedding-campaign/internal/codes"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/kvstore"
	"wedding-campaign/internal/message"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/reminder"
	"wedding-campaign/internal/stats"
	"wedding-campaign/internal/storage"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

type testServer struct {
	*Server
	deps Deps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, []dispatch.Adapter{dispatch.Manual{}}, Options{})
}

func newTestServerWith(t *testing.T, adapters []dispatch.Adapter, opts Options) *testServer {
	t.Helper()
	ctx := context.Background()
	kv := kvstore.NewMemoryStore()
	log := zerolog.Nop()

	guests, err := storage.NewStorage(ctx, kv, storage.Options{Logger: log})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	registry, err := codes.NewRegistry(ctx, kv, guests, codes.Options{Logger: log})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	disp := dispatch.New(guests, message.NewRenderer(message.Event{}), adapters, dispatch.Options{Logger: log})
	sched, err := reminder.NewScheduler(ctx, kv, guests, disp, reminder.Options{
		EventDate: time.Now().AddDate(0, 1, 0),
		Logger:    log,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	deps := Deps{
		Guests:     guests,
		Codes:      registry,
		Dispatcher: disp,
		Reminders:  sched,
		Stats:      stats.NewAggregator(guests),
	}
	opts.Logger = log
	return &testServer{Server: NewServer(deps, opts), deps: deps}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
	return v
}

func (s *testServer) addGuest(t *testing.T, name, phone string) models.Guest {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/guests", storage.GuestInput{Name: name, Phone: phone})
	if code != http.StatusCreated {
		t.Fatalf("add guest: expected 201, got %d (%+v)", code, env.Error)
	}
	return decode[models.Guest](t, env)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected health response %d %+v", code, env)
	}
}

func TestGuestLifecycle(t *testing.T) {
	s := newTestServer(t)
	dana := s.addGuest(t, "Dana", "052-123-4567")
	s.addGuest(t, "Yossi", "052-765-4321")

	code, env := s.do(t, http.MethodPost, "/api/guests", storage.GuestInput{Name: "Dup", Phone: "0521234567"})
	if code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "validation" {
		t.Fatalf("expected duplicate phone to be a validation error, got %d %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodPatch, "/api/guests/"+dana.ID+"/status", statusRequest{
		Status:     models.StatusConfirmed,
		Companions: []string{"Avi"},
	})
	if code != http.StatusOK {
		t.Fatalf("confirm: got %d %+v", code, env.Error)
	}
	if g := decode[models.Guest](t, env); g.Status != models.StatusConfirmed || len(g.Companions) != 1 {
		t.Fatalf("unexpected guest after confirm %+v", g)
	}

	code, env = s.do(t, http.MethodPatch, "/api/guests/"+dana.ID+"/status", statusRequest{Status: models.StatusDeclined})
	if code != http.StatusBadRequest {
		t.Fatalf("switching answers without a reset should fail, got %d", code)
	}

	code, env = s.do(t, http.MethodPost, "/api/guests/"+dana.ID+"/reset", nil)
	if code != http.StatusOK || decode[models.Guest](t, env).Status != models.StatusPending {
		t.Fatalf("reset: got %d %s", code, env.Data)
	}

	_, env = s.do(t, http.MethodGet, "/api/guests?status=pending&search=yos", nil)
	if list := decode[[]models.Guest](t, env); len(list) != 1 || list[0].Name != "Yossi" {
		t.Fatalf("unexpected filtered list %+v", list)
	}

	_, env = s.do(t, http.MethodGet, "/api/stats", nil)
	if st := decode[stats.Stats](t, env); st.Total != 2 || st.Pending != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBulkAddReportsPartialFailure(t *testing.T) {
	s := newTestServer(t)
	code, env := s.do(t, http.MethodPost, "/api/guests/bulk", bulkRequest{Guests: []storage.GuestInput{
		{Name: "Dana", Phone: "0521234567"},
		{Name: "", Phone: "0527654321"},
		{Name: "Noa", Phone: "0529999999"},
	}})
	if code != http.StatusOK {
		t.Fatalf("bulk add: got %d %+v", code, env.Error)
	}
	res := decode[storage.BulkResult](t, env)
	if res.SuccessCount != 2 || res.FailedCount != 1 || len(res.Errors) != 1 || res.Errors[0].Index != 1 {
		t.Fatalf("unexpected bulk result %+v", res)
	}

	code, _ = s.do(t, http.MethodPost, "/api/guests/bulk", bulkRequest{})
	if code != http.StatusBadRequest {
		t.Fatalf("empty bulk should be rejected, got %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown guest", http.MethodGet, "/api/guests/nope", nil, http.StatusNotFound, "not_found"},
		{"missing body", http.MethodPost, "/api/guests", nil, http.StatusBadRequest, "validation"},
		{"bad query", http.MethodGet, "/api/guests?without_code=maybe", nil, http.StatusBadRequest, "validation"},
		{"unknown code", http.MethodPost, "/api/codes/redeem", redeemRequest{Code: "NOPE1234"}, http.StatusNotFound, "invalid_code"},
		{"unknown batch", http.MethodGet, "/api/dispatch/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown reminder", http.MethodGet, "/api/reminders/nope/executions", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, tt.method, tt.path, tt.body)
			if code != tt.status || env.Success || env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("expected %d/%s, got %d %+v", tt.status, tt.code, code, env.Error)
			}
		})
	}
}

func TestDispatchFlow(t *testing.T) {
	s := newTestServer(t)
	dana := s.addGuest(t, "Dana", "0521234567")
	s.addGuest(t, "Yossi", "0527654321")

	code, env := s.do(t, http.MethodPost, "/api/dispatch", dispatchRequest{
		GuestIDs: []string{dana.ID, "ghost"},
		Channels: []models.Channel{models.ChannelManual},
	})
	if code != http.StatusNotFound {
		t.Fatalf("unknown guest ids should be rejected, got %d", code)
	}

	code, env = s.do(t, http.MethodPost, "/api/dispatch", dispatchRequest{Channels: []models.Channel{models.ChannelManual}})
	if code != http.StatusAccepted {
		t.Fatalf("dispatch: got %d %+v", code, env.Error)
	}
	p := decode[dispatch.Progress](t, env)
	if p.Total != 2 {
		t.Fatalf("expected 2 attempts, got %+v", p)
	}

	b, ok := s.deps.Dispatcher.Batch(p.BatchID)
	if !ok {
		t.Fatalf("batch %s not retained", p.BatchID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	_, env = s.do(t, http.MethodGet, "/api/dispatch/"+p.BatchID, nil)
	view := decode[batchView](t, env)
	if view.State != dispatch.StateCompleted || view.Succeeded != 2 || len(view.Attempts) != 2 {
		t.Fatalf("unexpected batch view %+v", view)
	}

	code, env = s.do(t, http.MethodPost, "/api/dispatch/"+p.BatchID+"/cancel", nil)
	if code != http.StatusConflict || env.Error.Code != "conflict" {
		t.Fatalf("cancelling a finished batch should conflict, got %d %+v", code, env.Error)
	}

	_, env = s.do(t, http.MethodGet, "/api/stats", nil)
	if st := decode[stats.Stats](t, env); st.Invited != 2 || st.NotInvited != 0 {
		t.Fatalf("unexpected stats after dispatch %+v", st)
	}
}

func TestDispatchStatusFilterWithIDs(t *testing.T) {
	s := newTestServer(t)
	dana := s.addGuest(t, "Dana", "0521234567")
	yossi := s.addGuest(t, "Yossi", "0527654321")
	code, env := s.do(t, http.MethodPatch, "/api/guests/"+yossi.ID+"/status", statusRequest{Status: models.StatusConfirmed})
	if code != http.StatusOK {
		t.Fatalf("update status: got %d %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodPost, "/api/dispatch", dispatchRequest{
		GuestIDs: []string{dana.ID, yossi.ID},
		Statuses: []models.GuestStatus{models.StatusPending},
		Channels: []models.Channel{models.ChannelManual},
	})
	if code != http.StatusAccepted {
		t.Fatalf("filtered-out guests are known, expected 202, got %d %+v", code, env.Error)
	}
	if p := decode[dispatch.Progress](t, env); p.Total != 1 {
		t.Fatalf("expected only the pending guest to be targeted, got %+v", p)
	}
}

func TestCodesFlow(t *testing.T) {
	s := newTestServer(t)
	s.addGuest(t, "Dana", "0521234567")

	code, env := s.do(t, http.MethodPost, "/api/codes", codes.GenerateOptions{
		Quantity:       2,
		Length:         6,
		MaxUses:        1,
		Type:           models.CodeIndividual,
		AssignToGuests: true,
	})
	if code != http.StatusCreated {
		t.Fatalf("generate: got %d %+v", code, env.Error)
	}
	res := decode[codes.GenerateResult](t, env)
	if len(res.Codes) != 2 || res.Assigned != 1 {
		t.Fatalf("unexpected generate result %+v", res)
	}
	first, second := res.Codes[0], res.Codes[1]

	code, env = s.do(t, http.MethodPost, "/api/codes/redeem", redeemRequest{Code: first.Code})
	if code != http.StatusOK {
		t.Fatalf("redeem: got %d %+v", code, env.Error)
	}
	if r := decode[codes.RedemptionResult](t, env); r.RemainingUses != 0 || r.Guest == nil || r.Guest.Name != "Dana" {
		t.Fatalf("unexpected redemption %+v", r)
	}
	code, env = s.do(t, http.MethodPost, "/api/codes/redeem", redeemRequest{Code: first.Code})
	if code != http.StatusConflict || env.Error.Code != "exhausted" {
		t.Fatalf("second redemption should be exhausted, got %d %+v", code, env.Error)
	}

	code, _ = s.do(t, http.MethodPost, "/api/codes/"+second.ID+"/revoke", nil)
	if code != http.StatusOK {
		t.Fatalf("revoke: got %d", code)
	}
	code, env = s.do(t, http.MethodPost, "/api/codes/redeem", redeemRequest{Code: second.Code})
	if code != http.StatusGone || env.Error.Code != "revoked" {
		t.Fatalf("revoked code should be gone, got %d %+v", code, env.Error)
	}

	code, env = s.do(t, http.MethodPost, "/api/codes/"+second.ID+"/regenerate", nil)
	if code != http.StatusOK {
		t.Fatalf("regenerate: got %d %+v", code, env.Error)
	}
	if c := decode[models.InvitationCode](t, env); c.Code == second.Code || c.Status != models.CodeActive {
		t.Fatalf("unexpected regenerated code %+v", c)
	}

	_, env = s.do(t, http.MethodGet, "/api/codes?status=used", nil)
	if list := decode[[]models.InvitationCode](t, env); len(list) != 1 || list[0].ID != first.ID {
		t.Fatalf("unexpected used codes %+v", list)
	}
	_, env = s.do(t, http.MethodGet, "/api/codes/stats", nil)
	if st := decode[codes.CodeStats](t, env); st.Total != 2 || st.Used != 1 || st.Active != 1 {
		t.Fatalf("unexpected code stats %+v", st)
	}
}

func TestReminderFlow(t *testing.T) {
	s := newTestServer(t)
	s.addGuest(t, "Dana", "0521234567")

	code, env := s.do(t, http.MethodPost, "/api/reminders", reminder.Input{
		Name:           "One week out",
		TriggerType:    models.TriggerDaysBeforeEvent,
		TriggerValue:   "7",
		Channels:       []models.Channel{models.ChannelManual},
		TargetAudience: models.AudiencePending,
		Template:       "Hi {name}",
	})
	if code != http.StatusCreated {
		t.Fatalf("create: got %d %+v", code, env.Error)
	}
	rem := decode[models.Reminder](t, env)
	if !rem.IsActive {
		t.Fatalf("new reminders should be active")
	}

	inactive := false
	code, env = s.do(t, http.MethodPost, "/api/reminders/"+rem.ID+"/toggle", toggleRequest{Active: &inactive})
	if code != http.StatusOK || decode[models.Reminder](t, env).IsActive {
		t.Fatalf("toggle off: got %d %s", code, env.Data)
	}
	code, env = s.do(t, http.MethodPost, "/api/reminders/"+rem.ID+"/toggle", nil)
	if code != http.StatusOK || !decode[models.Reminder](t, env).IsActive {
		t.Fatalf("bare toggle should flip back on: got %d %s", code, env.Data)
	}

	code, env = s.do(t, http.MethodPost, "/api/reminders/"+rem.ID+"/execute", nil)
	if code != http.StatusOK {
		t.Fatalf("execute: got %d %+v", code, env.Error)
	}
	records := decode[[]models.ExecutionRecord](t, env)
	if len(records) != 1 || records[0].TargetCount != 1 || records[0].SentCount != 1 {
		t.Fatalf("unexpected execution records %+v", records)
	}

	_, env = s.do(t, http.MethodGet, "/api/reminders/"+rem.ID+"/executions", nil)
	if got := decode[[]models.ExecutionRecord](t, env); len(got) != 1 {
		t.Fatalf("expected one stored execution, got %d", len(got))
	}

	code, env = s.do(t, http.MethodDelete, "/api/reminders/"+rem.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("delete: got %d", code)
	}
	_, env = s.do(t, http.MethodGet, "/api/reminders/"+rem.ID, nil)
	if got := decode[models.Reminder](t, env); got.IsActive || got.TotalSent != 1 {
		t.Fatalf("delete should deactivate and keep counters, got %+v", got)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	s := NewServer(newTestServer(t).deps, Options{
		AllowedOrigins: []string{"https://admin.example.com"},
		Logger:         zerolog.Nop(),
	})
	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials should be allowed for explicit origins")
	}
}

func TestExecuteOutlivesRequestTimeout(t *testing.T) {
	slow := dispatch.AdapterFunc(models.ChannelManual, func(ctx context.Context, _ dispatch.Message) (models.AttemptStatus, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return models.AttemptDelivered, nil
		case <-ctx.Done():
			return models.AttemptFailed, ctx.Err()
		}
	})
	s := newTestServerWith(t, []dispatch.Adapter{slow}, Options{Timeout: 20 * time.Millisecond})
	ctx := context.Background()
	for _, in := range []storage.GuestInput{
		{Name: "Dana", Phone: "0521234567"},
		{Name: "Yossi", Phone: "0527654321"},
		{Name: "Noa", Phone: "0541112233"},
	} {
		if _, err := s.deps.Guests.AddGuest(ctx, in); err != nil {
			t.Fatalf("add guest: %v", err)
		}
	}
	rem, err := s.deps.Reminders.Create(ctx, reminder.Input{
		Name:           "Nudge",
		TriggerType:    models.TriggerDaysBeforeEvent,
		TriggerValue:   "7",
		Channels:       []models.Channel{models.ChannelManual},
		TargetAudience: models.AudiencePending,
		Template:       "Hi {name}",
	})
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	code, env := s.do(t, http.MethodPost, "/api/reminders/"+rem.ID+"/execute", nil)
	if code != http.StatusOK {
		t.Fatalf("execute: got %d %+v", code, env.Error)
	}
	records := decode[[]models.ExecutionRecord](t, env)
	if len(records) != 1 || records[0].Outcome != models.OutcomeSuccess || records[0].SentCount != 3 {
		t.Fatalf("expected every send to finish, got %+v", records)
	}
}
