package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homematch/internal/http/handlers"
	httpmiddleware "homematch/internal/http/middleware"
	"homematch/internal/infra"
	"homematch/internal/modules/aiusage"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/location"
	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// stubTokenVerifier maps raw tokens to callers.
type stubTokenVerifier map[string]*infra.FirebaseToken

func (s stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	if t, ok := s[raw]; ok {
		return t, nil
	}
	return nil, errors.New("unknown token")
}

var verifier = stubTokenVerifier{
	"customer": {UID: "cust-1", Claims: map[string]interface{}{}},
	"pro-a":    {UID: "a", Claims: map[string]interface{}{"role": "contractor"}},
	"pro-b":    {UID: "b", Claims: map[string]interface{}{"role": "contractor"}},
}

type chanNotifier chan dispatch.Offer

func (n chanNotifier) NotifyOffer(_ context.Context, o dispatch.Offer) error {
	n <- o
	return nil
}

// plumbingClassifier triages every description as a standard plumbing job.
type plumbingClassifier struct{}

func (plumbingClassifier) Classify(context.Context, string) (matching.Classification, error) {
	return matching.Classification{Service: "plumbing", Urgency: matching.UrgencyStandard}, nil
}

var origin = types.Point{Lat: 40.7128, Lng: -74.0060}

func profile(id string, latOffset float64) contractor.Profile {
	hours := contractor.WeeklyAvailability{}
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday"} {
		hours[d] = contractor.DayWindow{Available: true, Start: "08:00", End: "18:00"}
	}
	return contractor.Profile{
		ID:                  types.ID(id),
		Location:            types.Point{Lat: origin.Lat + latOffset, Lng: origin.Lng},
		Services:            []string{"plumbing"},
		Rating:              4.6,
		CompletedJobs:       40,
		ResponseTimeMinutes: 15,
		AcceptanceRate:      0.9,
		HourlyRate:          85,
		MaxConcurrentJobs:   2,
		Availability:        hours,
	}
}

// 2026-10-12 is a Monday.
func jobRequest(id string) map[string]any {
	return map[string]any{
		"id":                       id,
		"service":                  "plumbing",
		"location":                 map[string]float64{"lat": origin.Lat, "lng": origin.Lng},
		"requested_at":             "2026-10-12T10:00:00Z",
		"urgency":                  "standard",
		"estimated_duration_hours": 2,
		"price_range":              map[string]float64{"min": 50, "max": 120},
	}
}

// eventLog keeps dispatch audit rows in memory.
type eventLog struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (l *eventLog) AppendEvent(_ context.Context, e *dispatch.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = int64(len(l.events) + 1)
	l.events = append(l.events, *e)
	return nil
}

func (l *eventLog) ListEvents(_ context.Context, id types.ID) ([]dispatch.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dispatch.Event
	for _, e := range l.events {
		if e.DispatchID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	router   *gin.Engine
	offers   chanNotifier
	dispatch *dispatch.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	pool := []contractor.Profile{profile("a", 0.02), profile("b", 0.1)}
	matchSvc := matching.NewService(contractor.NewMemorySource(pool), matching.NewMatcher(matching.DefaultOptions()), log, nil)
	matchSvc.UseClassifier(plumbingClassifier{})
	quota := aiusage.NewService(aiusage.NewMemoryLedger(), 1)

	offers := make(chanNotifier, 8)
	broker := dispatch.NewMemoryBroker()
	dispatchSvc := dispatch.NewService(dispatch.ServiceDeps{
		Channel: dispatch.NewNotifyingChannel(offers, broker, log),
		Broker:  broker,
		Events:  &eventLog{},
	}, dispatch.Config{OfferTimeout: 2 * time.Second}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatchSvc.Shutdown(ctx)
	})

	r := gin.New()
	r.Use(httpmiddleware.Auth(verifier))
	mh := handlers.NewMatchHandler(matchSvc, quota)
	dh := handlers.NewDispatchHandler(matchSvc, dispatchSvc, quota)
	lh := handlers.NewLocationHandler(location.NewService(nil, nil, 0))
	r.POST("/api/matches", mh.Match)
	r.POST("/api/matches/batch", mh.Batch)
	r.POST("/api/dispatches", dh.Create)
	r.GET("/api/dispatches/:id", dh.Get)
	r.GET("/api/dispatches/:id/events", dh.Events)
	r.POST("/api/dispatches/:id/cancel", dh.Cancel)
	r.POST("/api/offers/:id/respond", httpmiddleware.RequireRole(httpmiddleware.RoleContractor), dh.Respond)
	r.POST("/api/contractors/location", httpmiddleware.RequireRole(httpmiddleware.RoleContractor), lh.Update)
	return fixture{router: r, offers: offers, dispatch: dispatchSvc}
}

func doRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func nextOffer(t *testing.T, f fixture) dispatch.Offer {
	t.Helper()
	select {
	case o := <-f.offers:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("no offer delivered")
	}
	return dispatch.Offer{}
}

// ---------------------------------------------------------------------------
// Matching
// ---------------------------------------------------------------------------

func TestMatch_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": jobRequest("r1")}, "forged")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMatch_RanksRegistry(t *testing.T) {
	f := newFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": jobRequest("r1"), "limit": 5}, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out matching.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Matches) != 2 || out.Matches[0].ContractorID != "a" {
		t.Fatalf("matches = %+v, want a then b", out.Matches)
	}
	if out.Matches[0].Score < out.Matches[1].Score {
		t.Errorf("matches not sorted by score")
	}
}

func TestMatch_InlineContractors(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"request": jobRequest("r1"), "contractors": []contractor.Profile{profile("z", 0.05)}}
	w := doRequest(f.router, http.MethodPost, "/api/matches", body, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out matching.Outcome
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Matches) != 1 || out.Matches[0].ContractorID != "z" {
		t.Fatalf("matches = %+v, want only z", out.Matches)
	}
}

func TestMatch_BadRequests(t *testing.T) {
	f := newFixture(t)
	badCoords := jobRequest("r1")
	badCoords["location"] = map[string]float64{"lat": 123, "lng": 0}
	noService := jobRequest("r2")
	delete(noService, "service")
	badID := jobRequest("../etc")

	for name, body := range map[string]any{
		"bad coordinates": map[string]any{"request": badCoords},
		"missing service": map[string]any{"request": noService},
		"bad id":          map[string]any{"request": badID},
	} {
		t.Run(name, func(t *testing.T) {
			if w := doRequest(f.router, http.MethodPost, "/api/matches", body, "customer"); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestBatch_OneResultPerRequest(t *testing.T) {
	f := newFixture(t)
	bad := jobRequest("r2")
	bad["urgency"] = "whenever"
	w := doRequest(f.router, http.MethodPost, "/api/matches/batch",
		map[string]any{"requests": []any{jobRequest("r1"), bad}}, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Results []matching.BatchResult `json:"results"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(out.Results))
	}
	if len(out.Results[0].Matches) != 2 || out.Results[0].Error != "" {
		t.Errorf("first result = %+v", out.Results[0])
	}
	if out.Results[1].Error == "" || len(out.Results[1].Matches) != 0 {
		t.Errorf("second result should carry an error, got %+v", out.Results[1])
	}

	if w := doRequest(f.router, http.MethodPost, "/api/matches/batch", map[string]any{"requests": []any{}}, "customer"); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatch_AcceptFlow(t *testing.T) {
	f := newFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/dispatches", map[string]any{"request": jobRequest("job-1")}, "customer")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var started struct {
		DispatchID string `json:"dispatch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &started)

	if w := doRequest(f.router, http.MethodPost, "/api/dispatches", map[string]any{"request": jobRequest("job-1")}, "customer"); w.Code != http.StatusConflict {
		t.Errorf("second dispatch of job-1: expected 409, got %d", w.Code)
	}

	offer := nextOffer(t, f)
	path := "/api/offers/" + string(offer.ID) + "/respond"
	if w := doRequest(f.router, http.MethodPost, path, map[string]any{"accept": true}, "customer"); w.Code != http.StatusForbidden {
		t.Errorf("customer respond: expected 403, got %d", w.Code)
	}
	if w := doRequest(f.router, http.MethodPost, path, map[string]any{"accept": true}, "pro-b"); w.Code != http.StatusForbidden {
		t.Errorf("wrong contractor: expected 403, got %d", w.Code)
	}
	if w := doRequest(f.router, http.MethodPost, path, map[string]any{}, "pro-a"); w.Code != http.StatusBadRequest {
		t.Errorf("missing accept: expected 400, got %d", w.Code)
	}
	if w := doRequest(f.router, http.MethodPost, path, map[string]any{"accept": true}, "pro-a"); w.Code != http.StatusAccepted {
		t.Fatalf("accept: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.dispatch.Wait(ctx, types.ID(started.DispatchID)); err != nil {
		t.Fatalf("wait: %v", err)
	}

	w = doRequest(f.router, http.MethodGet, "/api/dispatches/"+started.DispatchID, nil, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var res dispatch.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != dispatch.StatusAccepted || res.ContractorID != "a" || res.AttemptedCount != 1 {
		t.Errorf("result = %+v", res)
	}

	if w := doRequest(f.router, http.MethodPost, "/api/dispatches/"+started.DispatchID+"/cancel", nil, "customer"); w.Code != http.StatusConflict {
		t.Errorf("cancel finished: expected 409, got %d", w.Code)
	}
	if w := doRequest(f.router, http.MethodPost, path, map[string]any{"accept": true}, "pro-a"); w.Code != http.StatusNotFound {
		t.Errorf("respond to closed offer: expected 404, got %d", w.Code)
	}

	w = doRequest(f.router, http.MethodGet, "/api/dispatches/"+started.DispatchID+"/events", nil, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	var trail struct {
		Events []struct {
			ToState string `json:"to_state"`
		} `json:"events"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &trail)
	want := []string{"offered", "accepted", "accepted"}
	if len(trail.Events) != len(want) {
		t.Fatalf("events = %+v, want states %v", trail.Events, want)
	}
	for i, e := range trail.Events {
		if e.ToState != want[i] {
			t.Errorf("event %d = %s, want %s", i, e.ToState, want[i])
		}
	}
	if w := doRequest(f.router, http.MethodGet, "/api/dispatches/missing-id/events", nil, "customer"); w.Code != http.StatusNotFound {
		t.Errorf("events of missing dispatch: expected 404, got %d", w.Code)
	}
}

func TestDispatch_Cancel(t *testing.T) {
	f := newFixture(t)
	w := doRequest(f.router, http.MethodPost, "/api/dispatches", map[string]any{"request": jobRequest("job-2")}, "customer")
	var started struct {
		DispatchID string `json:"dispatch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &started)
	nextOffer(t, f)

	w = doRequest(f.router, http.MethodPost, "/api/dispatches/"+started.DispatchID+"/cancel", nil, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", w.Code)
	}
	var res dispatch.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != dispatch.StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if w := doRequest(f.router, http.MethodGet, "/api/dispatches/missing-id", nil, "customer"); w.Code != http.StatusNotFound {
		t.Errorf("missing dispatch: expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Triage quota
// ---------------------------------------------------------------------------

func TestMatch_TriageQuota(t *testing.T) {
	f := newFixture(t)
	described := jobRequest("")
	delete(described, "id")
	delete(described, "service")
	described["description"] = "water pouring from under the kitchen sink"

	w := doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": described}, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("first triage: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out matching.Outcome
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Request.Service != "plumbing" || !out.Triaged {
		t.Errorf("request not triaged: %+v", out.Request)
	}

	w = doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": described}, "customer")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second triage: expected 429, got %d", w.Code)
	}

	// requests that name a service are never charged
	w = doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": jobRequest("r9")}, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("classified request: expected 200, got %d", w.Code)
	}
}

func describedRequest() map[string]any {
	r := jobRequest("")
	delete(r, "id")
	delete(r, "service")
	r["description"] = "water pouring from under the kitchen sink"
	return r
}

func TestMatch_TriageNotChargedForBadInput(t *testing.T) {
	f := newFixture(t)
	bad := describedRequest()
	bad["location"] = map[string]float64{"lat": 123, "lng": 0}

	w := doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": bad}, "customer")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad location: expected 400, got %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(f.router, http.MethodPost, "/api/dispatches", map[string]any{"request": bad}, "customer")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad dispatch: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// the single allowance is still there
	w = doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": describedRequest()}, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("valid triage: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMatch_TriageBatchRefunds(t *testing.T) {
	f := newFixture(t)

	// second request exhausts the allowance; the first unit comes back
	body := map[string]any{"requests": []map[string]any{describedRequest(), describedRequest()}}
	w := doRequest(f.router, http.MethodPost, "/api/matches/batch", body, "customer")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-quota batch: expected 429, got %d: %s", w.Code, w.Body.String())
	}

	// an invalid request in the batch is reported in its slot and not charged
	bad := describedRequest()
	bad["price_range"] = map[string]float64{"min": 100, "max": 10}
	body = map[string]any{"requests": []map[string]any{bad, describedRequest()}}
	w = doRequest(f.router, http.MethodPost, "/api/matches/batch", body, "customer")
	if w.Code != http.StatusOK {
		t.Fatalf("mixed batch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out struct {
		Results []matching.BatchResult `json:"results"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Results) != 2 || out.Results[0].Error == "" || out.Results[1].Error != "" {
		t.Fatalf("unexpected batch results: %s", w.Body.String())
	}

	w = doRequest(f.router, http.MethodPost, "/api/matches", map[string]any{"request": describedRequest()}, "customer")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("allowance should be spent by the mixed batch, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Location
// ---------------------------------------------------------------------------

func TestLocation_Update(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		body  map[string]any
		token string
		want  int
	}{
		{"customer forbidden", map[string]any{"lat": 40.7, "lng": -74.0}, "customer", http.StatusForbidden},
		{"missing coordinates", map[string]any{"seq": 1}, "pro-a", http.StatusBadRequest},
		{"out of range", map[string]any{"lat": 123.0, "lng": 0.0}, "pro-a", http.StatusBadRequest},
		{"accepted", map[string]any{"seq": 1, "lat": 40.7, "lng": -74.0}, "pro-a", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(f.router, http.MethodPost, "/api/contractors/location", tt.body, tt.token)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w := doRequest(f.router, http.MethodPost, "/api/contractors/location", map[string]any{"seq": 1, "lat": 40.7, "lng": -74.0}, "pro-a")
	var res location.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Accepted || res.Reason != location.ReasonStale {
		t.Errorf("replayed seq should be stale: %+v", res)
	}
}
