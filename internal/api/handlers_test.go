// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/hass"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
	"github.com/wtthornton/ha-ingestor-sub013/internal/storage"
)

// fakeHealth returns a canned snapshot.
type fakeHealth struct {
	status models.HealthStatus
}

func (f *fakeHealth) Snapshot(context.Context) models.HealthSnapshot {
	return models.HealthSnapshot{
		Status: f.status,
		Components: map[string]models.ComponentHealth{
			"connection": {Healthy: true, Name: "connection", LastCheck: time.Now().UTC()},
			"storage":    {Healthy: true, Name: "storage", LastCheck: time.Now().UTC()},
		},
		Timestamp: time.Now().UTC(),
		Uptime:    12.5,
	}
}

// fakeStore returns canned events and can fail.
type fakeStore struct {
	events     []storage.StoredEvent
	stats      storage.StoreStats
	err        error
	lastFilter storage.EventFilter
}

func (f *fakeStore) QueryEvents(_ context.Context, filter storage.EventFilter) ([]storage.StoredEvent, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeStore) Stats(context.Context) (storage.StoreStats, error) {
	if f.err != nil {
		return storage.StoreStats{}, f.err
	}
	return f.stats, nil
}

type fakeWriterSource struct{ stats storage.WriterStats }

func (f *fakeWriterSource) Stats() storage.WriterStats { return f.stats }

type fakeConnSource struct{}

func (fakeConnSource) State() hass.ConnectionState { return hass.StateSubscribed }

func (fakeConnSource) Stats() (uint64, uint64, uint64) { return 2, 100, 1 }

type fakeSubSource struct{}

func (fakeSubSource) ActiveSubscriptions() []string { return []string{"state_changed"} }

func (fakeSubSource) Registry() ([]hass.RegistryEntry, time.Time) {
	return []hass.RegistryEntry{{EntityID: "light.kitchen", Platform: "hue"}}, time.Now().UTC()
}

type fakePipeSource struct{}

func (fakePipeSource) Stats() (int64, int64, int64) { return 100, 99, 1 }

type fakeRecent struct{ events []models.EnrichedEvent }

func (f *fakeRecent) Recent(n int) []models.EnrichedEvent {
	if n > len(f.events) {
		n = len(f.events)
	}
	return f.events[:n]
}

func (f *fakeRecent) Len() int { return len(f.events) }

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		DefaultPageSize: 100,
		MaxPageSize:     1000,
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
		CORSOrigins:     []string{"*"},
	}
}

func newTestRouter(health *fakeHealth, store *fakeStore) http.Handler {
	handler := NewHandler(
		testAPIConfig(),
		health,
		store,
		&fakeWriterSource{stats: storage.WriterStats{EventsReceived: 100, EventsFlushed: 99}},
		fakeConnSource{},
		fakeSubSource{},
		fakePipeSource{},
		&fakeRecent{},
	)
	return NewRouter(testAPIConfig(), handler)
}

func doRequest(t *testing.T, router http.Handler, method, path string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s %s: Content-Type = %q, want application/json", method, path, ct)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: body is not valid JSON: %v\n%s", method, path, err, rec.Body.String())
	}
	return rec, resp
}

// doRequestInto performs a request against an endpoint that serves a
// bare document and decodes the body into v.
func doRequestInto(t *testing.T, router http.Handler, method, path string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("%s %s: Content-Type = %q, want application/json", method, path, ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("%s %s: body is not valid JSON: %v\n%s", method, path, err, rec.Body.String())
	}
	return rec
}

func TestHealthEndpointStatusCodes(t *testing.T) {
	cases := []struct {
		status models.HealthStatus
		code   int
	}{
		{models.HealthHealthy, http.StatusOK},
		{models.HealthDegraded, http.StatusOK},
		{models.HealthUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			router := newTestRouter(&fakeHealth{status: tc.status}, &fakeStore{})
			var doc map[string]json.RawMessage
			rec := doRequestInto(t, router, http.MethodGet, "/health", &doc)
			if rec.Code != tc.code {
				t.Errorf("status code = %d, want %d", rec.Code, tc.code)
			}
			var verdict string
			if err := json.Unmarshal(doc["status"], &verdict); err != nil || verdict != string(tc.status) {
				t.Errorf("status field = %s, want %q", doc["status"], tc.status)
			}
		})
	}
}

func TestHealthDocumentShape(t *testing.T) {
	// The verdict is the top-level status field and each subsystem is a
	// sibling key, not nested under an envelope or a components object.
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, &fakeStore{})
	var doc map[string]json.RawMessage
	doRequestInto(t, router, http.MethodGet, "/health", &doc)

	for _, key := range []string{"status", "timestamp", "uptime_seconds", "connection", "storage"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("health document missing %q key: %v", key, keys(doc))
		}
	}
	for _, key := range []string{"data", "components"} {
		if _, ok := doc[key]; ok {
			t.Errorf("health document must not nest under %q", key)
		}
	}

	var comp models.ComponentHealth
	if err := json.Unmarshal(doc["connection"], &comp); err != nil {
		t.Fatalf("decode connection subsystem: %v", err)
	}
	if !comp.Healthy || comp.Name != "connection" {
		t.Errorf("connection subsystem = %+v", comp)
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLivenessAndReadiness(t *testing.T) {
	router := newTestRouter(&fakeHealth{status: models.HealthUnhealthy}, &fakeStore{})

	rec, _ := doRequest(t, router, http.MethodGet, "/health/live")
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200 even when unhealthy", rec.Code)
	}

	rec, resp := doRequest(t, router, http.MethodGet, "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d, want 503 when unhealthy", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "NOT_READY" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestEventsEndpoint(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{
		events: []storage.StoredEvent{
			{ID: "1", EntityID: "light.kitchen", EventType: "state_changed", Occurred: now},
		},
	}
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, store)

	var got []storage.StoredEvent
	rec := doRequestInto(t, router, http.MethodGet,
		"/events?entity_id=light.kitchen&limit=5000&offset=-3&since=2026-08-25T00:00:00Z", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// The body is the array itself.
	if len(got) != 1 || got[0].EntityID != "light.kitchen" {
		t.Errorf("events = %+v", got)
	}

	// Limit clamped to max, negative offset clamped to zero.
	if store.lastFilter.Limit != 1000 {
		t.Errorf("limit = %d, want clamped to 1000", store.lastFilter.Limit)
	}
	if store.lastFilter.Offset != 0 {
		t.Errorf("offset = %d, want 0", store.lastFilter.Offset)
	}
	if store.lastFilter.EntityID != "light.kitchen" {
		t.Errorf("entity filter = %q", store.lastFilter.EntityID)
	}
	if store.lastFilter.Since.IsZero() {
		t.Error("since filter not parsed")
	}
}

func TestRecentEventsServesBareArray(t *testing.T) {
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, &fakeStore{})

	var got []models.EnrichedEvent
	rec := doRequestInto(t, router, http.MethodGet, "/events/recent", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// Empty ring still answers [], never null or an envelope.
	if body := rec.Body.String(); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestEventsEndpointQueryFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("db gone")}
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, store)

	rec, resp := doRequest(t, router, http.MethodGet, "/events")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "QUERY_FAILED" {
		t.Errorf("error = %+v", resp.Error)
	}
	// The failure body is still JSON with the envelope, never HTML.
	if resp.Status != "error" {
		t.Errorf("envelope status = %q", resp.Status)
	}
}

func TestStatsEndpoint(t *testing.T) {
	last := time.Now().UTC()
	store := &fakeStore{stats: storage.StoreStats{
		TotalEvents:     420,
		EventsPerMinute: 7,
		LastEventTime:   &last,
	}}
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, store)

	var snap models.StatsSnapshot
	rec := doRequestInto(t, router, http.MethodGet, "/stats", &snap)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if snap.TotalEvents != 420 || snap.EventsPerMinute != 7 {
		t.Errorf("stats = %+v", snap)
	}
	if snap.Services["websocket"] == nil || snap.Services["storage"] == nil || snap.Services["pipeline"] == nil {
		t.Errorf("services missing: %v", snap.Services)
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, &fakeStore{})

	rec, resp := doRequest(t, router, http.MethodGet, "/no/such/route")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("error = %+v", resp.Error)
	}

	rec, resp = doRequest(t, router, http.MethodPost, "/events")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "METHOD_NOT_ALLOWED" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRegistryEndpoint(t *testing.T) {
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, &fakeStore{})

	rec, resp := doRequest(t, router, http.MethodGet, "/registry")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data, _ := json.Marshal(resp.Data)
	var payload struct {
		Entities []hass.RegistryEntry `json:"entities"`
		Count    int                  `json:"count"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode registry: %v", err)
	}
	if payload.Count != 1 || payload.Entities[0].EntityID != "light.kitchen" {
		t.Errorf("registry = %+v", payload)
	}
}

func TestRequestIDHeader(t *testing.T) {
	router := newTestRouter(&fakeHealth{status: models.HealthHealthy}, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not assigned")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want client value echoed", got)
	}
}

func TestPanicBecomesJSON500(t *testing.T) {
	// A handler panic must surface as a JSON error, not chi's text page.
	store := &fakeStore{}
	handler := NewHandler(testAPIConfig(), &panickyHealth{}, store,
		&fakeWriterSource{}, fakeConnSource{}, fakeSubSource{}, fakePipeSource{}, &fakeRecent{})
	router := NewRouter(testAPIConfig(), handler)

	rec, resp := doRequest(t, router, http.MethodGet, "/health")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("error = %+v", resp.Error)
	}
}

type panickyHealth struct{}

func (panickyHealth) Snapshot(context.Context) models.HealthSnapshot {
	panic("boom")
}
