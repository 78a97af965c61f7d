package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matt-riley/canaryz/internal/core"
	"github.com/matt-riley/canaryz/internal/experiment"
	"github.com/matt-riley/canaryz/internal/flags"
	"github.com/matt-riley/canaryz/internal/repository"
	"github.com/matt-riley/canaryz/internal/rollout"
)

type fakeFlagService struct {
	createFlagFunc           func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	updateFlagFunc           func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	getFlagFunc              func(ctx context.Context, key string) (repository.Flag, error)
	listFlagsFunc            func(ctx context.Context) ([]repository.Flag, error)
	deleteFlagFunc           func(ctx context.Context, key string) error
	setEnabledFunc           func(ctx context.Context, key string, enabled bool) (repository.Flag, error)
	setRolloutPercentageFunc func(ctx context.Context, key string, percentage float64) (repository.Flag, error)
	createExperimentFunc     func(ctx context.Context, key string, exp core.Experiment) (repository.Flag, error)
	isEnabledFunc            func(ctx context.Context, key, userID string, attributes map[string]any) bool
	variantFunc              func(ctx context.Context, key, userID string) string
}

func (f *fakeFlagService) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	return f.createFlagFunc(ctx, flag)
}

func (f *fakeFlagService) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	return f.updateFlagFunc(ctx, flag)
}

func (f *fakeFlagService) GetFlag(ctx context.Context, key string) (repository.Flag, error) {
	if f.getFlagFunc == nil {
		return repository.Flag{Key: key}, nil
	}
	return f.getFlagFunc(ctx, key)
}

func (f *fakeFlagService) ListFlags(ctx context.Context) ([]repository.Flag, error) {
	return f.listFlagsFunc(ctx)
}

func (f *fakeFlagService) DeleteFlag(ctx context.Context, key string) error {
	return f.deleteFlagFunc(ctx, key)
}

func (f *fakeFlagService) SetEnabled(ctx context.Context, key string, enabled bool) (repository.Flag, error) {
	return f.setEnabledFunc(ctx, key, enabled)
}

func (f *fakeFlagService) SetRolloutPercentage(ctx context.Context, key string, percentage float64) (repository.Flag, error) {
	return f.setRolloutPercentageFunc(ctx, key, percentage)
}

func (f *fakeFlagService) CreateExperiment(ctx context.Context, key string, exp core.Experiment) (repository.Flag, error) {
	return f.createExperimentFunc(ctx, key, exp)
}

func (f *fakeFlagService) IsEnabled(ctx context.Context, key, userID string, attributes map[string]any) bool {
	if f.isEnabledFunc == nil {
		return false
	}
	return f.isEnabledFunc(ctx, key, userID, attributes)
}

func (f *fakeFlagService) Variant(ctx context.Context, key, userID string) string {
	if f.variantFunc == nil {
		return ""
	}
	return f.variantFunc(ctx, key, userID)
}

type trackedEvent struct {
	flagKey    string
	userID     string
	event      string
	properties map[string]any
}

type fakeTracker struct {
	tracked     []trackedEvent
	resultsFunc func(ctx context.Context, flagKey, metric string) (experiment.Results, error)
}

func (f *fakeTracker) TrackEvent(_ context.Context, flagKey, userID, event string, properties map[string]any) {
	f.tracked = append(f.tracked, trackedEvent{flagKey: flagKey, userID: userID, event: event, properties: properties})
}

func (f *fakeTracker) TrackExposure(ctx context.Context, flagKey, userID string) {
	f.TrackEvent(ctx, flagKey, userID, repository.EventExposure, nil)
}

func (f *fakeTracker) Results(ctx context.Context, flagKey, metric string) (experiment.Results, error) {
	if f.resultsFunc == nil {
		return experiment.Results{FlagKey: flagKey, Metric: metric}, nil
	}
	return f.resultsFunc(ctx, flagKey, metric)
}

type fakeRolloutService struct {
	createFunc       func(ctx context.Context, cfg rollout.Config) (repository.Rollout, error)
	startFunc        func(ctx context.Context, id string) error
	pauseFunc        func(ctx context.Context, id string) error
	resumeFunc       func(ctx context.Context, id string) error
	approveStageFunc func(ctx context.Context, id string, stageIndex int) error
	rollbackFunc     func(ctx context.Context, id, reason string) error
	getStatusFunc    func(ctx context.Context, id string) (rollout.Status, error)
	listFunc         func(ctx context.Context) ([]repository.Rollout, error)
	eventsFunc       func(ctx context.Context, id string) ([]repository.RolloutEvent, error)
}

func (f *fakeRolloutService) Create(ctx context.Context, cfg rollout.Config) (repository.Rollout, error) {
	return f.createFunc(ctx, cfg)
}

func (f *fakeRolloutService) Start(ctx context.Context, id string) error {
	return f.startFunc(ctx, id)
}

func (f *fakeRolloutService) Pause(ctx context.Context, id string) error {
	return f.pauseFunc(ctx, id)
}

func (f *fakeRolloutService) Resume(ctx context.Context, id string) error {
	return f.resumeFunc(ctx, id)
}

func (f *fakeRolloutService) ApproveStage(ctx context.Context, id string, stageIndex int) error {
	return f.approveStageFunc(ctx, id, stageIndex)
}

func (f *fakeRolloutService) Rollback(ctx context.Context, id, reason string) error {
	return f.rollbackFunc(ctx, id, reason)
}

func (f *fakeRolloutService) GetStatus(ctx context.Context, id string) (rollout.Status, error) {
	return f.getStatusFunc(ctx, id)
}

func (f *fakeRolloutService) List(ctx context.Context) ([]repository.Rollout, error) {
	return f.listFunc(ctx)
}

func (f *fakeRolloutService) Events(ctx context.Context, id string) ([]repository.RolloutEvent, error) {
	return f.eventsFunc(ctx, id)
}

func newTestHandler(flagSvc *fakeFlagService, tracker *fakeTracker, rollouts *fakeRolloutService) http.Handler {
	if flagSvc == nil {
		flagSvc = &fakeFlagService{}
	}
	if tracker == nil {
		tracker = &fakeTracker{}
	}
	if rollouts == nil {
		rollouts = &fakeRolloutService{}
	}
	return NewHTTPHandler(HandlerConfig{
		Flags:    flagSvc,
		Tracker:  tracker,
		Rollouts: rollouts,
	})
}

func TestHTTPHandlerEvaluate(t *testing.T) {
	svc := &fakeFlagService{
		isEnabledFunc: func(_ context.Context, key, userID string, attributes map[string]any) bool {
			if key != "checkout-v2" || userID != "user-42" {
				t.Fatalf("IsEnabled(%q, %q), want checkout-v2/user-42", key, userID)
			}
			if attributes["country"] != "NZ" {
				t.Fatalf("attributes = %#v, want country NZ", attributes)
			}
			return true
		},
		variantFunc: func(_ context.Context, _, _ string) string { return "treatment" },
	}
	tracker := &fakeTracker{}

	handler := newTestHandler(svc, tracker, nil)
	body := `{"key":"checkout-v2","user_id":"user-42","attributes":{"country":"NZ"},"track_exposure":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got evaluateJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !got.Enabled || got.Variant != "treatment" {
		t.Fatalf("response = %#v, want enabled with treatment variant", got)
	}

	if len(tracker.tracked) != 1 || tracker.tracked[0].event != repository.EventExposure {
		t.Fatalf("tracked = %#v, want one exposure event", tracker.tracked)
	}
}

func TestHTTPHandlerEvaluateRequiresUserID(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{"key":"checkout-v2"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "user_id is required") {
		t.Fatalf("body = %q, want user_id error", rec.Body.String())
	}
}

func TestHTTPHandlerEvaluateDisabledFlagSkipsExposure(t *testing.T) {
	svc := &fakeFlagService{
		isEnabledFunc: func(_ context.Context, _, _ string, _ map[string]any) bool { return false },
		variantFunc:   func(_ context.Context, _, _ string) string { return "treatment" },
	}
	tracker := &fakeTracker{}

	handler := newTestHandler(svc, tracker, nil)
	body := `{"key":"checkout-v2","user_id":"user-42","track_exposure":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got evaluateJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Enabled {
		t.Fatalf("response = %#v, want disabled", got)
	}

	// A user who never saw the feature must not count toward the variant's
	// exposed population.
	if len(tracker.tracked) != 0 {
		t.Fatalf("tracked = %#v, want no exposure events for a disabled evaluation", tracker.tracked)
	}
}

func TestHTTPHandlerEvaluateBatch(t *testing.T) {
	svc := &fakeFlagService{
		isEnabledFunc: func(_ context.Context, key, _ string, _ map[string]any) bool {
			return key == "checkout-v2"
		},
		variantFunc: func(_ context.Context, key, _ string) string {
			if key == "checkout-v2" {
				return "treatment"
			}
			return ""
		},
	}

	handler := newTestHandler(svc, nil, nil)
	body := `{"keys":["checkout-v2","dark-mode"],"user_id":"user-42"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got batchEvaluateJSONResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(got.Results))
	}
	if !got.Results[0].Enabled || got.Results[0].Variant != "treatment" {
		t.Fatalf("results[0] = %#v, want enabled treatment", got.Results[0])
	}
	if got.Results[1].Key != "dark-mode" || got.Results[1].Enabled {
		t.Fatalf("results[1] = %#v, want disabled dark-mode", got.Results[1])
	}
}

func TestHTTPHandlerEvaluateRejectsKeyAndKeys(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	body := `{"key":"checkout-v2","keys":["dark-mode"],"user_id":"user-42"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "mutually exclusive") {
		t.Fatalf("body = %q, want mutually exclusive error", rec.Body.String())
	}
}

func TestHTTPHandlerVariant(t *testing.T) {
	svc := &fakeFlagService{
		variantFunc: func(_ context.Context, key, userID string) string {
			if key != "checkout-v2" || userID != "user-42" {
				t.Fatalf("Variant(%q, %q), want checkout-v2/user-42", key, userID)
			}
			return "control"
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/variant", strings.NewReader(`{"key":"checkout-v2","user_id":"user-42"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"variant":"control"`) {
		t.Fatalf("body = %q, want control variant", rec.Body.String())
	}
}

func TestHTTPHandlerTrackEvent(t *testing.T) {
	tracker := &fakeTracker{}

	handler := newTestHandler(nil, tracker, nil)
	body := `{"flag_key":"checkout-v2","user_id":"user-42","event":"purchase","properties":{"amount":12.5}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(tracker.tracked) != 1 {
		t.Fatalf("tracked %d events, want 1", len(tracker.tracked))
	}
	if tracker.tracked[0].event != "purchase" || tracker.tracked[0].properties["amount"] != 12.5 {
		t.Fatalf("tracked = %#v, want purchase with amount", tracker.tracked[0])
	}
}

func TestHTTPHandlerTrackEventRequiresEvent(t *testing.T) {
	tracker := &fakeTracker{}

	handler := newTestHandler(nil, tracker, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"flag_key":"checkout-v2","user_id":"user-42"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(tracker.tracked) != 0 {
		t.Fatalf("tracked %d events, want 0", len(tracker.tracked))
	}
}

func TestHTTPHandlerGetFlag(t *testing.T) {
	svc := &fakeFlagService{
		getFlagFunc: func(_ context.Context, key string) (repository.Flag, error) {
			if key != "checkout-v2" {
				t.Fatalf("GetFlag key = %q, want checkout-v2", key)
			}
			return repository.Flag{
				Key:     "checkout-v2",
				Enabled: true,
				Rules:   json.RawMessage(`[]`),
			}, nil
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/flags/checkout-v2", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got repository.Flag
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Key != "checkout-v2" {
		t.Fatalf("response key = %q, want checkout-v2", got.Key)
	}
}

func TestHTTPHandlerGetFlagNotFound(t *testing.T) {
	svc := &fakeFlagService{
		getFlagFunc: func(_ context.Context, _ string) (repository.Flag, error) {
			return repository.Flag{}, flags.ErrFlagNotFound
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/flags/unknown", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerCreateFlagInvalidRules(t *testing.T) {
	svc := &fakeFlagService{
		createFlagFunc: func(_ context.Context, _ repository.Flag) (repository.Flag, error) {
			return repository.Flag{}, flags.ErrInvalidRules
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(`{"key":"checkout-v2","rules":"nope"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "invalid rules") {
		t.Fatalf("body = %q, want invalid rules error", rec.Body.String())
	}
}

func TestHTTPHandlerCreateFlagOversizedBody(t *testing.T) {
	svc := &fakeFlagService{
		createFlagFunc: func(_ context.Context, _ repository.Flag) (repository.Flag, error) {
			t.Fatal("CreateFlag should not be called for oversized request bodies")
			return repository.Flag{}, nil
		},
	}

	oversizedDescription := strings.Repeat("a", defaultMaxJSONBodyBytes+1)
	body := `{"key":"checkout-v2","description":"` + oversizedDescription + `"}`

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/flags", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerUpdateFlagVersionConflict(t *testing.T) {
	svc := &fakeFlagService{
		updateFlagFunc: func(_ context.Context, _ repository.Flag) (repository.Flag, error) {
			return repository.Flag{}, repository.ErrVersionConflict
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/flags/checkout-v2", strings.NewReader(`{"key":"checkout-v2","version":3}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHTTPHandlerUpdateFlagKeyMismatch(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/flags/checkout-v2", strings.NewReader(`{"key":"other-flag"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "path key and body key must match") {
		t.Fatalf("body = %q, want key mismatch error", rec.Body.String())
	}
}

func TestHTTPHandlerEnableDisableFlag(t *testing.T) {
	var lastEnabled *bool
	svc := &fakeFlagService{
		setEnabledFunc: func(_ context.Context, key string, enabled bool) (repository.Flag, error) {
			lastEnabled = &enabled
			return repository.Flag{Key: key, Enabled: enabled, Version: 2}, nil
		},
	}

	handler := newTestHandler(svc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/flags/checkout-v2/enable", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d, want %d", rec.Code, http.StatusOK)
	}
	if lastEnabled == nil || !*lastEnabled {
		t.Fatal("enable endpoint should call SetEnabled(true)")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/flags/checkout-v2/disable", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want %d", rec.Code, http.StatusOK)
	}
	if lastEnabled == nil || *lastEnabled {
		t.Fatal("disable endpoint should call SetEnabled(false)")
	}
}

func TestHTTPHandlerSetRolloutPercentage(t *testing.T) {
	svc := &fakeFlagService{
		setRolloutPercentageFunc: func(_ context.Context, key string, percentage float64) (repository.Flag, error) {
			if percentage != 42 {
				t.Fatalf("percentage = %g, want 42", percentage)
			}
			return repository.Flag{Key: key, RolloutPercentage: percentage}, nil
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/flags/checkout-v2/rollout", strings.NewReader(`{"percentage":42}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerSetRolloutPercentageOutOfRange(t *testing.T) {
	svc := &fakeFlagService{
		setRolloutPercentageFunc: func(_ context.Context, _ string, _ float64) (repository.Flag, error) {
			return repository.Flag{}, flags.ErrInvalidPercentage
		},
	}

	handler := newTestHandler(svc, nil, nil)
	req := httptest.NewRequest(http.MethodPut, "/v1/flags/checkout-v2/rollout", strings.NewReader(`{"percentage":150}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerCreateExperiment(t *testing.T) {
	svc := &fakeFlagService{
		createExperimentFunc: func(_ context.Context, key string, exp core.Experiment) (repository.Flag, error) {
			if len(exp.Variants) != 2 {
				t.Fatalf("variants = %#v, want 2 arms", exp.Variants)
			}
			return repository.Flag{Key: key}, nil
		},
	}

	handler := newTestHandler(svc, nil, nil)
	body := `{"variants":[{"name":"control","weight":0.5},{"name":"treatment","weight":0.5}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/flags/checkout-v2/experiment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestHTTPHandlerExperimentResults(t *testing.T) {
	tracker := &fakeTracker{
		resultsFunc: func(_ context.Context, flagKey, metric string) (experiment.Results, error) {
			if flagKey != "checkout-v2" || metric != "purchase" {
				t.Fatalf("Results(%q, %q), want checkout-v2/purchase", flagKey, metric)
			}
			return experiment.Results{
				FlagKey:     flagKey,
				Metric:      metric,
				BestVariant: "treatment",
				Significant: true,
				PValue:      0.01,
			}, nil
		},
	}

	handler := newTestHandler(nil, tracker, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/flags/checkout-v2/results?metric=purchase", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"best_variant":"treatment"`) {
		t.Fatalf("body = %q, want best_variant treatment", rec.Body.String())
	}
}

func TestHTTPHandlerExperimentResultsRequiresMetric(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/flags/checkout-v2/results", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerCreateRollout(t *testing.T) {
	rollouts := &fakeRolloutService{
		createFunc: func(_ context.Context, cfg rollout.Config) (repository.Rollout, error) {
			if cfg.FlagKey != "checkout-v2" || len(cfg.Stages) != 2 {
				t.Fatalf("Create cfg = %#v, want checkout-v2 with 2 stages", cfg)
			}
			return repository.Rollout{ID: "ro-1", FlagKey: cfg.FlagKey}, nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	body := `{
		"flag_key": "checkout-v2",
		"stages": [
			{"target_percentage": 5, "duration_minutes": 30},
			{"target_percentage": 100, "duration_minutes": 0}
		],
		"health_checks": [{"metric": "errorRate", "operator": "lt", "value": 0.05}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"ro-1"`) {
		t.Fatalf("body = %q, want rollout id", rec.Body.String())
	}
}

func TestHTTPHandlerCreateRolloutInvalidConfig(t *testing.T) {
	rollouts := &fakeRolloutService{
		createFunc: func(_ context.Context, _ rollout.Config) (repository.Rollout, error) {
			return repository.Rollout{}, rollout.ErrInvalidConfig
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", strings.NewReader(`{"flag_key":"checkout-v2"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerRolloutTransitions(t *testing.T) {
	calls := make([]string, 0)
	rollouts := &fakeRolloutService{
		startFunc: func(_ context.Context, id string) error {
			calls = append(calls, "start:"+id)
			return nil
		},
		pauseFunc: func(_ context.Context, id string) error {
			calls = append(calls, "pause:"+id)
			return nil
		},
		resumeFunc: func(_ context.Context, id string) error {
			calls = append(calls, "resume:"+id)
			return nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	for _, tc := range []struct {
		path string
		want string
	}{
		{path: "/v1/rollouts/ro-1/start", want: `"status":"started"`},
		{path: "/v1/rollouts/ro-1/pause", want: `"status":"paused"`},
		{path: "/v1/rollouts/ro-1/resume", want: `"status":"resumed"`},
	} {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", tc.path, rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s body = %q, want %s", tc.path, rec.Body.String(), tc.want)
		}
	}

	if len(calls) != 3 || calls[0] != "start:ro-1" || calls[1] != "pause:ro-1" || calls[2] != "resume:ro-1" {
		t.Fatalf("calls = %#v, want start, pause, resume for ro-1", calls)
	}
}

func TestHTTPHandlerRolloutTransitionConflict(t *testing.T) {
	rollouts := &fakeRolloutService{
		startFunc: func(_ context.Context, _ string) error {
			return rollout.ErrRolloutTerminal
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/start", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHTTPHandlerRolloutRollback(t *testing.T) {
	var gotReason string
	rollouts := &fakeRolloutService{
		rollbackFunc: func(_ context.Context, id, reason string) error {
			if id != "ro-1" {
				t.Fatalf("Rollback id = %q, want ro-1", id)
			}
			gotReason = reason
			return nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/rollback", strings.NewReader(`{"reason":"bad deploy"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotReason != "bad deploy" {
		t.Fatalf("reason = %q, want %q", gotReason, "bad deploy")
	}
}

func TestHTTPHandlerRolloutRollbackDefaultReason(t *testing.T) {
	var gotReason string
	rollouts := &fakeRolloutService{
		rollbackFunc: func(_ context.Context, _, reason string) error {
			gotReason = reason
			return nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/rollback", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotReason != "manual rollback" {
		t.Fatalf("reason = %q, want default manual rollback", gotReason)
	}
}

func TestHTTPHandlerApproveStage(t *testing.T) {
	rollouts := &fakeRolloutService{
		approveStageFunc: func(_ context.Context, id string, stageIndex int) error {
			if id != "ro-1" || stageIndex != 2 {
				t.Fatalf("ApproveStage(%q, %d), want ro-1 stage 2", id, stageIndex)
			}
			return nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/stages/2/approve", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHTTPHandlerApproveStageNotAwaiting(t *testing.T) {
	rollouts := &fakeRolloutService{
		approveStageFunc: func(_ context.Context, _ string, _ int) error {
			return rollout.ErrStageNotAwaitingApproval
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/stages/0/approve", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHTTPHandlerApproveStageInvalidIndex(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts/ro-1/stages/nope/approve", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerRolloutStatus(t *testing.T) {
	rollouts := &fakeRolloutService{
		getStatusFunc: func(_ context.Context, id string) (rollout.Status, error) {
			return rollout.Status{
				ID:                  id,
				FlagKey:             "checkout-v2",
				Status:              repository.RolloutActive,
				CurrentStage:        1,
				StageCount:          4,
				Progress:            0.25,
				EffectivePercentage: 25,
			}, nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/ro-1/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got rollout.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "ro-1" || got.EffectivePercentage != 25 {
		t.Fatalf("response = %#v, want ro-1 at 25 percent", got)
	}
}

func TestHTTPHandlerRolloutStatusNotFound(t *testing.T) {
	rollouts := &fakeRolloutService{
		getStatusFunc: func(_ context.Context, _ string) (rollout.Status, error) {
			return rollout.Status{}, rollout.ErrRolloutNotFound
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerRolloutEvents(t *testing.T) {
	rollouts := &fakeRolloutService{
		eventsFunc: func(_ context.Context, id string) ([]repository.RolloutEvent, error) {
			return []repository.RolloutEvent{
				{ID: 1, RolloutID: id, Action: "created"},
				{ID: 2, RolloutID: id, Action: "started"},
			}, nil
		},
	}

	handler := newTestHandler(nil, nil, rollouts)
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/ro-1/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []repository.RolloutEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got) != 2 || got[1].Action != "started" {
		t.Fatalf("response = %#v, want created then started", got)
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %q, want ok status", rec.Body.String())
	}
}

func TestHTTPHandlerRejectsUnknownJSONFields(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{"key":"checkout-v2","user_id":"u","bogus":true}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON body") {
		t.Fatalf("body = %q, want invalid JSON body error", rec.Body.String())
	}
}
