// Package server exposes the canaryz HTTP API: the evaluation endpoints used
// by application request paths, the flag and experiment administration
// surface, and the rollout control endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/matt-riley/canaryz/internal/core"
	"github.com/matt-riley/canaryz/internal/experiment"
	"github.com/matt-riley/canaryz/internal/flags"
	"github.com/matt-riley/canaryz/internal/repository"
	"github.com/matt-riley/canaryz/internal/rollout"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// FlagService is the flag registry surface the HTTP layer depends on.
type FlagService interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	SetEnabled(ctx context.Context, key string, enabled bool) (repository.Flag, error)
	SetRolloutPercentage(ctx context.Context, key string, percentage float64) (repository.Flag, error)
	CreateExperiment(ctx context.Context, key string, exp core.Experiment) (repository.Flag, error)
	IsEnabled(ctx context.Context, key, userID string, attributes map[string]any) bool
	Variant(ctx context.Context, key, userID string) string
}

// EventTracker records experiment events and aggregates results.
type EventTracker interface {
	TrackEvent(ctx context.Context, flagKey, userID, event string, properties map[string]any)
	TrackExposure(ctx context.Context, flagKey, userID string)
	Results(ctx context.Context, flagKey, metric string) (experiment.Results, error)
}

// RolloutService drives staged rollouts.
type RolloutService interface {
	Create(ctx context.Context, cfg rollout.Config) (repository.Rollout, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	ApproveStage(ctx context.Context, id string, stageIndex int) error
	Rollback(ctx context.Context, id, reason string) error
	GetStatus(ctx context.Context, id string) (rollout.Status, error)
	List(ctx context.Context) ([]repository.Rollout, error)
	Events(ctx context.Context, id string) ([]repository.RolloutEvent, error)
}

// HandlerConfig wires the HTTP layer's dependencies. Metrics, when set, is
// mounted at /metrics.
type HandlerConfig struct {
	Flags        FlagService
	Tracker      EventTracker
	Rollouts     RolloutService
	Metrics      http.Handler
	MaxBodyBytes int64
}

// HTTPServer routes the canaryz API.
type HTTPServer struct {
	flags        FlagService
	tracker      EventTracker
	rollouts     RolloutService
	maxBodyBytes int64
}

type evaluateJSONRequest struct {
	Key           string         `json:"key,omitempty"`
	Keys          []string       `json:"keys,omitempty"`
	UserID        string         `json:"user_id"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	TrackExposure bool           `json:"track_exposure,omitempty"`
}

type evaluateJSONResponse struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Variant string `json:"variant,omitempty"`
}

type batchEvaluateJSONResponse struct {
	Results []evaluateJSONResponse `json:"results"`
}

type variantJSONRequest struct {
	Key    string `json:"key"`
	UserID string `json:"user_id"`
}

type variantJSONResponse struct {
	Key     string `json:"key"`
	Variant string `json:"variant"`
}

type trackEventJSONRequest struct {
	FlagKey    string         `json:"flag_key"`
	UserID     string         `json:"user_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
}

type setEnabledJSONResponse struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Version int64  `json:"version"`
}

type setRolloutJSONRequest struct {
	Percentage float64 `json:"percentage"`
}

type rollbackJSONRequest struct {
	Reason string `json:"reason"`
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(cfg HandlerConfig) http.Handler {
	if cfg.Flags == nil {
		panic("flag service is nil")
	}
	if cfg.Tracker == nil {
		panic("event tracker is nil")
	}
	if cfg.Rollouts == nil {
		panic("rollout service is nil")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		flags:        cfg.Flags,
		tracker:      cfg.Tracker,
		rollouts:     cfg.Rollouts,
		maxBodyBytes: cfg.MaxBodyBytes,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/variant", server.handleVariant)
	mux.HandleFunc("POST /v1/events", server.handleTrackEvent)

	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{key}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleDeleteFlag)
	mux.HandleFunc("POST /v1/flags/{key}/enable", server.handleSetEnabled(true))
	mux.HandleFunc("POST /v1/flags/{key}/disable", server.handleSetEnabled(false))
	mux.HandleFunc("PUT /v1/flags/{key}/rollout", server.handleSetRolloutPercentage)
	mux.HandleFunc("POST /v1/flags/{key}/experiment", server.handleCreateExperiment)
	mux.HandleFunc("GET /v1/flags/{key}/results", server.handleExperimentResults)

	mux.HandleFunc("POST /v1/rollouts", server.handleCreateRollout)
	mux.HandleFunc("GET /v1/rollouts", server.handleListRollouts)
	mux.HandleFunc("GET /v1/rollouts/{id}", server.handleRolloutStatus)
	mux.HandleFunc("GET /v1/rollouts/{id}/status", server.handleRolloutStatus)
	mux.HandleFunc("GET /v1/rollouts/{id}/events", server.handleRolloutEvents)
	mux.HandleFunc("POST /v1/rollouts/{id}/start", server.handleRolloutTransition("start"))
	mux.HandleFunc("POST /v1/rollouts/{id}/pause", server.handleRolloutTransition("pause"))
	mux.HandleFunc("POST /v1/rollouts/{id}/resume", server.handleRolloutTransition("resume"))
	mux.HandleFunc("POST /v1/rollouts/{id}/rollback", server.handleRolloutRollback)
	mux.HandleFunc("POST /v1/rollouts/{id}/stages/{index}/approve", server.handleApproveStage)

	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if len(request.Keys) > 0 {
		if strings.TrimSpace(request.Key) != "" {
			writeJSONError(w, http.StatusBadRequest, "key and keys are mutually exclusive")
			return
		}
		results := make([]evaluateJSONResponse, 0, len(request.Keys))
		for _, key := range request.Keys {
			if strings.TrimSpace(key) == "" {
				writeJSONError(w, http.StatusBadRequest, "keys must not contain empty entries")
				return
			}
			results = append(results, s.evaluateFlag(r, key, request))
		}
		writeJSON(w, http.StatusOK, batchEvaluateJSONResponse{Results: results})
		return
	}

	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	writeJSON(w, http.StatusOK, s.evaluateFlag(r, request.Key, request))
}

func (s *HTTPServer) evaluateFlag(r *http.Request, key string, request evaluateJSONRequest) evaluateJSONResponse {
	enabled := s.flags.IsEnabled(r.Context(), key, request.UserID, request.Attributes)
	variant := s.flags.Variant(r.Context(), key, request.UserID)
	// Only users who actually saw the feature count as exposed; tracking a
	// disabled evaluation would inflate the variant denominators in results.
	if request.TrackExposure && enabled && variant != "" {
		s.tracker.TrackExposure(r.Context(), key, request.UserID)
	}
	return evaluateJSONResponse{Key: key, Enabled: enabled, Variant: variant}
}

func (s *HTTPServer) handleVariant(w http.ResponseWriter, r *http.Request) {
	var request variantJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	writeJSON(w, http.StatusOK, variantJSONResponse{
		Key:     request.Key,
		Variant: s.flags.Variant(r.Context(), request.Key, request.UserID),
	})
}

func (s *HTTPServer) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var request trackEventJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag_key is required")
		return
	}
	if strings.TrimSpace(request.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(request.Event) == "" {
		writeJSONError(w, http.StatusBadRequest, "event is required")
		return
	}

	s.tracker.TrackEvent(r.Context(), request.FlagKey, request.UserID, request.Event, request.Properties)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	created, err := s.flags.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list, err := s.flags.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.flags.GetFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag repository.Flag
	if err := decodeJSONBody(w, r, &flag, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key

	updated, err := s.flags.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.flags.DeleteFlag(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.PathValue("key"))
		if key == "" {
			writeJSONError(w, http.StatusBadRequest, "key is required")
			return
		}

		updated, err := s.flags.SetEnabled(r.Context(), key, enabled)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, setEnabledJSONResponse{
			Key:     updated.Key,
			Enabled: updated.Enabled,
			Version: updated.Version,
		})
	}
}

func (s *HTTPServer) handleSetRolloutPercentage(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request setRolloutJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.flags.SetRolloutPercentage(r.Context(), key, request.Percentage)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var exp core.Experiment
	if err := decodeJSONBody(w, r, &exp, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.flags.CreateExperiment(r.Context(), key, exp)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, updated)
}

func (s *HTTPServer) handleExperimentResults(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	metric := strings.TrimSpace(r.URL.Query().Get("metric"))
	if metric == "" {
		writeJSONError(w, http.StatusBadRequest, "metric query parameter is required")
		return
	}

	// Results only make sense for flags that exist; surface 404 early instead
	// of an empty rollup.
	if _, err := s.flags.GetFlag(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	results, err := s.tracker.Results(r.Context(), key, metric)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var cfg rollout.Config
	if err := decodeJSONBody(w, r, &cfg, s.maxBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(cfg.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag_key is required")
		return
	}

	created, err := s.rollouts.Create(r.Context(), cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	list, err := s.rollouts.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	status, err := s.rollouts.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleRolloutEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	events, err := s.rollouts.Events(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *HTTPServer) handleRolloutTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "id is required")
			return
		}

		var (
			err    error
			status string
		)
		switch action {
		case "start":
			err, status = s.rollouts.Start(r.Context(), id), "started"
		case "pause":
			err, status = s.rollouts.Pause(r.Context(), id), "paused"
		case "resume":
			err, status = s.rollouts.Resume(r.Context(), id), "resumed"
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (s *HTTPServer) handleRolloutRollback(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	reason := "manual rollback"
	if r.ContentLength != 0 {
		var request rollbackJSONRequest
		if err := decodeJSONBody(w, r, &request, s.maxBodyBytes); err != nil {
			writeJSONDecodeError(w, err)
			return
		}
		if strings.TrimSpace(request.Reason) != "" {
			reason = request.Reason
		}
	}

	if err := s.rollouts.Rollback(r.Context(), id, reason); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *HTTPServer) handleApproveStage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	index, err := strconv.Atoi(strings.TrimSpace(r.PathValue("index")))
	if err != nil || index < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid stage index")
		return
	}

	if err := s.rollouts.ApproveStage(r.Context(), id, index); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flags.ErrInvalidRules),
		errors.Is(err, flags.ErrInvalidExperiment),
		errors.Is(err, flags.ErrInvalidPercentage),
		errors.Is(err, rollout.ErrInvalidConfig):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flags.ErrFlagNotFound),
		errors.Is(err, rollout.ErrRolloutNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, rollout.ErrRolloutTerminal),
		errors.Is(err, rollout.ErrInvalidTransition),
		errors.Is(err, rollout.ErrStageNotAwaitingApproval):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
