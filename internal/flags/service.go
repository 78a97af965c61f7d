// Package flags composes the flag registry, bucketing engine, and targeting
// evaluator into the request-path evaluation API and the operator-facing flag
// administration API.
//
// Evaluation reads exclusively from an in-memory cache kept fresh by
// PostgreSQL LISTEN/NOTIFY invalidation plus a periodic resync, so IsEnabled
// and Variant never touch the database on the hot path.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/canaryz/internal/core"
	"github.com/matt-riley/canaryz/internal/repository"
)

const (
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
	bestEffortTimeout          = 2 * time.Second
)

var (
	ErrFlagNotFound      = errors.New("flag not found")
	ErrInvalidRules      = errors.New("invalid rules")
	ErrInvalidExperiment = errors.New("invalid experiment")
	ErrInvalidPercentage = errors.New("rollout percentage must be between 0 and 100")
)

// Repository is the persistence contract the flags service depends on.
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	SetFlagRollout(ctx context.Context, key string, percentage float64, enabled bool) (repository.Flag, error)
	GetFlag(ctx context.Context, key string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, key string) error
	NotifyFlagsChanged(ctx context.Context, key string) error
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Service is the flag registry and evaluator.
type Service struct {
	repo   Repository
	log    *slog.Logger
	resync time.Duration

	onCacheLoad       func()
	onInvalidation    func()
	onEvaluation      func(result bool)
	onEvaluationError func()

	mu    sync.RWMutex
	cache map[string]repository.Flag
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithLogger sets the logger used for cache maintenance warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithCacheResyncInterval overrides the safety-net cache refresh interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resync = interval
		}
	}
}

// WithCacheMetrics registers counters for cache loads and invalidations.
func WithCacheMetrics(onLoad, onInvalidation func()) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onInvalidation = onInvalidation
	}
}

// WithEvaluationMetrics registers counters for evaluation results and
// registry failures on the evaluation path.
func WithEvaluationMetrics(onEvaluation func(result bool), onError func()) Option {
	return func(s *Service) {
		s.onEvaluation = onEvaluation
		s.onEvaluationError = onError
	}
}

// New creates a Service, eagerly loads the flag cache, and starts the
// invalidation listener when the repository supports it.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:   repo,
		log:    slog.Default(),
		resync: defaultCacheResyncInterval,
		cache:  make(map[string]repository.Flag),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the in-memory cache with the registry's current
// contents.
func (s *Service) LoadCache(ctx context.Context) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	next := make(map[string]repository.Flag, len(flags))
	for _, flag := range flags {
		next[flag.Key] = flag
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	return nil
}

// CreateFlag validates and persists a new flag definition.
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}
	if err := validateFlagPayload(flag); err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.setCachedFlag(created)
	s.notifyBestEffort(ctx, created.Key)

	return created, nil
}

// UpdateFlag validates and persists a full flag update. The flag's Version
// must match the stored version; [repository.ErrVersionConflict] is returned
// when a concurrent writer (typically an active rollout) got there first.
func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}
	if err := validateFlagPayload(flag); err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(flag.Key)
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.setCachedFlag(updated)
	s.notifyBestEffort(ctx, updated.Key)

	return updated, nil
}

// GetFlag returns the flag definition, preferring the cache.
func (s *Service) GetFlag(ctx context.Context, key string) (repository.Flag, error) {
	if strings.TrimSpace(key) == "" {
		return repository.Flag{}, errors.New("flag key is required")
	}

	if flag, ok := s.getCachedFlag(key); ok {
		return flag, nil
	}

	flag, err := s.repo.GetFlag(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	s.setCachedFlag(flag)
	return flag, nil
}

// ListFlags returns all cached flag definitions sorted by key.
func (s *Service) ListFlags(_ context.Context) ([]repository.Flag, error) {
	s.mu.RLock()
	flags := make([]repository.Flag, 0, len(s.cache))
	for _, flag := range s.cache {
		flags = append(flags, flag)
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Key < flags[j].Key
	})

	return flags, nil
}

// DeleteFlag removes a flag definition.
func (s *Service) DeleteFlag(ctx context.Context, key string) error {
	if _, err := s.GetFlag(ctx, key); err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedFlag(key)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.deleteCachedFlag(key)
	s.notifyBestEffort(ctx, key)

	return nil
}

// SetEnabled flips the flag's enabled bit through the versioned update path.
func (s *Service) SetEnabled(ctx context.Context, key string, enabled bool) (repository.Flag, error) {
	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return repository.Flag{}, err
	}

	flag.Enabled = enabled
	return s.UpdateFlag(ctx, flag)
}

// SetRolloutPercentage sets the flag's rollout percentage through the
// versioned update path. Manual percentage edits race-check against an active
// rollout controller via the version column.
func (s *Service) SetRolloutPercentage(ctx context.Context, key string, percentage float64) (repository.Flag, error) {
	if percentage < 0 || percentage > 100 {
		return repository.Flag{}, ErrInvalidPercentage
	}

	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return repository.Flag{}, err
	}

	flag.RolloutPercentage = percentage
	return s.UpdateFlag(ctx, flag)
}

// ApplyRollout is the rollout controller's write path: it sets the percentage
// and enabled bit unconditionally, bypassing the version check, because the
// controller is the single writer for these columns while its rollout is
// active.
func (s *Service) ApplyRollout(ctx context.Context, key string, percentage float64, enabled bool) (repository.Flag, error) {
	updated, err := s.repo.SetFlagRollout(ctx, key, percentage, enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("apply rollout: %w", err)
	}

	s.setCachedFlag(updated)
	s.notifyBestEffort(ctx, key)

	return updated, nil
}

// CreateExperiment attaches an experiment to the flag. Empty variants default
// to a 50/50 control/treatment split; weights only need to be positive, they
// are normalized at evaluation time.
func (s *Service) CreateExperiment(ctx context.Context, key string, experiment core.Experiment) (repository.Flag, error) {
	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return repository.Flag{}, err
	}

	if len(experiment.Variants) == 0 {
		experiment.Variants = core.DefaultVariants()
	}
	if err := validateVariants(experiment.Variants); err != nil {
		return repository.Flag{}, err
	}
	if experiment.Status == "" {
		experiment.Status = core.ExperimentActive
	}
	if experiment.StartDate.IsZero() {
		experiment.StartDate = time.Now().UTC()
	}

	payload, err := json.Marshal(experiment)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}

	flag.Experiment = payload
	return s.UpdateFlag(ctx, flag)
}

// IsEnabled evaluates the flag for the given user and attributes. It is a
// pure read and fails safe: an unknown flag, a malformed definition, or an
// unreachable registry all evaluate to false rather than surfacing an error
// into the request path.
func (s *Service) IsEnabled(ctx context.Context, key, userID string, attributes map[string]any) bool {
	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrFlagNotFound) {
			if s.onEvaluationError != nil {
				s.onEvaluationError()
			}
			s.log.WarnContext(ctx, "flag evaluation failed safe", "flag", key, "error", err)
		}
		if s.onEvaluation != nil {
			s.onEvaluation(false)
		}
		return false
	}

	coreFlag, err := decodeFlag(flag)
	if err != nil {
		if s.onEvaluationError != nil {
			s.onEvaluationError()
		}
		s.log.WarnContext(ctx, "flag definition undecodable, failing safe", "flag", key, "error", err)
		if s.onEvaluation != nil {
			s.onEvaluation(false)
		}
		return false
	}

	result := core.EvaluateFlag(coreFlag, core.EvaluationContext{UserID: userID, Attributes: attributes})
	if s.onEvaluation != nil {
		s.onEvaluation(result)
	}
	return result
}

// Variant returns the user's assigned experiment variant, or "" when the flag
// has no active experiment, the flag is unknown, or the registry is
// unreachable.
func (s *Service) Variant(ctx context.Context, key, userID string) string {
	flag, err := s.GetFlag(ctx, key)
	if err != nil {
		return ""
	}

	coreFlag, err := decodeFlag(flag)
	if err != nil || coreFlag.Experiment == nil {
		return ""
	}

	return core.AssignVariant(key, userID, *coreFlag.Experiment)
}

func (s *Service) getCachedFlag(key string) (repository.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.cache[key]
	s.mu.RUnlock()

	return flag, ok
}

func (s *Service) setCachedFlag(flag repository.Flag) {
	s.mu.Lock()
	s.cache[flag.Key] = flag
	s.mu.Unlock()
}

func (s *Service) deleteCachedFlag(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resync)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onInvalidation != nil {
					s.onInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.log.WarnContext(ctx, "flag cache reload failed", "error", err)
	}
}

func (s *Service) notifyBestEffort(ctx context.Context, key string) {
	// Mutations have already committed before the notify goes out.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.repo.NotifyFlagsChanged(notifyCtx, key); err != nil {
		s.log.WarnContext(ctx, "flag change notify failed", "flag", key, "error", err)
	}
}

func validateFlagPayload(flag repository.Flag) error {
	if flag.RolloutPercentage < 0 || flag.RolloutPercentage > 100 {
		return ErrInvalidPercentage
	}
	if _, err := parseRulesJSON(flag.Rules); err != nil {
		return err
	}
	if _, err := parseExperimentJSON(flag.Experiment); err != nil {
		return err
	}
	return nil
}

func validateVariants(variants []core.Variant) error {
	total := 0.0
	for _, variant := range variants {
		if strings.TrimSpace(variant.Name) == "" {
			return fmt.Errorf("%w: variant name is required", ErrInvalidExperiment)
		}
		if variant.Weight < 0 {
			return fmt.Errorf("%w: variant %q has negative weight", ErrInvalidExperiment, variant.Name)
		}
		total += variant.Weight
	}
	if total <= 0 {
		return fmt.Errorf("%w: variant weights must sum to a positive value", ErrInvalidExperiment)
	}
	return nil
}

func decodeFlag(flag repository.Flag) (core.Flag, error) {
	rules, err := parseRulesJSON(flag.Rules)
	if err != nil {
		return core.Flag{}, err
	}

	experiment, err := parseExperimentJSON(flag.Experiment)
	if err != nil {
		return core.Flag{}, err
	}

	return core.Flag{
		Key:               flag.Key,
		Enabled:           flag.Enabled,
		RolloutPercentage: flag.RolloutPercentage,
		Rules:             rules,
		Experiment:        experiment,
	}, nil
}

func parseRulesJSON(payload json.RawMessage) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	if len(payload) == 0 {
		return rules, nil
	}

	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	for _, rule := range rules {
		switch rule.Type {
		case core.RuleUser, core.RuleAttribute, core.RuleDateWindow:
		case core.RulePercentage:
			if rule.Threshold < 0 || rule.Threshold > 100 {
				return nil, fmt.Errorf("%w: percentage threshold %v out of range", ErrInvalidRules, rule.Threshold)
			}
		default:
			return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRules, rule.Type)
		}
	}

	return rules, nil
}

func parseExperimentJSON(payload json.RawMessage) (*core.Experiment, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}

	var experiment core.Experiment
	if err := json.Unmarshal(payload, &experiment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}

	return &experiment, nil
}
