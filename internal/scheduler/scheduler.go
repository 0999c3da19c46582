// Package scheduler orchestrates retraining: breach-triggered and calendar
// jobs, candidate/incumbent A/B scoring, and guarded promotion.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/drift"
	"github.com/demandcast/demandcast/internal/featurestore"
	"github.com/demandcast/demandcast/internal/forecast"
	"github.com/demandcast/demandcast/internal/registry"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

// Scheduler runs retraining jobs. One job per scope at a time; jobs are
// wall-clock bounded and cancellable without touching the incumbent.
type Scheduler struct {
	engine  *forecast.Engine
	store   *featurestore.Store
	reg     *registry.Registry
	monitor *drift.Monitor
	cfg     config.SchedulerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	running  map[string]bool
	failures map[string]int
	review   map[string]bool

	sem chan struct{}
}

// New creates a retraining scheduler.
func New(engine *forecast.Engine, store *featurestore.Store, reg *registry.Registry, monitor *drift.Monitor, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		reg:      reg,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]bool),
		failures: make(map[string]int),
		review:   make(map[string]bool),
		sem:      make(chan struct{}, concurrency),
	}
}

// Run blocks until the context is cancelled, dispatching jobs on breach
// signals and on the calendar interval, whichever fires first per scope.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("retraining scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("concurrency", cap(s.sem)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retraining scheduler stopped")
			return
		case scope := <-s.monitor.Breaches():
			s.logger.Info("breach-triggered retraining", zap.String("scope", scope))
			s.dispatch(ctx, scope)
		case <-ticker.C:
			entities, err := s.store.Entities(ctx)
			if err != nil {
				s.logger.Error("calendar sweep failed to list entities", zap.Error(err))
				continue
			}
			for _, e := range entities {
				s.dispatch(ctx, e.ID)
			}
		}
	}
}

// dispatch launches a job if a worker slot is free. Saturation defers the
// scope to the next trigger rather than queueing unboundedly.
func (s *Scheduler) dispatch(ctx context.Context, entityID string) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Warn("worker pool saturated, retraining deferred", zap.String("scope", entityID))
		return
	}
	go func() {
		defer func() { <-s.sem }()
		if err := s.RunJob(ctx, entityID, time.Now().UTC()); err != nil {
			s.logger.Error("retraining job failed", zap.String("scope", entityID), zap.Error(err))
		}
	}()
}

// RunJob executes one retraining cycle for an entity as of now. Returns nil
// when the job was skipped (already running, or flagged for review) or when
// the candidate was evaluated and rejected; those are normal outcomes.
func (s *Scheduler) RunJob(ctx context.Context, entityID string, now time.Time) error {
	if !s.acquire(entityID) {
		return nil
	}
	defer s.release(entityID)

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := s.cycle(jobCtx, entityID, now)
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.recordFailure(ctx, entityID, now, err)
		return err
	}
	s.clearFailures(entityID)
	return nil
}

func (s *Scheduler) acquire(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[entityID] {
		return false
	}
	if s.review[entityID] {
		s.logger.Warn("scope flagged for manual review, skipping automatic retraining",
			zap.String("scope", entityID))
		return false
	}
	s.running[entityID] = true
	return true
}

func (s *Scheduler) release(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, entityID)
}

// cycle trains a candidate, scores it against the incumbent on the holdout
// window, and promotes only a clear improvement.
func (s *Scheduler) cycle(ctx context.Context, entityID string, now time.Time) error {
	// Windows are aligned to the cadence so steps land on ingested points.
	now = now.UTC().Truncate(forecast.Step)
	holdoutStart := now.Add(-time.Duration(s.cfg.HoldoutPoints) * forecast.Step)
	trainFrom := holdoutStart.Add(-s.cfg.TrainWindow)
	trainTo := holdoutStart.Add(-forecast.Step)

	incumbent := s.incumbentOrNil(ctx, entityID)

	candidate, err := s.engine.Train(ctx, entityID, trainFrom, trainTo)
	if err != nil {
		return err
	}

	candScore, err := s.engine.Evaluate(ctx, candidate, entityID, holdoutStart, now)
	if err != nil {
		return apperrors.TrainingFailure.Explain("candidate %s could not be scored", candidate.ID).Wrap(err)
	}

	if incumbent != nil {
		incScore, err := s.engine.Evaluate(ctx, incumbent, entityID, holdoutStart, now)
		if err != nil {
			// An unscorable incumbent cannot defend its slot.
			s.logger.Warn("incumbent could not be scored on holdout",
				zap.String("scope", entityID),
				zap.String("incumbent", incumbent.ID.String()),
				zap.Error(err))
		} else if candScore > incScore*(1-s.cfg.PromotionMargin) {
			s.logger.Info("candidate rejected, improvement below margin",
				zap.String("scope", entityID),
				zap.String("candidate", candidate.ID.String()),
				zap.Float64("candidate_mape", candScore),
				zap.Float64("incumbent_mape", incScore),
				zap.Float64("margin", s.cfg.PromotionMargin))
			metrics.TrainingJobs.WithLabelValues("rejected").Inc()
			return nil
		}
	}

	if err := s.reg.Promote(ctx, candidate.ID); err != nil {
		if apperrors.Is(err, apperrors.PromotionConflict) {
			// A concurrent job won the race; its model serves the scope.
			s.logger.Info("promotion lost compare-and-swap race",
				zap.String("scope", entityID), zap.String("candidate", candidate.ID.String()))
			metrics.TrainingJobs.WithLabelValues("rejected").Inc()
			return nil
		}
		return err
	}

	s.monitor.NotifyRetrained(entityID)
	metrics.TrainingJobs.WithLabelValues("promoted").Inc()
	s.logger.Info("candidate promoted",
		zap.String("scope", entityID),
		zap.String("model_id", candidate.ID.String()),
		zap.Float64("holdout_mape", candScore))
	return nil
}

func (s *Scheduler) incumbentOrNil(ctx context.Context, entityID string) *models.ModelArtifact {
	artifact, err := s.engine.ActiveArtifact(ctx, entityID)
	if err != nil {
		if !apperrors.Is(err, apperrors.NoActiveModel) && !apperrors.Is(err, apperrors.NotFound) {
			s.logger.Warn("incumbent lookup failed", zap.String("scope", entityID), zap.Error(err))
		}
		return nil
	}
	return artifact
}

// recordFailure counts consecutive failures. Once MaxAttempts is exhausted
// and the incumbent is absent or older than MaxModelAge, the scope is flagged
// for manual review and automatic retries stop.
func (s *Scheduler) recordFailure(ctx context.Context, entityID string, now time.Time, cause error) {
	metrics.TrainingJobs.WithLabelValues("failed").Inc()

	s.mu.Lock()
	s.failures[entityID]++
	attempts := s.failures[entityID]
	s.mu.Unlock()

	s.logger.Warn("retraining attempt failed",
		zap.String("scope", entityID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
		zap.Error(cause))

	if attempts < s.cfg.MaxAttempts {
		return
	}

	incumbent := s.incumbentOrNil(ctx, entityID)
	stale := incumbent == nil || now.Sub(incumbent.TrainedAt) > s.cfg.MaxModelAge
	if !stale {
		// The incumbent is still fresh enough to serve; keep retrying on
		// the calendar.
		return
	}

	s.mu.Lock()
	flagged := s.review[entityID]
	s.review[entityID] = true
	count := len(s.review)
	s.mu.Unlock()

	if !flagged {
		metrics.ManualReviewScopes.Set(float64(count))
		s.logger.Error("scope flagged for manual review",
			zap.String("scope", entityID),
			zap.Int("failed_attempts", attempts))
	}
}

func (s *Scheduler) clearFailures(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, entityID)
	if s.review[entityID] {
		delete(s.review, entityID)
		metrics.ManualReviewScopes.Set(float64(len(s.review)))
	}
}

// ReviewScopes lists scopes awaiting manual intervention, sorted.
func (s *Scheduler) ReviewScopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.review))
	for scope := range s.review {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// ClearReview removes the manual-review flag, re-enabling automatic
// retraining for the scope.
func (s *Scheduler) ClearReview(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.review, entityID)
	delete(s.failures, entityID)
	metrics.ManualReviewScopes.Set(float64(len(s.review)))
}
