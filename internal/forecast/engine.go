package forecast

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/featurestore"
	"github.com/demandcast/demandcast/internal/registry"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

// Step is the platform cadence. Retail signals are daily.
const Step = 24 * time.Hour

// Engine trains and executes forecasting models against the feature store
// and registry.
type Engine struct {
	db     *gorm.DB
	store  *featurestore.Store
	reg    *registry.Registry
	cfg    config.ForecastConfig
	logger *zap.Logger
}

// NewEngine creates a forecast engine.
func NewEngine(db *gorm.DB, store *featurestore.Store, reg *registry.Registry, cfg config.ForecastConfig, logger *zap.Logger) *Engine {
	return &Engine{db: db, store: store, reg: reg, cfg: cfg, logger: logger}
}

func (e *Engine) hyperparameters() models.Hyperparameters {
	return models.Hyperparameters{
		Family:            e.cfg.Family,
		Ridge:             e.cfg.Ridge,
		WeeklySeasonality: true,
		AnnualSeasonality: true,
		Regressors:        append([]string(nil), e.cfg.Regressors...),
		Coverage:          e.cfg.Coverage,
	}
}

// Train fits a model for the entity over [from, to] and registers the
// resulting artifact as a candidate. When the entity's own history is below
// the minimum-sample threshold, training falls back to its parent cluster's
// pooled data and the artifact's scope records the cluster, not the leaf.
func (e *Engine) Train(ctx context.Context, entityID string, from, to time.Time) (*models.ModelArtifact, error) {
	scope, points, err := e.buildTrainingSet(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}

	hp := e.hyperparameters()
	hpJSON, err := json.Marshal(hp)
	if err != nil {
		return nil, apperrors.Internal.Explain("encode hyperparameters").Wrap(err)
	}

	artifact := &models.ModelArtifact{
		ID:              uuid.New(),
		EntityScope:     scope,
		Family:          hp.Family,
		TrainStart:      from.UTC(),
		TrainEnd:        to.UTC(),
		Hyperparameters: string(hpJSON),
		Seed:            e.cfg.Seed,
		SampleCount:     len(points),
		Status:          models.ModelStatusTraining,
		TrainedAt:       time.Now().UTC(),
	}
	if err := e.reg.Register(ctx, artifact, nil); err != nil {
		return nil, err
	}

	model, err := New(hp.Family)
	if err != nil {
		return nil, e.abortTraining(ctx, artifact, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.abortTraining(ctx, artifact, apperrors.TrainingFailure.Explain("training cancelled").Wrap(err))
	}
	if err := model.Fit(points, hp, e.cfg.Seed); err != nil {
		return nil, e.abortTraining(ctx, artifact, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, e.abortTraining(ctx, artifact, apperrors.TrainingFailure.Explain("training cancelled").Wrap(err))
	}

	params, err := model.MarshalParams()
	if err != nil {
		return nil, e.abortTraining(ctx, artifact, apperrors.Internal.Explain("serialize parameters").Wrap(err))
	}
	if err := e.reg.Complete(ctx, artifact.ID, params); err != nil {
		return nil, e.abortTraining(ctx, artifact, err)
	}
	artifact.Status = models.ModelStatusCandidate

	e.logger.Info("model trained",
		zap.String("model_id", artifact.ID.String()),
		zap.String("scope", scope),
		zap.String("family", hp.Family),
		zap.Int("samples", len(points)))
	return artifact, nil
}

// abortTraining discards the partial artifact. Cancellation and failure
// leave no side effects on the currently active model.
func (e *Engine) abortTraining(ctx context.Context, artifact *models.ModelArtifact, cause error) error {
	// Discard with a fresh context so cancellation still cleans up.
	discardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.reg.Discard(discardCtx, artifact.ID); err != nil {
		e.logger.Warn("failed to discard partial artifact",
			zap.String("model_id", artifact.ID.String()), zap.Error(err))
	}
	return cause
}

// buildTrainingSet resolves the training scope and points. It tries the
// leaf first, then walks up the hierarchy path pooling cluster data until
// the minimum-sample threshold is met.
func (e *Engine) buildTrainingSet(ctx context.Context, entityID string, from, to time.Time) (string, []TrainingPoint, error) {
	entity, err := e.store.Entity(ctx, entityID)
	if err != nil {
		return "", nil, err
	}

	points, err := e.pointsFor(ctx, entity.ID, from, to)
	if err != nil {
		return "", nil, err
	}
	if len(points) >= e.cfg.MinSamples {
		return entity.ID, points, nil
	}

	cluster := entity.HierarchyPath
	for cluster != "" {
		siblings, err := e.store.EntitiesUnder(ctx, cluster)
		if err != nil {
			return "", nil, err
		}
		var pooled []TrainingPoint
		for _, sib := range siblings {
			p, err := e.pointsFor(ctx, sib.ID, from, to)
			if err != nil {
				return "", nil, err
			}
			pooled = append(pooled, p...)
		}
		if len(pooled) >= e.cfg.MinSamples {
			e.logger.Info("falling back to pooled cluster training",
				zap.String("entity", entityID),
				zap.String("cluster", cluster),
				zap.Int("leaf_samples", len(points)),
				zap.Int("pooled_samples", len(pooled)))
			return cluster, pooled, nil
		}
		cluster = models.ParentScope(cluster)
	}

	return "", nil, apperrors.TrainingFailure.Explain(
		"insufficient samples for %q: %d below threshold %d even after pooling",
		entityID, len(points), e.cfg.MinSamples)
}

// pointsFor extracts training points from the feature window. Missing steps
// and steps without the target feature are excluded, never imputed.
func (e *Engine) pointsFor(ctx context.Context, entityID string, from, to time.Time) ([]TrainingPoint, error) {
	series, err := e.store.Get(ctx, entityID, from, to, Step)
	if err != nil {
		return nil, err
	}
	var out []TrainingPoint
	for {
		p, ok := series.Next()
		if !ok {
			break
		}
		if p.Missing {
			continue
		}
		target, ok := p.Values[e.cfg.TargetFeature]
		if !ok {
			continue
		}
		regressors := make(map[string]float64, len(p.Values)-1)
		for name, v := range p.Values {
			if name != e.cfg.TargetFeature {
				regressors[name] = v
			}
		}
		out = append(out, TrainingPoint{Timestamp: p.Timestamp, Target: target, Regressors: regressors})
	}
	return out, nil
}

// load reconstructs the fitted model behind an artifact.
func (e *Engine) load(ctx context.Context, artifact *models.ModelArtifact) (Model, models.Hyperparameters, error) {
	var hp models.Hyperparameters
	if err := json.Unmarshal([]byte(artifact.Hyperparameters), &hp); err != nil {
		return nil, hp, apperrors.Internal.Explain("decode hyperparameters for %s", artifact.ID).Wrap(err)
	}
	model, err := New(artifact.Family)
	if err != nil {
		return nil, hp, err
	}
	params, err := e.reg.Params(ctx, artifact.ID)
	if err != nil {
		return nil, hp, err
	}
	if err := model.UnmarshalParams(params); err != nil {
		return nil, hp, apperrors.Internal.Explain("decode parameters for %s", artifact.ID).Wrap(err)
	}
	return model, hp, nil
}

// ActiveArtifact resolves the serving artifact for an entity: the entity's
// own scope first, then each enclosing cluster up the hierarchy path. A
// pooled cluster model serves every leaf underneath it.
func (e *Engine) ActiveArtifact(ctx context.Context, entityID string) (*models.ModelArtifact, error) {
	entity, err := e.store.Entity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for scope := entity.ID; scope != ""; {
		artifact, err := e.reg.GetActive(ctx, scope)
		if err == nil {
			return artifact, nil
		}
		if !apperrors.Is(err, apperrors.NoActiveModel) {
			return nil, err
		}
		if scope == entity.ID {
			scope = entity.HierarchyPath
		} else {
			scope = models.ParentScope(scope)
		}
	}
	return nil, apperrors.NoActiveModel.Explain("no active model for %q or any enclosing cluster", entityID)
}

// Predict produces and persists predictions for an entity from the given
// artifact. The artifact must be candidate or active.
func (e *Engine) Predict(ctx context.Context, artifact *models.ModelArtifact, entityID string, start time.Time, horizon int) ([]models.Prediction, error) {
	if !artifact.Servable() {
		return nil, apperrors.Validation.Explain("model %s is %s and cannot serve predictions", artifact.ID, artifact.Status)
	}
	if horizon < 1 {
		return nil, apperrors.Validation.Explain("horizon must be positive, got %d", horizon)
	}

	model, hp, err := e.load(ctx, artifact)
	if err != nil {
		return nil, err
	}

	start = start.UTC()
	end := start.Add(time.Duration(horizon-1) * Step)
	series, err := e.store.Get(ctx, entityID, start, end, Step)
	if err != nil {
		return nil, err
	}
	horizonPoints := make([]HorizonPoint, 0, horizon)
	for {
		p, ok := series.Next()
		if !ok {
			break
		}
		horizonPoints = append(horizonPoints, HorizonPoint{Timestamp: p.Timestamp, Regressors: p.Values})
	}

	coverage := hp.Coverage
	if coverage <= 0 || coverage >= 1 {
		coverage = e.cfg.Coverage
	}
	forecasts, err := model.Forecast(horizonPoints, coverage)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	preds := make([]models.Prediction, 0, len(forecasts))
	for _, f := range forecasts {
		preds = append(preds, models.Prediction{
			ModelID:         artifact.ID,
			EntityID:        entityID,
			TargetTimestamp: f.Timestamp,
			PredictedValue:  f.Value,
			IntervalLow:     f.Low,
			IntervalHigh:    f.High,
			Coverage:        coverage,
			GeneratedAt:     now,
		})
	}
	if err := e.db.WithContext(ctx).Create(&preds).Error; err != nil {
		return nil, apperrors.Internal.Explain("persist predictions for %q", entityID).Wrap(err)
	}
	return preds, nil
}

// LatestPrediction returns the most recently generated prediction for an
// entity at a target timestamp, used to pair incoming actuals.
func (e *Engine) LatestPrediction(ctx context.Context, entityID string, ts time.Time) (*models.Prediction, error) {
	var pred models.Prediction
	err := e.db.WithContext(ctx).
		Where("entity_id = ? AND target_timestamp = ?", entityID, ts.UTC()).
		Order("generated_at DESC, id DESC").
		First(&pred).Error
	if apperrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("no prediction for %q at %s", entityID, ts.Format(time.RFC3339))
	}
	if err != nil {
		return nil, apperrors.Internal.Explain("load prediction for %q", entityID).Wrap(err)
	}
	return &pred, nil
}

// Evaluate scores an artifact's mean absolute percentage error for an
// entity over a holdout window with known actuals. Predictions here are
// transient and not persisted.
func (e *Engine) Evaluate(ctx context.Context, artifact *models.ModelArtifact, entityID string, from, to time.Time) (float64, error) {
	model, hp, err := e.load(ctx, artifact)
	if err != nil {
		return 0, err
	}

	series, err := e.store.Get(ctx, entityID, from, to, Step)
	if err != nil {
		return 0, err
	}
	var horizonPoints []HorizonPoint
	for {
		p, ok := series.Next()
		if !ok {
			break
		}
		regressors := make(map[string]float64, len(p.Values))
		for name, v := range p.Values {
			if name != e.cfg.TargetFeature {
				regressors[name] = v
			}
		}
		horizonPoints = append(horizonPoints, HorizonPoint{Timestamp: p.Timestamp, Regressors: regressors})
	}

	coverage := hp.Coverage
	if coverage <= 0 || coverage >= 1 {
		coverage = e.cfg.Coverage
	}
	forecasts, err := model.Forecast(horizonPoints, coverage)
	if err != nil {
		return 0, err
	}

	actuals, err := e.store.Actuals(ctx, entityID, from, to)
	if err != nil {
		return 0, err
	}
	byTS := make(map[int64]float64, len(actuals))
	for _, a := range actuals {
		byTS[a.Timestamp.UTC().UnixNano()] = a.ObservedValue
	}

	var sum float64
	var n int
	for _, f := range forecasts {
		actual, ok := byTS[f.Timestamp.UnixNano()]
		if !ok || actual == 0 {
			continue
		}
		sum += math.Abs(actual-f.Value) / math.Abs(actual)
		n++
	}
	if n == 0 {
		return 0, apperrors.TrainingFailure.Explain("no holdout actuals for %q in evaluation window", entityID)
	}
	return sum / float64(n), nil
}
