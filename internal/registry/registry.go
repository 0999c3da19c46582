// Package registry manages versioned model artifacts and their promotion
// state. Promotion is the single atomic operation of the platform: a
// compare-and-swap on the (entity_scope -> active model) mapping.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

// Registry is the model registry backed by Postgres metadata, a Badger blob
// store for parameters, and an optional Redis active-model cache.
type Registry struct {
	db     *gorm.DB
	blobs  BlobStore
	cache  activeCache
	logger *zap.Logger
}

// NewRegistry creates a registry. redisClient may be nil, in which case the
// active-model cache is disabled.
func NewRegistry(db *gorm.DB, blobs BlobStore, redisClient *redis.Client, logger *zap.Logger) *Registry {
	var cache activeCache = noopActiveCache{}
	if redisClient != nil {
		cache = newRedisActiveCache(redisClient)
	}
	return &Registry{db: db, blobs: blobs, cache: cache, logger: logger}
}

// Register stores a new artifact with its parameter blob. Only training and
// candidate are valid entry states; active is reachable exclusively through
// Promote.
func (r *Registry) Register(ctx context.Context, artifact *models.ModelArtifact, params []byte) error {
	if artifact.Status != models.ModelStatusTraining && artifact.Status != models.ModelStatusCandidate {
		return apperrors.Validation.Explain("artifact must be registered as training or candidate, got %q", artifact.Status)
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		row := tx.Model(&models.ModelArtifact{}).
			Where("entity_scope = ?", artifact.EntityScope).
			Select("COALESCE(MAX(version), 0)").Row()
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}
		artifact.Version = maxVersion + 1
		return tx.Create(artifact).Error
	})
	if err != nil {
		return apperrors.Internal.Explain("register artifact for scope %q", artifact.EntityScope).Wrap(err)
	}

	if params != nil {
		if err := r.blobs.Save(ctx, artifact.ID, params); err != nil {
			return err
		}
	}

	r.logger.Info("artifact registered",
		zap.String("model_id", artifact.ID.String()),
		zap.String("scope", artifact.EntityScope),
		zap.Int("version", artifact.Version),
		zap.String("status", string(artifact.Status)))
	return nil
}

// Complete attaches the fitted parameters to a training artifact and flips
// it to candidate.
func (r *Registry) Complete(ctx context.Context, modelID uuid.UUID, params []byte) error {
	if err := r.blobs.Save(ctx, modelID, params); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.ModelArtifact{}).
		Where("id = ? AND status = ?", modelID, models.ModelStatusTraining).
		Update("status", models.ModelStatusCandidate)
	if res.Error != nil {
		return apperrors.Internal.Explain("complete artifact %s", modelID).Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Validation.Explain("artifact %s is not in training state", modelID)
	}
	return nil
}

// Get resolves an artifact by ID.
func (r *Registry) Get(ctx context.Context, modelID uuid.UUID) (*models.ModelArtifact, error) {
	var artifact models.ModelArtifact
	err := r.db.WithContext(ctx).First(&artifact, "id = ?", modelID).Error
	if apperrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("model %s unknown", modelID)
	}
	if err != nil {
		return nil, apperrors.Internal.Explain("load model %s", modelID).Wrap(err)
	}
	return &artifact, nil
}

// Params loads the serialized parameters of an artifact.
func (r *Registry) Params(ctx context.Context, modelID uuid.UUID) ([]byte, error) {
	return r.blobs.Load(ctx, modelID)
}

// History lists all artifact versions for a scope, newest first. Retired
// artifacts are retained for audit.
func (r *Registry) History(ctx context.Context, scope string) ([]models.ModelArtifact, error) {
	var artifacts []models.ModelArtifact
	err := r.db.WithContext(ctx).
		Where("entity_scope = ?", scope).
		Order("version DESC").
		Find(&artifacts).Error
	if err != nil {
		return nil, apperrors.Internal.Explain("list artifacts for %q", scope).Wrap(err)
	}
	return artifacts, nil
}

// GetActive resolves the currently active artifact for a scope.
func (r *Registry) GetActive(ctx context.Context, scope string) (*models.ModelArtifact, error) {
	if id, ok := r.cache.get(ctx, scope); ok {
		artifact, err := r.Get(ctx, id)
		if err == nil && artifact.Status == models.ModelStatusActive {
			return artifact, nil
		}
		// Stale cache entry; fall through to the database.
		r.cache.invalidate(ctx, scope)
	}

	var mapping models.ScopeActive
	err := r.db.WithContext(ctx).First(&mapping, "entity_scope = ?", scope).Error
	if apperrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NoActiveModel.Explain("scope %q has no active model", scope)
	}
	if err != nil {
		return nil, apperrors.Internal.Explain("resolve active model for %q", scope).Wrap(err)
	}

	artifact, err := r.Get(ctx, mapping.ActiveModelID)
	if err != nil {
		return nil, err
	}
	r.cache.set(ctx, scope, artifact.ID)
	return artifact, nil
}

// Promote atomically flips the artifact to active and demotes the prior
// active artifact of the same scope to retired. A lost compare-and-swap race
// returns PromotionConflict; the caller rereads and retries. Rollback is the
// same operation applied to a previously retired artifact.
func (r *Registry) Promote(ctx context.Context, modelID uuid.UUID) error {
	var scope string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var artifact models.ModelArtifact
		if err := tx.First(&artifact, "id = ?", modelID).Error; err != nil {
			if apperrors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFound.Explain("model %s unknown", modelID)
			}
			return err
		}
		scope = artifact.EntityScope

		switch artifact.Status {
		case models.ModelStatusCandidate, models.ModelStatusRetired:
			// Promotable: fresh candidate, or rollback of a retired version.
		case models.ModelStatusActive:
			return apperrors.Validation.Explain("model %s is already active", modelID)
		default:
			return apperrors.Validation.Explain("model %s in state %q cannot be promoted", modelID, artifact.Status)
		}

		var current models.ScopeActive
		err := tx.First(&current, "entity_scope = ?", scope).Error
		switch {
		case apperrors.Is(err, gorm.ErrRecordNotFound):
			created := models.ScopeActive{
				EntityScope:   scope,
				ActiveModelID: modelID,
				Version:       1,
				UpdatedAt:     time.Now().UTC(),
			}
			if err := tx.Create(&created).Error; err != nil {
				if apperrors.Is(err, gorm.ErrDuplicatedKey) {
					return apperrors.PromotionConflict.Explain("scope %q activated concurrently", scope)
				}
				return err
			}
		case err != nil:
			return err
		default:
			res := tx.Model(&models.ScopeActive{}).
				Where("entity_scope = ? AND version = ?", scope, current.Version).
				Updates(map[string]interface{}{
					"active_model_id": modelID,
					"version":         current.Version + 1,
					"updated_at":      time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperrors.PromotionConflict.Explain("scope %q promotion lost the race", scope)
			}
			if current.ActiveModelID != uuid.Nil && current.ActiveModelID != modelID {
				if err := tx.Model(&models.ModelArtifact{}).
					Where("id = ? AND status = ?", current.ActiveModelID, models.ModelStatusActive).
					Update("status", models.ModelStatusRetired).Error; err != nil {
					return err
				}
			}
		}

		return tx.Model(&models.ModelArtifact{}).
			Where("id = ?", modelID).
			Update("status", models.ModelStatusActive).Error
	})

	if scope != "" {
		r.cache.invalidate(ctx, scope)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.PromotionConflict) {
			metrics.PromotionConflicts.Inc()
		}
		return err
	}

	metrics.Promotions.Inc()
	r.logger.Info("artifact promoted", zap.String("model_id", modelID.String()), zap.String("scope", scope))
	return nil
}

// Discard removes a partial artifact left behind by a cancelled or failed
// training run. Only training-state artifacts may be discarded; everything
// else is audit history.
func (r *Registry) Discard(ctx context.Context, modelID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", modelID, models.ModelStatusTraining).
		Delete(&models.ModelArtifact{})
	if res.Error != nil {
		return apperrors.Internal.Explain("discard artifact %s", modelID).Wrap(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return r.blobs.Delete(ctx, modelID)
}
