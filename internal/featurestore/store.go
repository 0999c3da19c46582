// Package featurestore provides durable, versioned storage of engineered
// time-series features. Records are append-only; readers resolve
// latest-ingestion-wins and gaps surface as explicit missing points.
package featurestore

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

// Point is one resolved feature vector. Missing marks a gap in the series;
// gaps are never silently interpolated.
type Point struct {
	Timestamp time.Time
	Values    map[string]float64
	Missing   bool
}

// Store is the feature store backed by Postgres with an in-process
// hot-window cache.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *hotCache
}

// NewStore creates a feature store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		cache:  newHotCache(),
	}
}

// EnsureEntity registers an entity if it does not exist yet, or amends its
// hierarchy path if it does.
func (s *Store) EnsureEntity(ctx context.Context, id, hierarchyPath string) error {
	if id == "" {
		return apperrors.Validation.Explain("entity id must not be empty")
	}
	entity := models.Entity{ID: id, HierarchyPath: hierarchyPath, Active: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hierarchy_path", "updated_at"}),
	}).Create(&entity).Error
	if err != nil {
		return apperrors.Internal.Explain("register entity %q", id).Wrap(err)
	}
	return nil
}

// Entity resolves an entity by ID.
func (s *Store) Entity(ctx context.Context, id string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.WithContext(ctx).First(&entity, "id = ?", id).Error
	if apperrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound.Explain("entity %q unknown", id)
	}
	if err != nil {
		return nil, apperrors.Internal.Explain("load entity %q", id).Wrap(err)
	}
	return &entity, nil
}

// EntitiesUnder lists active entities whose hierarchy path falls under the
// given cluster prefix. The prefix itself matches.
func (s *Store) EntitiesUnder(ctx context.Context, prefix string) ([]models.Entity, error) {
	var entities []models.Entity
	q := s.db.WithContext(ctx).Where("active = ?", true)
	q = q.Where("hierarchy_path = ? OR hierarchy_path LIKE ?", prefix, prefix+"/%")
	if err := q.Order("id").Find(&entities).Error; err != nil {
		return nil, apperrors.Internal.Explain("list entities under %q", prefix).Wrap(err)
	}
	return entities, nil
}

// Entities lists all active entities.
func (s *Store) Entities(ctx context.Context) ([]models.Entity, error) {
	var entities []models.Entity
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&entities).Error; err != nil {
		return nil, apperrors.Internal.Explain("list entities").Wrap(err)
	}
	return entities, nil
}

// Put appends one feature vector for an entity at a timestamp.
func (s *Store) Put(ctx context.Context, entityID string, ts time.Time, features map[string]float64) error {
	records := make([]models.FeatureRecord, 0, len(features))
	now := time.Now().UTC()
	for name, value := range features {
		records = append(records, models.FeatureRecord{
			EntityID:      entityID,
			Timestamp:     ts.UTC(),
			FeatureName:   name,
			Value:         value,
			IngestionTime: now,
		})
	}
	return s.PutBatch(ctx, records)
}

// PutBatch appends a batch of feature records. The write is idempotent
// under retry: exact duplicates by (entity, timestamp, feature, ingestion
// time) are skipped, and re-sent batches resolve to identical reads through
// latest-ingestion-wins.
func (s *Store) PutBatch(ctx context.Context, records []models.FeatureRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range records {
		records[i].Timestamp = records[i].Timestamp.UTC()
		if records[i].IngestionTime.IsZero() {
			records[i].IngestionTime = now
		}
		records[i].IngestionTime = records[i].IngestionTime.UTC()
		if records[i].EntityID == "" || records[i].FeatureName == "" {
			return apperrors.Validation.Explain("feature record requires entity_id and feature_name")
		}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, 500).Error
	if err != nil {
		return apperrors.Internal.Explain("append feature batch").Wrap(err)
	}

	for _, r := range records {
		s.cache.put(r.EntityID, r.Timestamp, r.FeatureName, r.Value, r.IngestionTime)
		metrics.FeaturesIngested.WithLabelValues(r.EntityID).Inc()
	}
	return nil
}

// PutActuals appends observed values as they arrive. Idempotent under
// retry: the (entity, timestamp) key is unique and duplicates are skipped.
func (s *Store) PutActuals(ctx context.Context, observations []models.ActualObservation) error {
	if len(observations) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range observations {
		observations[i].Timestamp = observations[i].Timestamp.UTC()
		if observations[i].IngestedAt.IsZero() {
			observations[i].IngestedAt = now
		}
		if observations[i].EntityID == "" {
			return apperrors.Validation.Explain("actual observation requires entity_id")
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(observations, 500).Error
	if err != nil {
		return apperrors.Internal.Explain("append actuals batch").Wrap(err)
	}
	metrics.ActualsIngested.Add(float64(len(observations)))
	return nil
}

// Actuals returns observed values for an entity in [from, to], time ordered.
func (s *Store) Actuals(ctx context.Context, entityID string, from, to time.Time) ([]models.ActualObservation, error) {
	var out []models.ActualObservation
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND timestamp >= ? AND timestamp <= ?", entityID, from.UTC(), to.UTC()).
		Order("timestamp").
		Find(&out).Error
	if err != nil {
		return nil, apperrors.Internal.Explain("read actuals for %q", entityID).Wrap(err)
	}
	return out, nil
}

// Get returns a lazy, time-ordered series of latest-ingestion-wins feature
// vectors for the entity at the given cadence. Steps without records yield
// an explicit missing point. An unknown entity is an error; a known entity
// with no data in the sub-window yields an empty (all missing) series.
func (s *Store) Get(ctx context.Context, entityID string, from, to time.Time, step time.Duration) (*Series, error) {
	if step <= 0 {
		return nil, apperrors.Validation.Explain("step must be positive")
	}
	if _, err := s.Entity(ctx, entityID); err != nil {
		return nil, err
	}

	from, to = from.UTC(), to.UTC()
	byTS, err := s.resolve(ctx, entityID, from, to)
	if err != nil {
		return nil, err
	}

	return &Series{from: from, to: to, step: step, values: byTS}, nil
}

// resolve folds the append-only log into latest-ingestion-wins values per
// (timestamp, feature), then overlays in-process cache entries so reads see
// this node's own writes even before they are visible in the database.
func (s *Store) resolve(ctx context.Context, entityID string, from, to time.Time) (map[int64]map[string]float64, error) {
	var rows []models.FeatureRecord
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND timestamp >= ? AND timestamp <= ?", entityID, from, to).
		Order("timestamp, feature_name, ingestion_time").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Internal.Explain("read features for %q", entityID).Wrap(err)
	}

	byTS := make(map[int64]map[string]float64)
	latest := make(map[cacheKey]int64)
	for _, r := range rows {
		key := r.Timestamp.UTC().UnixNano()
		vals, ok := byTS[key]
		if !ok {
			vals = make(map[string]float64)
			byTS[key] = vals
		}
		// Rows arrive in ingestion order, so the last write wins.
		vals[r.FeatureName] = r.Value
		latest[cacheKey{entityID: entityID, ts: key, name: r.FeatureName}] = r.IngestionTime.UTC().UnixNano()
	}

	for _, e := range s.cache.entries(entityID, from, to) {
		if ing, ok := latest[e.key]; ok && ing >= e.ingestion {
			continue
		}
		vals, ok := byTS[e.key.ts]
		if !ok {
			vals = make(map[string]float64)
			byTS[e.key.ts] = vals
		}
		vals[e.key.name] = e.value
	}
	return byTS, nil
}

// Series is a lazy cursor over a fixed-cadence feature window.
type Series struct {
	from, to time.Time
	step     time.Duration
	values   map[int64]map[string]float64
	cursor   int
}

// Next yields the next point in time order. The second return is false once
// the window is exhausted.
func (it *Series) Next() (Point, bool) {
	ts := it.from.Add(time.Duration(it.cursor) * it.step)
	if ts.After(it.to) {
		return Point{}, false
	}
	it.cursor++
	if vals, ok := it.values[ts.UnixNano()]; ok {
		return Point{Timestamp: ts, Values: vals}, true
	}
	return Point{Timestamp: ts, Missing: true}, true
}

// Collect drains the series into a slice. Mostly for the engine and tests.
func (it *Series) Collect() []Point {
	var out []Point
	for {
		p, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}
