// Package models holds the shared persistence models of the forecasting
// platform.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity is a forecastable unit, typically region x product category.
// Identity is immutable; the hierarchy path may be amended administratively.
type Entity struct {
	ID            string    `gorm:"primaryKey;size:128" json:"id"`
	HierarchyPath string    `gorm:"size:512;index" json:"hierarchy_path"`
	Active        bool      `gorm:"default:true" json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ParentScope returns the parent cluster of a hierarchy path, or "" at the
// root. Paths are slash separated, e.g. "in/north/festive-bundles".
func ParentScope(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// FeatureRecord is an append-only engineered feature observation. Rows are
// never mutated; corrections are new rows with a later ingestion time and
// readers resolve latest-ingestion-wins.
type FeatureRecord struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	EntityID      string    `gorm:"size:128;uniqueIndex:ux_feature_version,priority:1" json:"entity_id"`
	Timestamp     time.Time `gorm:"uniqueIndex:ux_feature_version,priority:2" json:"timestamp"`
	FeatureName   string    `gorm:"size:128;uniqueIndex:ux_feature_version,priority:3" json:"feature_name"`
	Value         float64   `json:"value"`
	IngestionTime time.Time `gorm:"uniqueIndex:ux_feature_version,priority:4" json:"ingestion_time"`
}

// ModelStatus is the lifecycle state of a trained artifact.
type ModelStatus string

const (
	ModelStatusTraining  ModelStatus = "training"
	ModelStatusCandidate ModelStatus = "candidate"
	ModelStatusActive    ModelStatus = "active"
	ModelStatusRetired   ModelStatus = "retired"
)

// ModelArtifact is the metadata record of a trained model version. The
// serialized parameters live in the blob store keyed by ID; hyperparameters
// are stored as JSON so new fields never break old readers.
type ModelArtifact struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	EntityScope     string      `gorm:"size:512;index" json:"entity_scope"`
	Version         int         `json:"version"`
	Family          string      `gorm:"size:64" json:"family"`
	TrainStart      time.Time   `json:"train_start"`
	TrainEnd        time.Time   `json:"train_end"`
	Hyperparameters string      `gorm:"type:text" json:"hyperparameters"`
	Seed            int64       `json:"seed"`
	SampleCount     int         `json:"sample_count"`
	Status          ModelStatus `gorm:"size:16;index" json:"status"`
	TrainedAt       time.Time   `json:"trained_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Servable reports whether predictions may be generated from this artifact.
// Retired artifacts are retained for audit but never selected.
func (a *ModelArtifact) Servable() bool {
	return a.Status == ModelStatusCandidate || a.Status == ModelStatusActive
}

// ScopeActive is the atomic (entity_scope -> active model) mapping. Version
// is the compare-and-swap fence: promotions that lose the race observe a
// stale version and fail with a conflict.
type ScopeActive struct {
	EntityScope   string    `gorm:"primaryKey;size:512" json:"entity_scope"`
	ActiveModelID uuid.UUID `gorm:"type:uuid" json:"active_model_id"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Prediction is an immutable point forecast with its confidence interval.
type Prediction struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ModelID         uuid.UUID `gorm:"type:uuid;index" json:"model_id"`
	EntityID        string    `gorm:"size:128;index:idx_prediction_target,priority:1" json:"entity_id"`
	TargetTimestamp time.Time `gorm:"index:idx_prediction_target,priority:2" json:"target_timestamp"`
	PredictedValue  float64   `json:"predicted_value"`
	IntervalLow     float64   `json:"interval_low"`
	IntervalHigh    float64   `json:"interval_high"`
	Coverage        float64   `json:"coverage"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// ActualObservation arrives asynchronously, usually after the prediction it
// pairs with. Pairing is by (entity_id, timestamp).
type ActualObservation struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	EntityID      string    `gorm:"size:128;uniqueIndex:ux_actual_key,priority:1" json:"entity_id"`
	Timestamp     time.Time `gorm:"uniqueIndex:ux_actual_key,priority:2" json:"timestamp"`
	ObservedValue float64   `json:"observed_value"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// DriftStatus is the state of the drift state machine for a scope.
type DriftStatus string

const (
	DriftOK      DriftStatus = "ok"
	DriftWarning DriftStatus = "warning"
	DriftBreach  DriftStatus = "breach"
)

// DriftSignal is a recorded evaluation of the rolling error metric against
// its thresholds.
type DriftSignal struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	EntityScope string      `gorm:"size:512;index" json:"entity_scope"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Metric      string      `gorm:"size:32" json:"metric"`
	Value       float64     `json:"value"`
	Threshold   float64     `json:"threshold"`
	Status      DriftStatus `gorm:"size:16" json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Hyperparameters configures a training run. Serialized as JSON on the
// artifact; unknown fields from newer writers are ignored by old readers.
type Hyperparameters struct {
	Family            string   `json:"family"`
	Ridge             float64  `json:"ridge,omitempty"`
	WeeklySeasonality bool     `json:"weekly_seasonality,omitempty"`
	AnnualSeasonality bool     `json:"annual_seasonality,omitempty"`
	Regressors        []string `json:"regressors,omitempty"`
	Coverage          float64  `json:"coverage,omitempty"`
	SeasonLength      int      `json:"season_length,omitempty"`
}
