// Package forecast trains and executes per-entity demand models. Model
// families implement a single capability set (fit, forecast, uncertainty)
// so new families slot in without touching the registry or drift logic.
package forecast

import (
	"time"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

// TrainingPoint is one resolved observation used for fitting.
type TrainingPoint struct {
	Timestamp  time.Time
	Target     float64
	Regressors map[string]float64
}

// HorizonPoint carries the exogenous inputs for one future timestamp.
type HorizonPoint struct {
	Timestamp  time.Time
	Regressors map[string]float64
}

// PointForecast is a point estimate with its confidence interval bounds.
type PointForecast struct {
	Timestamp time.Time
	Value     float64
	Low       float64
	High      float64
}

// Model is the capability every forecasting family implements. Fitting is
// deterministic given (points, hyperparameters, seed). Parameters round-trip
// through MarshalParams/UnmarshalParams as schema-evolvable JSON.
type Model interface {
	Family() string
	Fit(points []TrainingPoint, hp models.Hyperparameters, seed int64) error
	Forecast(horizon []HorizonPoint, coverage float64) ([]PointForecast, error)
	MarshalParams() ([]byte, error)
	UnmarshalParams(data []byte) error
}

const (
	FamilyClimateRidge  = "climate-ridge"
	FamilySeasonalNaive = "seasonal-naive"
)

// New instantiates an unfitted model of the given family.
func New(family string) (Model, error) {
	switch family {
	case FamilyClimateRidge:
		return &RidgeModel{}, nil
	case FamilySeasonalNaive:
		return &SeasonalNaiveModel{}, nil
	default:
		return nil, apperrors.Validation.Explain("unknown model family %q", family)
	}
}

// intervalOffsets derives asymmetric interval bounds from the fitted
// residual distribution at the requested coverage level.
func intervalOffsets(residuals []float64, coverage float64) (lo, hi float64) {
	if len(residuals) == 0 {
		return 0, 0
	}
	alpha := (1 - coverage) / 2
	return quantile(residuals, alpha), quantile(residuals, 1-alpha)
}
