package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

func trainingSeries(n int, withClimate bool) []TrainingPoint {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]TrainingPoint, 0, n)
	for i := 0; i < n; i++ {
		ts := start.AddDate(0, 0, i)
		climate := 0.5 * math.Sin(2*math.Pi*float64(i)/30)
		target := 200 + 0.1*float64(i) + 25*math.Sin(2*math.Pi*float64(i)/7) + 10*climate
		regressors := map[string]float64{}
		if withClimate {
			regressors["climate_anomaly"] = climate
		}
		points = append(points, TrainingPoint{Timestamp: ts, Target: target, Regressors: regressors})
	}
	return points
}

func ridgeHP() models.Hyperparameters {
	return models.Hyperparameters{
		Family:            FamilyClimateRidge,
		Ridge:             1.0,
		WeeklySeasonality: true,
		AnnualSeasonality: false,
		Regressors:        []string{"climate_anomaly"},
		Coverage:          0.8,
	}
}

func TestRidgeFitIsDeterministic(t *testing.T) {
	points := trainingSeries(120, true)

	a := &RidgeModel{}
	require.NoError(t, a.Fit(append([]TrainingPoint(nil), points...), ridgeHP(), 42))
	b := &RidgeModel{}
	require.NoError(t, b.Fit(append([]TrainingPoint(nil), points...), ridgeHP(), 42))

	pa, err := a.MarshalParams()
	require.NoError(t, err)
	pb, err := b.MarshalParams()
	require.NoError(t, err)
	assert.Equal(t, string(pa), string(pb))
}

func TestRidgeForecastTracksSignal(t *testing.T) {
	points := trainingSeries(120, true)
	m := &RidgeModel{}
	require.NoError(t, m.Fit(points, ridgeHP(), 42))

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var horizon []HorizonPoint
	for i := 120; i < 134; i++ {
		climate := 0.5 * math.Sin(2*math.Pi*float64(i)/30)
		horizon = append(horizon, HorizonPoint{
			Timestamp:  start.AddDate(0, 0, i),
			Regressors: map[string]float64{"climate_anomaly": climate},
		})
	}

	forecasts, err := m.Forecast(horizon, 0.8)
	require.NoError(t, err)
	require.Len(t, forecasts, 14)
	for i, f := range forecasts {
		idx := 120 + i
		climate := 0.5 * math.Sin(2*math.Pi*float64(idx)/30)
		truth := 200 + 0.1*float64(idx) + 25*math.Sin(2*math.Pi*float64(idx)/7) + 10*climate
		assert.InDelta(t, truth, f.Value, 5.0)
		assert.Less(t, f.Low, f.High)
	}
}

func TestRidgeMissingRegressorFailsForecast(t *testing.T) {
	m := &RidgeModel{}
	require.NoError(t, m.Fit(trainingSeries(60, true), ridgeHP(), 42))

	horizon := []HorizonPoint{{
		Timestamp:  time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		Regressors: map[string]float64{}, // covariate absent
	}}
	_, err := m.Forecast(horizon, 0.8)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.MissingRegressor))
}

func TestRidgeMissingRegressorDuringFit(t *testing.T) {
	m := &RidgeModel{}
	err := m.Fit(trainingSeries(60, false), ridgeHP(), 42)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.TrainingFailure))
}

func TestRidgeParamsRoundTripAcrossVersions(t *testing.T) {
	m := &RidgeModel{}
	require.NoError(t, m.Fit(trainingSeries(60, true), ridgeHP(), 42))
	data, err := m.MarshalParams()
	require.NoError(t, err)

	// A newer writer may add fields; old readers must tolerate them.
	evolved := append([]byte(`{"future_field":123,`), data[1:]...)
	restored := &RidgeModel{}
	require.NoError(t, restored.UnmarshalParams(evolved))

	horizon := []HorizonPoint{{
		Timestamp:  time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Regressors: map[string]float64{"climate_anomaly": 0.2},
	}}
	a, err := m.Forecast(horizon, 0.8)
	require.NoError(t, err)
	b, err := restored.Forecast(horizon, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, a[0].Value, b[0].Value, 1e-9)
}

func TestSeasonalNaivePhases(t *testing.T) {
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC) // a Monday
	var points []TrainingPoint
	for i := 0; i < 28; i++ {
		points = append(points, TrainingPoint{
			Timestamp: start.AddDate(0, 0, i),
			Target:    float64(10 * (i%7 + 1)),
		})
	}

	m := &SeasonalNaiveModel{}
	require.NoError(t, m.Fit(points, models.Hyperparameters{Family: FamilySeasonalNaive}, 1))

	horizon := []HorizonPoint{
		{Timestamp: start.AddDate(0, 0, 28)}, // same phase as day 0
		{Timestamp: start.AddDate(0, 0, 30)}, // same phase as day 2
	}
	forecasts, err := m.Forecast(horizon, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 10, forecasts[0].Value, 1e-9)
	assert.InDelta(t, 30, forecasts[1].Value, 1e-9)
}
