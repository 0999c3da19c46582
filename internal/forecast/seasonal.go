package forecast

import (
	"encoding/json"
	"sort"
	"time"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

// SeasonalNaiveModel forecasts each future point as the historical mean of
// the same seasonal phase (same weekday for a length-7 season). It is the
// baseline family and needs no exogenous inputs.
type SeasonalNaiveModel struct {
	params seasonalParams
}

type seasonalParams struct {
	SeasonLength int       `json:"season_length"`
	PhaseMeans   []float64 `json:"phase_means"`
	TrainStart   time.Time `json:"train_start"`
	StepSec      int64     `json:"step_sec"`
	Residuals    []float64 `json:"residuals"`
	Seed         int64     `json:"seed"`
}

func (m *SeasonalNaiveModel) Family() string { return FamilySeasonalNaive }

func (m *SeasonalNaiveModel) Fit(points []TrainingPoint, hp models.Hyperparameters, seed int64) error {
	season := hp.SeasonLength
	if season <= 0 {
		season = 7
	}
	if len(points) < season {
		return apperrors.TrainingFailure.Explain("seasonal fit requires at least %d points, got %d", season, len(points))
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	stepSec := int64(24 * 3600)
	if d := points[1].Timestamp.Sub(points[0].Timestamp); d > 0 {
		stepSec = int64(d.Seconds())
	}

	sums := make([]float64, season)
	counts := make([]int, season)
	for i, pt := range points {
		phase := i % season
		sums[phase] += pt.Target
		counts[phase]++
	}
	means := make([]float64, season)
	for i := range means {
		if counts[i] == 0 {
			return apperrors.TrainingFailure.Explain("seasonal phase %d has no samples", i)
		}
		means[i] = sums[i] / float64(counts[i])
	}

	residuals := make([]float64, len(points))
	for i, pt := range points {
		residuals[i] = pt.Target - means[i%season]
	}

	m.params = seasonalParams{
		SeasonLength: season,
		PhaseMeans:   means,
		TrainStart:   points[0].Timestamp.UTC(),
		StepSec:      stepSec,
		Residuals:    residuals,
		Seed:         seed,
	}
	return nil
}

func (m *SeasonalNaiveModel) Forecast(horizon []HorizonPoint, coverage float64) ([]PointForecast, error) {
	p := m.params
	if len(p.PhaseMeans) == 0 {
		return nil, apperrors.Validation.Explain("model is not fitted")
	}
	lo, hi := intervalOffsets(p.Residuals, coverage)

	out := make([]PointForecast, 0, len(horizon))
	for _, h := range horizon {
		idx := int(h.Timestamp.Sub(p.TrainStart).Seconds() / float64(p.StepSec))
		phase := ((idx % p.SeasonLength) + p.SeasonLength) % p.SeasonLength
		v := p.PhaseMeans[phase]
		out = append(out, PointForecast{Timestamp: h.Timestamp, Value: v, Low: v + lo, High: v + hi})
	}
	return out, nil
}

func (m *SeasonalNaiveModel) MarshalParams() ([]byte, error) {
	return json.Marshal(m.params)
}

func (m *SeasonalNaiveModel) UnmarshalParams(data []byte) error {
	return json.Unmarshal(data, &m.params)
}
