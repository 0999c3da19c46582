package forecast

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

// RidgeModel is a climate-adjusted ridge regression over a deterministic
// design: intercept, linear trend, weekly and annual Fourier terms, plus
// named exogenous regressors (e.g. a climate anomaly covariate).
type RidgeModel struct {
	params ridgeParams
}

// ridgeParams is the serialized parameter set. JSON keeps it evolvable: old
// readers ignore fields added by newer writers.
type ridgeParams struct {
	Beta       []float64 `json:"beta"`
	Regressors []string  `json:"regressors"`
	Weekly     bool      `json:"weekly"`
	Annual     bool      `json:"annual"`
	TrainStart time.Time `json:"train_start"`
	StepSec    int64     `json:"step_sec"`
	Residuals  []float64 `json:"residuals"`
	Ridge      float64   `json:"ridge"`
	Seed       int64     `json:"seed"`
}

func (m *RidgeModel) Family() string { return FamilyClimateRidge }

// featureRow builds the design row for a timestamp. The time index extends
// past the training window so trend and seasonality extrapolate.
func (p *ridgeParams) featureRow(ts time.Time, regressors map[string]float64) ([]float64, error) {
	step := float64(p.StepSec)
	idx := ts.Sub(p.TrainStart).Seconds() / step

	row := []float64{1, idx}
	if p.Weekly {
		w := 2 * math.Pi * idx / 7
		row = append(row, math.Sin(w), math.Cos(w))
	}
	if p.Annual {
		a := 2 * math.Pi * idx / 365.25
		row = append(row, math.Sin(a), math.Cos(a))
	}
	for _, name := range p.Regressors {
		v, ok := regressors[name]
		if !ok {
			return nil, apperrors.MissingRegressor.Explain("regressor %q absent at %s", name, ts.Format(time.RFC3339))
		}
		row = append(row, v)
	}
	return row, nil
}

// Fit solves the ridge-regularized least squares problem by stacking
// sqrt(lambda) rows under the design matrix. Deterministic for identical
// inputs; the seed is recorded for reproducibility audits.
func (m *RidgeModel) Fit(points []TrainingPoint, hp models.Hyperparameters, seed int64) error {
	if len(points) < 2 {
		return apperrors.TrainingFailure.Explain("ridge fit requires at least 2 points, got %d", len(points))
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	stepSec := int64(24 * 3600)
	if len(points) > 1 {
		if d := points[1].Timestamp.Sub(points[0].Timestamp); d > 0 {
			stepSec = int64(d.Seconds())
		}
	}

	p := ridgeParams{
		Regressors: append([]string(nil), hp.Regressors...),
		Weekly:     hp.WeeklySeasonality,
		Annual:     hp.AnnualSeasonality,
		TrainStart: points[0].Timestamp.UTC(),
		StepSec:    stepSec,
		Ridge:      hp.Ridge,
		Seed:       seed,
	}
	sort.Strings(p.Regressors)

	n := len(points)
	probe, err := p.featureRow(points[0].Timestamp, points[0].Regressors)
	if err != nil {
		return apperrors.TrainingFailure.Explain("training point lacks regressor").Wrap(err)
	}
	k := len(probe)
	if n < k {
		return apperrors.TrainingFailure.Explain("insufficient samples: %d points for %d coefficients", n, k)
	}

	lambda := hp.Ridge
	if lambda < 0 {
		lambda = 0
	}
	rows := n + k
	x := mat.NewDense(rows, k, nil)
	y := mat.NewVecDense(rows, nil)
	for i, pt := range points {
		row, err := p.featureRow(pt.Timestamp, pt.Regressors)
		if err != nil {
			return apperrors.TrainingFailure.Explain("training point lacks regressor").Wrap(err)
		}
		x.SetRow(i, row)
		y.SetVec(i, pt.Target)
	}
	// Regularization rows: sqrt(lambda) on the diagonal, zero targets. The
	// intercept stays unpenalized.
	sqrtLambda := math.Sqrt(lambda)
	for j := 1; j < k; j++ {
		x.Set(n+j, j, sqrtLambda)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return apperrors.TrainingFailure.Explain("ridge system did not converge").Wrap(err)
	}
	p.Beta = make([]float64, k)
	for j := 0; j < k; j++ {
		p.Beta[j] = beta.AtVec(j)
	}

	p.Residuals = make([]float64, n)
	for i, pt := range points {
		row, _ := p.featureRow(pt.Timestamp, pt.Regressors)
		p.Residuals[i] = pt.Target - dot(row, p.Beta)
	}

	m.params = p
	return nil
}

// Forecast produces point estimates with residual-quantile intervals. A
// missing regressor at any horizon point fails the whole forecast; values
// are never silently defaulted.
func (m *RidgeModel) Forecast(horizon []HorizonPoint, coverage float64) ([]PointForecast, error) {
	if len(m.params.Beta) == 0 {
		return nil, apperrors.Validation.Explain("model is not fitted")
	}
	lo, hi := intervalOffsets(m.params.Residuals, coverage)

	out := make([]PointForecast, 0, len(horizon))
	for _, h := range horizon {
		row, err := m.params.featureRow(h.Timestamp, h.Regressors)
		if err != nil {
			return nil, err
		}
		v := dot(row, m.params.Beta)
		out = append(out, PointForecast{
			Timestamp: h.Timestamp,
			Value:     v,
			Low:       v + lo,
			High:      v + hi,
		})
	}
	return out, nil
}

func (m *RidgeModel) MarshalParams() ([]byte, error) {
	return json.Marshal(m.params)
}

func (m *RidgeModel) UnmarshalParams(data []byte) error {
	return json.Unmarshal(data, &m.params)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// quantile evaluates the empirical quantile of xs at p.
func quantile(xs []float64, p float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}
