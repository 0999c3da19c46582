// Package drift tracks rolling forecast error per scope and drives the
// ok/warning/breach state machine that triggers retraining.
package drift

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/demandcast/demandcast/internal/alerting"
	"github.com/demandcast/demandcast/internal/config"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

const metricName = "rolling_mape"

// scopeState is the per-scope rolling window. Absolute percentage errors and
// their timestamps live in parallel ring buffers so each observation updates
// the mean in O(1).
type scopeState struct {
	errors []float64
	times  []time.Time
	next   int
	count  int
	sum    float64

	status     models.DriftStatus
	highStreak int
	retrained  bool
}

func (st *scopeState) push(ape float64, ts time.Time) {
	if st.count == len(st.errors) {
		st.sum -= st.errors[st.next]
	} else {
		st.count++
	}
	st.errors[st.next] = ape
	st.times[st.next] = ts
	st.next = (st.next + 1) % len(st.errors)
	st.sum += ape
}

func (st *scopeState) rolling() float64 {
	if st.count == 0 {
		return 0
	}
	return st.sum / float64(st.count)
}

// windowStart is the timestamp of the oldest observation still in the window.
func (st *scopeState) windowStart() time.Time {
	if st.count < len(st.errors) {
		return st.times[0]
	}
	return st.times[st.next]
}

// Monitor evaluates prediction/actual pairs against drift thresholds. All
// state transitions are persisted and emitted to the alert sink; only the
// breach transition feeds the retraining trigger channel.
type Monitor struct {
	db     *gorm.DB
	sink   alerting.Sink
	cfg    config.DriftConfig
	logger *zap.Logger

	mu       sync.Mutex
	scopes   map[string]*scopeState
	breaches chan string
}

// NewMonitor creates a drift monitor.
func NewMonitor(db *gorm.DB, sink alerting.Sink, cfg config.DriftConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		db:       db,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		scopes:   make(map[string]*scopeState),
		breaches: make(chan string, 64),
	}
}

// Breaches is the retraining trigger feed. Each value is a scope that just
// entered the breach state.
func (m *Monitor) Breaches() <-chan string {
	return m.breaches
}

func (m *Monitor) state(scope string) *scopeState {
	st, ok := m.scopes[scope]
	if !ok {
		st = &scopeState{
			errors: make([]float64, m.cfg.WindowSize),
			times:  make([]time.Time, m.cfg.WindowSize),
			status: models.DriftOK,
		}
		m.scopes[scope] = st
	}
	return st
}

// Observe folds one prediction/actual pair into the scope's rolling window
// and advances the state machine. Pairs with a zero actual are skipped since
// percentage error is undefined there.
func (m *Monitor) Observe(ctx context.Context, scope string, pred *models.Prediction, actual *models.ActualObservation) error {
	if actual.ObservedValue == 0 {
		m.logger.Debug("skipping drift observation with zero actual",
			zap.String("scope", scope), zap.Time("timestamp", actual.Timestamp))
		return nil
	}
	ape := math.Abs(actual.ObservedValue-pred.PredictedValue) / math.Abs(actual.ObservedValue)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(scope)
	st.push(ape, actual.Timestamp.UTC())
	rolling := st.rolling()

	metrics.RollingError.WithLabelValues(scope).Set(rolling)

	prev := st.status
	switch st.status {
	case models.DriftOK:
		if rolling > m.cfg.ThresholdLow {
			st.status = models.DriftWarning
			st.highStreak = 0
		}
	case models.DriftWarning:
		if rolling > m.cfg.ThresholdHigh {
			st.highStreak++
			if st.highStreak >= m.cfg.BreachConsecutive {
				st.status = models.DriftBreach
				st.retrained = false
			}
		} else {
			st.highStreak = 0
			if rolling <= m.cfg.ThresholdLow {
				st.status = models.DriftOK
			}
		}
	case models.DriftBreach:
		// Breach only clears once a retraining cycle completed and the new
		// model's error is back under the low threshold.
		if st.retrained && rolling < m.cfg.ThresholdLow {
			st.status = models.DriftOK
			st.retrained = false
			st.highStreak = 0
		}
	}

	metrics.DriftState.WithLabelValues(scope).Set(stateValue(st.status))

	if st.status == prev {
		return nil
	}
	return m.transition(ctx, scope, st, prev, rolling)
}

// NotifyRetrained records that a retraining cycle completed for the scope.
// The breach state clears on the next observation below the low threshold.
func (m *Monitor) NotifyRetrained(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.scopes[scope]; ok {
		st.retrained = true
	}
}

// State reports the scope's current drift status, rolling metric, and window
// occupancy.
func (m *Monitor) State(scope string) (models.DriftStatus, float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[scope]
	if !ok {
		return models.DriftOK, 0, 0
	}
	return st.status, st.rolling(), st.count
}

// History returns the persisted drift signals for a scope, newest first.
func (m *Monitor) History(ctx context.Context, scope string, limit int) ([]models.DriftSignal, error) {
	var signals []models.DriftSignal
	err := m.db.WithContext(ctx).
		Where("entity_scope = ?", scope).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&signals).Error
	if err != nil {
		return nil, apperrors.Internal.Explain("load drift signals for %q", scope).Wrap(err)
	}
	return signals, nil
}

// transition persists the signal and emits the alert. Called with the mutex
// held; sink errors are logged, never propagated into the ingest path.
func (m *Monitor) transition(ctx context.Context, scope string, st *scopeState, prev models.DriftStatus, rolling float64) error {
	threshold := m.cfg.ThresholdLow
	if st.status == models.DriftBreach {
		threshold = m.cfg.ThresholdHigh
	}
	windowEnd := st.times[(st.next-1+len(st.times))%len(st.times)]

	signal := models.DriftSignal{
		EntityScope: scope,
		WindowStart: st.windowStart(),
		WindowEnd:   windowEnd,
		Metric:      metricName,
		Value:       rolling,
		Threshold:   threshold,
		Status:      st.status,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&signal).Error; err != nil {
		return apperrors.Internal.Explain("persist drift signal for %q", scope).Wrap(err)
	}

	m.logger.Warn("drift state transition",
		zap.String("scope", scope),
		zap.String("from", string(prev)),
		zap.String("to", string(st.status)),
		zap.Float64("rolling", rolling))

	if err := m.sink.Emit(ctx, alerting.Alert{
		EntityScope: scope,
		Status:      st.status,
		Metric:      metricName,
		Value:       rolling,
		Threshold:   threshold,
		WindowEnd:   windowEnd,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		m.logger.Error("alert emission failed", zap.String("scope", scope), zap.Error(err))
	}

	if st.status == models.DriftBreach {
		select {
		case m.breaches <- scope:
		default:
			m.logger.Warn("breach channel full, trigger dropped", zap.String("scope", scope))
		}
	}
	return nil
}

func stateValue(s models.DriftStatus) float64 {
	switch s {
	case models.DriftWarning:
		return 1
	case models.DriftBreach:
		return 2
	default:
		return 0
	}
}
