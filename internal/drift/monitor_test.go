package drift

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/demandcast/demandcast/internal/alerting"
	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/database"
	"github.com/demandcast/demandcast/pkg/models"
)

type recordSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (s *recordSink) Emit(_ context.Context, alert alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordSink) Close() error { return nil }

func (s *recordSink) byStatus(status models.DriftStatus) []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerting.Alert
	for _, a := range s.alerts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

type MonitorTestSuite struct {
	suite.Suite
	db      *gorm.DB
	sink    *recordSink
	monitor *Monitor
	ctx     context.Context
	clock   time.Time
}

func (s *MonitorTestSuite) SetupTest() {
	db, err := database.NewTestDB()
	s.Require().NoError(err)
	s.db = db
	s.sink = &recordSink{}
	s.monitor = NewMonitor(db, s.sink, config.DriftConfig{
		WindowSize:        3,
		ThresholdLow:      0.10,
		ThresholdHigh:     0.20,
		BreachConsecutive: 3,
	}, zaptest.NewLogger(s.T()))
	s.ctx = context.Background()
	s.clock = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

// observe feeds one pair with the exact absolute percentage error given.
func (s *MonitorTestSuite) observe(scope string, ape float64) {
	pred := &models.Prediction{PredictedValue: 100 * (1 - ape)}
	actual := &models.ActualObservation{EntityID: scope, Timestamp: s.clock, ObservedValue: 100}
	s.clock = s.clock.Add(24 * time.Hour)
	s.Require().NoError(s.monitor.Observe(s.ctx, scope, pred, actual))
}

func (s *MonitorTestSuite) TestLowThenHighTransitionsOnceEach() {
	const scope = "in/north/festive-bundles"
	for i := 0; i < 10; i++ {
		s.observe(scope, 0.05)
	}
	status, rolling, _ := s.monitor.State(scope)
	s.Equal(models.DriftOK, status)
	s.InDelta(0.05, rolling, 1e-9)

	for i := 0; i < 5; i++ {
		s.observe(scope, 0.30)
	}
	status, _, _ = s.monitor.State(scope)
	s.Equal(models.DriftBreach, status)

	s.Len(s.sink.byStatus(models.DriftWarning), 1, "exactly one warning transition")
	s.Len(s.sink.byStatus(models.DriftBreach), 1, "exactly one breach transition")

	var signals []models.DriftSignal
	s.Require().NoError(s.db.Where("entity_scope = ?", scope).Order("id").Find(&signals).Error)
	s.Require().Len(signals, 2)
	s.Equal(models.DriftWarning, signals[0].Status)
	s.Equal(models.DriftBreach, signals[1].Status)

	select {
	case breached := <-s.monitor.Breaches():
		s.Equal(scope, breached)
	default:
		s.Fail("breach trigger was not delivered")
	}
}

func (s *MonitorTestSuite) TestWarningNeedsConsecutiveHighs() {
	const scope = "in/south/beverages"
	// Alternate above and below the high threshold; the streak keeps
	// resetting and breach must never fire.
	for i := 0; i < 12; i++ {
		if i%2 == 0 {
			s.observe(scope, 0.30)
		} else {
			s.observe(scope, 0.12)
		}
	}
	status, _, _ := s.monitor.State(scope)
	s.NotEqual(models.DriftBreach, status)
	s.Empty(s.sink.byStatus(models.DriftBreach))
}

func (s *MonitorTestSuite) TestBreachHoldsUntilRetrained() {
	const scope = "in/west/basics"
	s.observe(scope, 0.05)
	for i := 0; i < 5; i++ {
		s.observe(scope, 0.40)
	}
	status, _, _ := s.monitor.State(scope)
	s.Require().Equal(models.DriftBreach, status)

	// Error recovers on its own, but no retraining happened: stay breached.
	for i := 0; i < 4; i++ {
		s.observe(scope, 0.02)
	}
	status, rolling, _ := s.monitor.State(scope)
	s.Equal(models.DriftBreach, status)
	s.Less(rolling, 0.10)

	s.monitor.NotifyRetrained(scope)
	s.observe(scope, 0.02)
	status, _, _ = s.monitor.State(scope)
	s.Equal(models.DriftOK, status)
}

func (s *MonitorTestSuite) TestWarningRecoversWithoutRetraining() {
	const scope = "in/east/garden"
	s.observe(scope, 0.05)
	s.observe(scope, 0.40) // rolling 0.225, ok -> warning
	status, _, _ := s.monitor.State(scope)
	s.Require().Equal(models.DriftWarning, status)

	for i := 0; i < 3; i++ {
		s.observe(scope, 0.02)
	}
	status, _, _ = s.monitor.State(scope)
	s.Equal(models.DriftOK, status)
}

func (s *MonitorTestSuite) TestZeroActualSkipped() {
	const scope = "in/north/festive-bundles"
	pred := &models.Prediction{PredictedValue: 50}
	actual := &models.ActualObservation{EntityID: scope, Timestamp: s.clock, ObservedValue: 0}
	s.Require().NoError(s.monitor.Observe(s.ctx, scope, pred, actual))

	_, _, count := s.monitor.State(scope)
	s.Zero(count)
}

func (s *MonitorTestSuite) TestScopesAreIndependent() {
	for i := 0; i < 6; i++ {
		s.observe("scope-a", 0.50)
		s.observe("scope-b", 0.01)
	}
	statusA, _, _ := s.monitor.State("scope-a")
	statusB, _, _ := s.monitor.State("scope-b")
	s.Equal(models.DriftBreach, statusA)
	s.Equal(models.DriftOK, statusB)
}
