// Package alerting delivers drift state transitions to downstream consumers.
package alerting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

// Alert is a drift state transition event.
type Alert struct {
	EntityScope string             `json:"entity_scope"`
	Status      models.DriftStatus `json:"status"`
	Metric      string             `json:"metric"`
	Value       float64            `json:"value"`
	Threshold   float64            `json:"threshold"`
	WindowEnd   time.Time          `json:"window_end"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Sink receives drift alerts. Delivery is at-least-once; consumers dedupe on
// the message key.
type Sink interface {
	Emit(ctx context.Context, alert Alert) error
	Close() error
}

// NoopSink logs alerts instead of delivering them. Used in tests and in
// deployments without a broker; the substitution itself is logged at startup
// by the caller.
type NoopSink struct {
	logger *zap.Logger
}

// NewNoopSink creates a sink that only logs.
func NewNoopSink(logger *zap.Logger) *NoopSink {
	return &NoopSink{logger: logger}
}

func (s *NoopSink) Emit(_ context.Context, alert Alert) error {
	s.logger.Info("drift alert (no broker configured)",
		zap.String("scope", alert.EntityScope),
		zap.String("status", string(alert.Status)),
		zap.Float64("value", alert.Value),
		zap.Time("window_end", alert.WindowEnd))
	metrics.AlertsEmitted.WithLabelValues(string(alert.Status)).Inc()
	return nil
}

func (s *NoopSink) Close() error { return nil }
