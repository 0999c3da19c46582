package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/demandcast/demandcast/internal/config"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
)

// KafkaSink publishes drift alerts to a Kafka topic. Messages are keyed by
// scope|status|window_end so at-least-once delivery stays dedupable on the
// consumer side.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a Kafka-backed alert sink.
func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: writer, logger: logger}
}

// Emit publishes one alert. Failures are returned to the caller; the drift
// monitor logs them and keeps going, it never blocks the pipeline on a broker
// outage.
func (s *KafkaSink) Emit(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return apperrors.Internal.Explain("encode drift alert").Wrap(err)
	}
	key := fmt.Sprintf("%s|%s|%s", alert.EntityScope, alert.Status, alert.WindowEnd.UTC().Format(time.RFC3339))

	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  alert.Timestamp,
	}); err != nil {
		return apperrors.Internal.Explain("publish drift alert for %q", alert.EntityScope).Wrap(err)
	}

	metrics.AlertsEmitted.WithLabelValues(string(alert.Status)).Inc()
	s.logger.Info("drift alert published",
		zap.String("scope", alert.EntityScope),
		zap.String("status", string(alert.Status)),
		zap.Float64("value", alert.Value))
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
