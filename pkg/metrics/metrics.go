package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FeaturesIngested counts accepted feature records by entity
var FeaturesIngested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "demandcast_features_ingested_total",
		Help: "Total number of feature records accepted by the feature store",
	},
	[]string{"entity"},
)

// ActualsIngested counts accepted actual observations
var ActualsIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "demandcast_actuals_ingested_total",
		Help: "Total number of actual observations accepted",
	},
)

// ForecastLatency records latency distribution for forecast serving
var ForecastLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "demandcast_forecast_latency_seconds",
		Help:    "Latency in seconds to serve a forecast request",
		Buckets: prometheus.DefBuckets,
	},
)

// DriftState reports the drift state machine per scope (0=ok 1=warning 2=breach)
var DriftState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "demandcast_drift_state",
		Help: "Current drift state per entity scope (0=ok, 1=warning, 2=breach)",
	},
	[]string{"scope"},
)

// RollingError reports the rolling error metric per scope
var RollingError = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "demandcast_rolling_mape",
		Help: "Rolling mean absolute percentage error per entity scope",
	},
	[]string{"scope"},
)

// Training job outcomes
var (
	TrainingJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "demandcast_training_jobs_total",
			Help: "Training jobs by outcome (promoted, rejected, failed, cancelled)",
		},
		[]string{"outcome"},
	)

	TrainingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "demandcast_training_duration_seconds",
			Help:    "Wall-clock duration of training jobs",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	Promotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "demandcast_promotions_total",
			Help: "Total number of successful artifact promotions",
		},
	)

	PromotionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "demandcast_promotion_conflicts_total",
			Help: "Total number of lost promotion compare-and-swap races",
		},
	)

	ManualReviewScopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "demandcast_manual_review_scopes",
			Help: "Number of entity scopes flagged for manual intervention",
		},
	)
)

// AlertsEmitted counts drift alerts handed to the alert sink
var AlertsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "demandcast_drift_alerts_total",
		Help: "Drift alerts emitted by status",
	},
	[]string{"status"},
)

// Register registers all metrics with the given registry
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		FeaturesIngested,
		ActualsIngested,
		ForecastLatency,
		DriftState,
		RollingError,
		TrainingJobs,
		TrainingDuration,
		Promotions,
		PromotionConflicts,
		ManualReviewScopes,
		AlertsEmitted,
	)
}

// RegisterDefault registers all metrics with the default Prometheus registry
func RegisterDefault() {
	Register(prometheus.DefaultRegisterer)
}
