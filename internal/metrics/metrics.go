// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PredictionsTotal counts risk predictions by resulting level.
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "predictions_total",
			Help:      "Total risk predictions served by risk level.",
		},
		[]string{"level"},
	)

	// PredictionDuration observes single-prediction latency.
	PredictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "riskengine",
			Name:      "prediction_duration_seconds",
			Help:      "Risk prediction duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TrainingRunsTotal counts training runs by model kind and outcome.
	TrainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "training_runs_total",
			Help:      "Total training runs by model kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	// TrainingDuration observes training run duration by model kind.
	TrainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskengine",
			Name:      "training_duration_seconds",
			Help:      "Training run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind"},
	)

	// ModelHoldoutF1 tracks the published risk model's holdout weighted F1.
	ModelHoldoutF1 = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "model_holdout_f1",
		Help: "Holdout weighted F1 of the published risk model.",
	})

	// DetectorSilhouette tracks the published detector's selection metric.
	DetectorSilhouette = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "detector_silhouette",
		Help: "Silhouette of the published anomaly detector's partition.",
	})

	// ModelPublishedTimestamp records when each model kind was last published.
	ModelPublishedTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "riskengine",
			Name:      "model_published_timestamp_seconds",
			Help:      "Unix time the production model of each kind was published.",
		},
		[]string{"kind"},
	)

	// AnomaliesDetectedTotal counts flagged protocols by alert level.
	AnomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "anomalies_detected_total",
			Help:      "Total protocols flagged as anomalous by alert level.",
		},
		[]string{"alert_level"},
	)

	// BatchItemsTotal counts batch items by operation and outcome.
	BatchItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskengine",
			Name:      "batch_items_total",
			Help:      "Total batch items processed by operation and outcome.",
		},
		[]string{"operation", "status"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "riskengine", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		PredictionsTotal,
		PredictionDuration,
		TrainingRunsTotal,
		TrainingDuration,
		ModelHoldoutF1,
		DetectorSilhouette,
		ModelPublishedTimestamp,
		AnomaliesDetectedTotal,
		BatchItemsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
