// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"seller_radar/models"
)

var (
	syncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_radar_sync_cycles_total",
			Help: "Sync cycles by final status",
		},
		[]string{"status"}, // SUCCESS, SKIPPED_LOCKED, ERROR
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seller_radar_sync_cycle_duration_seconds",
			Help:    "Wall time of sync cycles that held the lock",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
	)

	datasetRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_radar_dataset_runs_total",
			Help: "Dataset runs by terminal state",
		},
		[]string{"dataset", "state"},
	)

	rowsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_radar_rows_parsed_total",
			Help: "Data rows read from dataset entries",
		},
		[]string{"dataset"},
	)

	rowsInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_radar_rows_invalid_total",
			Help: "Data rows skipped as malformed or missing required fields",
		},
		[]string{"dataset"},
	)

	opportunityWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seller_radar_opportunity_writes_total",
			Help: "Opportunity merge outcomes",
		},
		[]string{"action"}, // inserted, updated, skipped_precedence, conflict
	)
)

func RecordCycle(status string, elapsed time.Duration) {
	syncCycles.WithLabelValues(status).Inc()
	if elapsed > 0 {
		cycleDuration.Observe(elapsed.Seconds())
	}
}

func RecordDataset(o models.DatasetOutcome) {
	datasetRuns.WithLabelValues(o.DatasetKey, string(o.State)).Inc()
	rowsParsed.WithLabelValues(o.DatasetKey).Add(float64(o.Counters.RowsRead))
	rowsInvalid.WithLabelValues(o.DatasetKey).Add(float64(o.Counters.RowsInvalid))
	opportunityWrites.WithLabelValues("inserted").Add(float64(o.Counters.Inserted))
	opportunityWrites.WithLabelValues("updated").Add(float64(o.Counters.Updated))
	opportunityWrites.WithLabelValues("skipped_precedence").Add(float64(o.Counters.SkippedPrecedence))
	opportunityWrites.WithLabelValues("conflict").Add(float64(o.Counters.Conflicts))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
