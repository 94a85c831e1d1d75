package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline metrics
var (
	IngestItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_ingest_items_total",
			Help: "Staged files processed by ingest, by result",
		},
		[]string{"result"}, // imported, replaced, quarantined, error
	)

	ValidateItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_validate_items_total",
			Help: "Catalog rows processed by validate, by result",
		},
		[]string{"result"}, // ok, missing, error
	)

	DerivativesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_derivatives_generated_total",
			Help: "Derivative images written, by tier",
		},
		[]string{"tier"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phototank_job_duration_seconds",
			Help:    "Wall-clock duration of ingest/validate jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"type", "state"},
	)
)

// Geocoder metrics
var (
	GeocodeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_geocode_lookups_total",
			Help: "Reverse geocode attempts, by outcome",
		},
		[]string{"outcome"}, // cache_hit, resolved, miss, provider_error, quota_halted
	)

	GeocodeProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_geocode_provider_requests_total",
			Help: "Outbound provider HTTP requests, by status",
		},
		[]string{"status"},
	)
)

// Store metrics
var (
	StoreLockRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phototank_store_lock_retries_total",
			Help: "Writes retried because the database was locked",
		},
		[]string{"operation"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
