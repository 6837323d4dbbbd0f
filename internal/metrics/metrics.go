package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mpataki/testforge/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "testforge"

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "runs_total",
		Help:      "Runs reaching a terminal status",
	}, []string{"status"})

	runsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "runs_rejected_total",
		Help:      "Launches refused because the concurrency cap was reached",
	})

	liveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "live_processes",
		Help:      "Test processes currently registered",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of completed runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	provisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "sandbox_provisions_total",
		Help:      "Environment provisioning attempts by result",
	}, []string{"result"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "outcomes_total",
		Help:      "Recorded test outcomes by status",
	}, []string{"status"})
)

func RecordRun(status models.RunStatus, d time.Duration) {
	runsTotal.WithLabelValues(string(status)).Inc()
	if d > 0 {
		runDuration.Observe(d.Seconds())
	}
}

func RecordRejected() {
	runsRejected.Inc()
}

func SetLiveProcesses(n int) {
	liveProcesses.Set(float64(n))
}

// RecordProvision labels result as "hit", "installed" or "failed".
func RecordProvision(result string) {
	provisions.WithLabelValues(result).Inc()
}

func RecordOutcomes(outcomes []models.Outcome) {
	for _, o := range outcomes {
		outcomesTotal.WithLabelValues(string(o.Status)).Inc()
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
