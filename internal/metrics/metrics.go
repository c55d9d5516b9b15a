package metrics

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cascade-backend/internal/cascade"
)

// Recorder exports cascade outcomes to Prometheus. It implements
// cascade.Observer and store.CommitObserver.
type Recorder struct {
	gatherer prometheus.Gatherer

	records        *prometheus.CounterVec
	errors         *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
}

// NewRecorder registers the cascade metrics on a fresh registry, which also
// carries the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newRecorder(reg, reg)
}

func newRecorder(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_records_total",
				Help: "Total number of records deleted by cascades",
			},
			[]string{"entity", "mode"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_errors_total",
				Help: "Total number of aborted cascades by error code",
			},
			[]string{"code"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_commit_duration_seconds",
				Help:    "Duration of unit of work commits in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"status"},
		),
	}
}

// RecordDeleted counts one record reaching a terminal state.
func (r *Recorder) RecordDeleted(entity string, mode cascade.Mode) {
	r.records.WithLabelValues(entity, mode.String()).Inc()
}

// CascadeFailed counts an aborted cascade by its error code.
func (r *Recorder) CascadeFailed(err error) {
	code := "UNKNOWN"
	var cascadeErr *cascade.Error
	if errors.As(err, &cascadeErr) {
		code = cascadeErr.Code
	}
	r.errors.WithLabelValues(code).Inc()
}

// ObserveCommit records how long a commit took.
func (r *Recorder) ObserveCommit(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.commitDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
}
