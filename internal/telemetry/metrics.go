// Package telemetry holds the Prometheus metrics of a training run. A batch
// run has no scrape endpoint, so the registry is written to a textfile for the
// node-exporter textfile collector.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/YuminosukeSato/churnforest/pkg/errors"
)

// Run outcomes used as the status label of RunsTotal.
const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

type Metrics struct {
	RunsTotal        *prometheus.CounterVec   // Training runs by outcome
	FitDuration      prometheus.Histogram     // Wall time of RandomForestClassifier.Fit
	TreesFitted      prometheus.Counter       // Trees fitted across all runs
	DatasetRows      prometheus.Gauge         // Rows in the last loaded dataset
	TestAccuracy     prometheus.Gauge         // Accuracy of the last run on its test split
	TrackingRequests *prometheus.CounterVec   // Tracking API calls by endpoint and HTTP status
	TrackingLatency  *prometheus.HistogramVec // Tracking API latency by endpoint

	gatherer prometheus.Gatherer
}

// New creates metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the metrics on registry, which is also the source
// for WriteTextfile.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "churnforest_runs_total",
			Help: "Total number of training runs by final status",
		}, []string{"status"}),
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "churnforest_fit_duration_seconds",
			Help:    "Time spent fitting the forest",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		TreesFitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "churnforest_trees_fitted_total",
			Help: "Total number of decision trees fitted",
		}),
		DatasetRows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "churnforest_dataset_rows",
			Help: "Number of rows in the loaded dataset",
		}),
		TestAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "churnforest_test_accuracy",
			Help: "Accuracy of the last fitted model on the test split",
		}),
		TrackingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "churnforest_tracking_requests_total",
			Help: "Total number of tracking API requests",
		}, []string{"endpoint", "status"}),
		TrackingLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "churnforest_tracking_request_duration_seconds",
			Help:    "Tracking API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		gatherer: registry,
	}
}

// ObserveTrackingRequest records one tracking call. statusCode 0 means the
// request never got a response.
func (m *Metrics) ObserveTrackingRequest(endpoint string, statusCode int, elapsed time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.TrackingRequests.WithLabelValues(endpoint, status).Inc()
	m.TrackingLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RunEnded counts a run by outcome.
func (m *Metrics) RunEnded(err error) {
	if err != nil {
		m.RunsTotal.WithLabelValues(StatusFailed).Inc()
		return
	}
	m.RunsTotal.WithLabelValues(StatusFinished).Inc()
}

// WriteTextfile writes every registered metric to path in the text
// exposition format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}
