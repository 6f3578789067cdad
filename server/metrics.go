package server

import (
	"time"

	"github.com/krau/pancaketagger/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	predictions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     prometheus.Histogram
	uploads     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pancaketagger_predictions_total",
			Help: "Successful classifications by predicted label.",
		}, []string{"label"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pancaketagger_prediction_failures_total",
			Help: "Failed classifications by reason.",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pancaketagger_classify_duration_seconds",
			Help:    "Time spent decoding, preprocessing and running one image.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pancaketagger_uploads_saved_total",
			Help: "Uploaded images written to the uploads directory.",
		}),
	}
	reg.MustRegister(
		m.predictions,
		m.failures,
		m.latency,
		m.uploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observe(res *service.Result, err error, took time.Duration) {
	m.latency.Observe(took.Seconds())
	if err != nil || res == nil {
		m.failures.WithLabelValues(service.Reason(err)).Inc()
		return
	}
	m.predictions.WithLabelValues(res.Label).Inc()
}
