package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Tracks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "footprint_tracks_total",
		Help: "Total number of track calls, labelled by mode (sync|async) and outcome.",
	}, []string{"mode", "outcome"})

	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "footprint_geo_lookups_total",
		Help: "Total number of geolocation attempts, labelled by outcome.",
	}, []string{"outcome"})

	GeoLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "footprint_geo_lookup_duration_seconds",
		Help:    "Geolocation lookup latency in seconds.",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "footprint_tasks_processed_total",
		Help: "Total number of deferred tasks handled, labelled by queue driver and outcome.",
	}, []string{"queue", "outcome"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "footprint_queue_depth",
		Help: "Pending deferred tasks observed by the queue driver.",
	}, []string{"queue"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
