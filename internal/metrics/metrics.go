package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты приёма пинга.
const (
	ResultMapped      = "mapped"
	ResultUnmapped    = "unmapped"
	ResultInvalid     = "invalid"
	ResultRateLimited = "rate_limited"
	ResultStoreError  = "store_error"
)

// Исходы обработки события живой карты.
const (
	OutcomeApplied    = "applied"
	OutcomeStale      = "stale"
	OutcomeUnmapped   = "unmapped"
	OutcomeOutOfScope = "out_of_scope"
	OutcomeNoProfile  = "no_profile"
	OutcomeClosed     = "closed"
	OutcomeFuture     = "future"
)

// Результаты тика in-app трекера.
const (
	TickRecorded     = "recorded"
	TickInvalidFix   = "invalid_fix"
	TickSourceError  = "source_error"
	TickStoreError   = "store_error"
	TickPublishError = "publish_error"
)

var (
	PingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bts_pings_ingested_total",
			Help: "Location pings handled by the ingestion endpoint, by result",
		},
		[]string{"result"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bts_ingest_duration_seconds",
			Help:    "Time spent resolving and persisting one ping",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	ChangePublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bts_change_publish_failures_total",
			Help: "Location change events that could not be published",
		},
	)

	LiveMapEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bts_livemap_events_total",
			Help: "Change feed events seen by the live map engine, by outcome",
		},
		[]string{"outcome"},
	)

	LiveMapMarkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bts_livemap_markers",
			Help: "Markers currently placed on the live map",
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bts_websocket_clients",
			Help: "Connected live map websocket clients",
		},
	)

	TrackerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bts_tracker_ticks_total",
			Help: "In-app tracker ticks, by result",
		},
		[]string{"result"},
	)
)
