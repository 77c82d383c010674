package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udsd_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "udsd_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	Decodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udsd_decodes_total",
		Help: "Trace decodes by outcome",
	}, []string{"outcome"})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "udsd_decode_duration_seconds",
		Help:    "Time spent decoding one trace",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udsd_frames_decoded_total",
		Help: "CAN frames parsed from uploaded traces",
	})

	DTCsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udsd_dtcs_extracted_total",
		Help: "DTC records extracted from uploaded traces",
	})

	AbsenceKinds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udsd_dtc_absence_total",
		Help: "Decodes without DTCs by explanation",
	}, []string{"kind"})

	ArtifactsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udsd_artifacts",
		Help: "Artifacts currently held by the daemon",
	})
)
