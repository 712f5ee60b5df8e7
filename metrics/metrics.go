package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type DownloaderMetrics struct {
	DownloadRequestCount        prometheus.Counter
	DownloadRequestDurationSec  *prometheus.SummaryVec
	DownloadPipelineDurationSec *prometheus.SummaryVec
	JobResults                  *prometheus.CounterVec

	SegmentsDownloaded prometheus.Counter
	SegmentRetries     *prometheus.CounterVec
	FetchDurationSec   prometheus.Histogram

	HTTPRequestsInFlight prometheus.Gauge
}

func NewMetrics() *DownloaderMetrics {
	m := &DownloaderMetrics{
		// /api/download request metrics
		DownloadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "download_request_count",
			Help: "The total number of requests to /api/download",
		}),
		DownloadRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "download_request_duration_seconds",
			Help: "The latency of the requests made to /api/download in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		DownloadPipelineDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "download_pipeline_duration_seconds",
			Help: "The time that download jobs take end to end, broken up by success",
		}, []string{"success"}),
		JobResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "download_job_results",
			Help: "Terminal job outcomes, broken up by result and error kind",
		}, []string{"result", "kind"}),

		// Segment fetch metrics
		SegmentsDownloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "segments_downloaded_total",
			Help: "The total number of media segments fetched successfully",
		}),
		SegmentRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_retries_total",
			Help: "Segment fetch retries, broken up by error class",
		}, []string{"class"}),
		FetchDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_phase_duration_seconds",
			Help:    "Time taken by the segment fetch phase",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "The number of API requests currently being served",
		}),
	}

	return m
}

var Metrics = NewMetrics()
