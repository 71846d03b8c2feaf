package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric. Each instance owns its own registry so
// tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	FramesProcessed  prometheus.Counter
	FramesDropped    prometheus.Counter
	FirehoseDropped  prometheus.Counter
	TrackerDropped   prometheus.Counter
	FrameErrors      *prometheus.CounterVec
	FatalErrors      prometheus.Counter
	HookLatency      prometheus.Histogram
	HookTimeouts     prometheus.Counter
	MeasuredFPS      prometheus.Gauge
	RingBufferFrames prometheus.Gauge
	Recording        *prometheus.GaugeVec
	Commands         *prometheus.CounterVec
	CommandFailures  *prometheus.CounterVec
	DeviceLost       prometheus.Gauge
	StreamClients    prometheus.Gauge
}

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_frames_processed_total",
			Help: "Frames handled by the processing thread",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_frames_dropped_total",
			Help: "Frames dropped at ingest because the processing queue was full",
		}),
		FirehoseDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_firehose_dropped_total",
			Help: "Frames not sent to viewers because the streaming queue was full",
		}),
		TrackerDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_tracker_dropped_total",
			Help: "Detections not sent to the tracking consumer because its queue was full",
		}),
		FrameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strandcam_frame_errors_total",
			Help: "Recoverable per-frame processing errors",
		}, []string{"stage"}),
		FatalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_fatal_errors_total",
			Help: "Errors that stopped the processing thread",
		}),
		HookLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "strandcam_hook_latency_seconds",
			Help:    "Round trip time of the external processing hook",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		HookTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "strandcam_hook_timeouts_total",
			Help: "External processing hook calls that exceeded their deadline",
		}),
		MeasuredFPS: f.NewGauge(prometheus.GaugeOpts{
			Name: "strandcam_measured_fps",
			Help: "Most recent frame rate estimate",
		}),
		RingBufferFrames: f.NewGauge(prometheus.GaugeOpts{
			Name: "strandcam_post_trigger_buffer_frames",
			Help: "Frames held for post-trigger recording",
		}),
		Recording: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "strandcam_recording_active",
			Help: "1 while a recording of the given format is open",
		}, []string{"format"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strandcam_commands_total",
			Help: "Control commands handled by the dispatcher",
		}, []string{"command"}),
		CommandFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strandcam_command_failures_total",
			Help: "Control commands whose device write failed",
		}, []string{"command"}),
		DeviceLost: f.NewGauge(prometheus.GaugeOpts{
			Name: "strandcam_device_lost",
			Help: "1 when the auxiliary device heartbeat is missing",
		}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "strandcam_stream_clients",
			Help: "Connected live-view clients",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
