package appstats

import (
	"net/http"

	"github.com/opennetcam/vchannel/internal/pubsub/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const subsystem = "vchannel"

type metricsHandler struct {
	next      http.Handler
	statsChan chan *SegmentStats
}

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "in_requests",
		Help:      "Number of commands received",
	},
		[]string{
			"method",
		})

	InvalidRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "invalid_requests",
		Help:      "Number of invalid commands",
	})

	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "out_responses",
		Help:      "Number of events published",
	},
		[]string{
			"method",
		})

	DeviceState = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "device_state",
		Help:      "Current device state",
	})

	RTPPackets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtp_packets_total",
		Help:      "Total number of RTP packets received",
	},
		[]string{
			"payload", // jpeg, h264, pcmu, unknown
		})

	RTPLost = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtp_lost_total",
		Help:      "Total number of RTP packets detected as lost",
	})

	RTPBadSequence = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtp_bad_sequence_total",
		Help:      "Total number of RTP packets dropped as out of order or invalid",
	})

	RTCPReports = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtcp_reports_total",
		Help:      "Total number of RTCP receiver reports sent",
	})

	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "frames_total",
		Help:      "Total number of reassembled frames",
	},
		[]string{
			"kind",   // jpeg, h264, audio
			"result", // recorded, dropped
		})

	FrameSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "frame_size_bytes",
		Help:      "Frame size in bytes",
		Buckets:   prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to 1MB
	},
		[]string{
			"kind",
		})

	RTSPTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtsp_transitions_total",
		Help:      "Total number of RTSP state transitions",
	},
		[]string{
			"state",
		})

	RTSPRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "rtsp_restarts_total",
		Help:      "Total number of RTSP reconnect attempts",
	})

	Files = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "files_total",
		Help:      "Total number of recording segments by outcome",
	},
		[]string{
			"format",
			"result", // written, discarded, failed
		})

	FileSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "file_size_bytes",
		Help:      "Size of written recording files",
		Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to 2GB
	},
		[]string{
			"format",
		})

	SegmentDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "segment_duration_seconds",
		Help:      "Length of written recording segments",
		Buckets:   []float64{5, 15, 30, 60, 120, 180, 240, 360},
	},
		[]string{
			"format",
			"tag",
		})

	MotionEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "motion_events_total",
		Help:      "Total number of motion detections",
	})
)

func Init() {
	prometheus.MustRegister(Requests)
	prometheus.MustRegister(InvalidRequests)
	prometheus.MustRegister(Responses)
	prometheus.MustRegister(DeviceState)
	prometheus.MustRegister(RTPPackets)
	prometheus.MustRegister(RTPLost)
	prometheus.MustRegister(RTPBadSequence)
	prometheus.MustRegister(RTCPReports)
	prometheus.MustRegister(Frames)
	prometheus.MustRegister(FrameSize)
	prometheus.MustRegister(RTSPTransitions)
	prometheus.MustRegister(RTSPRestarts)
	prometheus.MustRegister(Files)
	prometheus.MustRegister(FileSize)
	prometheus.MustRegister(SegmentDuration)
	prometheus.MustRegister(MotionEvents)
}

func newMetricsHandler() *metricsHandler {
	return &metricsHandler{
		next:      promhttp.Handler(),
		statsChan: make(chan *SegmentStats, 16),
	}
}

func (h *metricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
drain:
	for {
		select {
		case stats := <-h.statsChan:
			UpdateSegmentMetrics(stats)
		default:
			break drain
		}
	}
	h.next.ServeHTTP(w, r)
}

// UpdateStats queues segment stats to be processed during the next scrape.
func (h *metricsHandler) UpdateStats(stats *SegmentStats) {
	select {
	case h.statsChan <- stats:
	default:
		log.Warn("stats update dropped - metrics channel full")
	}
}

var metricsHandlerInstance *metricsHandler

// Handler returns the /metrics handler.
func Handler() http.Handler {
	if metricsHandlerInstance == nil {
		metricsHandlerInstance = newMetricsHandler()
	}
	return metricsHandlerInstance
}

func OnServerRequest(event *events.Event) {
	if event.IsValid() {
		Requests.WithLabelValues(event.Id).Inc()
	} else {
		InvalidRequests.Inc()
	}
}

func OnServerResponse(msg interface{}) {
	switch v := msg.(type) {
	case *events.Event:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.DeviceState:
		Responses.WithLabelValues(events.DeviceStateKey).Inc()
	case *events.DeviceEvent:
		Responses.WithLabelValues(events.DeviceEventKey).Inc()
	case *events.NewFile:
		Responses.WithLabelValues(events.NewFileKey).Inc()
	case *events.Motion:
		Responses.WithLabelValues(events.MotionKey).Inc()
	case *events.Status:
		Responses.WithLabelValues(events.StatusKey).Inc()
	default:
		Responses.WithLabelValues("unknown").Inc()
	}
}

func OnRTPPacket(payload string) {
	RTPPackets.WithLabelValues(payload).Inc()
}

func OnRTPLoss(lost int) {
	if lost > 0 {
		RTPLost.Add(float64(lost))
	}
}

func OnRTPBadSequence() {
	RTPBadSequence.Inc()
}

func OnRTCPReport() {
	RTCPReports.Inc()
}

func OnFrame(kind string, size int, recorded bool) {
	result := "dropped"
	if recorded {
		result = "recorded"
		FrameSize.WithLabelValues(kind).Observe(float64(size))
	}
	Frames.WithLabelValues(kind, result).Inc()
}

func OnRTSPState(state string) {
	RTSPTransitions.WithLabelValues(state).Inc()
}

func OnRTSPRestart() {
	RTSPRestarts.Inc()
}

func OnFileWritten(stats *SegmentStats) {
	Files.WithLabelValues(stats.Format, "written").Inc()
	if metricsHandlerInstance != nil {
		metricsHandlerInstance.UpdateStats(stats)
	}
}

func OnFileDiscarded(format string) {
	Files.WithLabelValues(format, "discarded").Inc()
}

func OnFileFailed(format string) {
	Files.WithLabelValues(format, "failed").Inc()
}

func OnMotion() {
	MotionEvents.Inc()
}

func SetDeviceState(state int) {
	DeviceState.Set(float64(state))
}

func UpdateSegmentMetrics(stats *SegmentStats) {
	if stats == nil {
		return
	}
	FileSize.WithLabelValues(stats.Format).Observe(float64(stats.Bytes))
	SegmentDuration.WithLabelValues(stats.Format, stats.Tag).Observe(stats.DurationSeconds())
}
