package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonMalformed    = "malformed"
	ReasonOverflow     = "overflow"
	ReasonProvisioning = "provisioning"
	ReasonPersistence  = "persistence"
	ReasonClosed       = "closed"
)

var (
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipesink_frames_received_total",
			Help: "Number of frames delivered by the transport",
		},
		[]string{"kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipesink_frames_dropped_total",
			Help: "Number of frames whose data was lost",
		},
		[]string{"reason"},
	)
	imagesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipesink_images_written_total",
			Help: "Number of image files written",
		},
	)
	textLinesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipesink_text_lines_written_total",
			Help: "Number of lines appended to text logs",
		},
	)
	bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipesink_bytes_written_total",
			Help: "Number of content bytes persisted",
		},
	)
	activePipes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipesink_active_pipes",
			Help: "Number of pipes seen on the current connection",
		},
	)
	queueDepth = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "pipesink_pipe_queue_depth",
			Help: "Depth of a pipe's queue when a chunk is enqueued",
		},
	)
)

func init() {
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(framesDropped)
	prometheus.MustRegister(imagesWritten)
	prometheus.MustRegister(textLinesWritten)
	prometheus.MustRegister(bytesWritten)
	prometheus.MustRegister(activePipes)
	prometheus.MustRegister(queueDepth)
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func FrameReceived(kind string) {
	framesReceived.With(prometheus.Labels{"kind": kind}).Inc()
}

func FrameDropped(reason string) {
	framesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

func ImageWritten(n int) {
	imagesWritten.Inc()
	bytesWritten.Add(float64(n))
}

func TextLineWritten(n int) {
	textLinesWritten.Inc()
	bytesWritten.Add(float64(n))
}

func PipeOpened() {
	activePipes.Inc()
}

func PipesClosed(n int) {
	activePipes.Sub(float64(n))
}

func QueueDepth(n int) {
	queueDepth.Observe(float64(n))
}
