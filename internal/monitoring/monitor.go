package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frames_uploaded_total",
		Help: "Frames sampled and uploaded to the archival sink",
	})

	FrameUploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_frame_upload_failures_total",
		Help: "Frame uploads that failed (sampling continues regardless)",
	})

	HintsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hints_served_total",
		Help: "Hints shown to learners by source",
	}, []string{"source"}) // remote, cached, scripted

	EmotionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "emotion_events_total",
		Help: "Inbound events on the emotion classification channel",
	}, []string{"type"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quiz_sessions_active",
		Help: "Quiz sessions currently in progress",
	})
)

var registerOnce sync.Once

// Init registers all collectors. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FramesUploaded,
			FrameUploadFailures,
			HintsServed,
			EmotionEvents,
			ActiveSessions,
		)
	})
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
