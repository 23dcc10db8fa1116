// Package observability exposes prometheus collectors for the session
// pipeline. Collectors are registered on a dedicated registry so embedding
// programs decide whether and where to serve them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline collectors.
type Metrics struct {
	Registry *prometheus.Registry

	FramesCaptured    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	FramesEncoded     *prometheus.CounterVec
	EncoderResets     *prometheus.CounterVec
	GraphicsBytes     *prometheus.CounterVec
	BitrateTarget     *prometheus.GaugeVec
	InputEvents       *prometheus.CounterVec
	InputDropped      *prometheus.CounterVec
	ClipboardTransfers *prometheus.CounterVec
	ClipboardAborts   *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	AuthFailures      prometheus.Counter
}

// New creates a metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FramesCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_frames_captured_total",
			Help: "Raw frames delivered by the capture source.",
		}, []string{"monitor"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_frames_dropped_total",
			Help: "Frames dropped under encoder backpressure (drop-oldest).",
		}, []string{"monitor"}),
		FramesEncoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_frames_encoded_total",
			Help: "Encoded frames emitted by the encoder stage.",
		}, []string{"monitor"}),
		EncoderResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_encoder_resets_total",
			Help: "Encoder sequence resets.",
		}, []string{"monitor"}),
		GraphicsBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_graphics_bytes_total",
			Help: "Bytes written to the graphics channel.",
		}, []string{"session"}),
		BitrateTarget: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wrd_bitrate_target_kbps",
			Help: "Current flow-controlled bitrate target.",
		}, []string{"session"}),
		InputEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_input_events_total",
			Help: "Input events dispatched to the broker.",
		}, []string{"kind"}),
		InputDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_input_events_dropped_total",
			Help: "Input events dropped (unmapped scancodes and the like).",
		}, []string{"reason"}),
		ClipboardTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_clipboard_transfers_total",
			Help: "Completed clipboard transfers.",
		}, []string{"direction"}),
		ClipboardAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wrd_clipboard_aborts_total",
			Help: "Aborted clipboard transfers.",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wrd_sessions_active",
			Help: "Sessions currently in the Active state.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "wrd_auth_failures_total",
			Help: "Failed authentication attempts.",
		}),
	}
}
