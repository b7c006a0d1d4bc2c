// SPDX-License-Identifier: MIT
// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pitchscope/internal/analysis"
	"pitchscope/internal/log"
	"pitchscope/internal/pitch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics holds the collectors for the capture, detection and
// transport stages. It implements analysis.Observer.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Capture
	callbacksTotal     prometheus.Counter
	chunksDroppedTotal prometheus.Counter
	deviceErrorsTotal  *prometheus.CounterVec

	// Detection
	windowsAnalysedTotal prometheus.Counter
	windowsNoPitchTotal  prometheus.Counter
	notesDetectedTotal   *prometheus.CounterVec
	notesForwardedTotal  prometheus.Counter
	lastFrequency        prometheus.Gauge
	workerState          prometheus.Gauge

	// Transport
	transportSendsTotal  *prometheus.CounterVec
	transportErrorsTotal *prometheus.CounterVec
	websocketClients     prometheus.Gauge
}

// Compile-time check for interface implementation.
var _ analysis.Observer = (*PipelineMetrics)(nil)

// NewPipelineMetrics creates the collectors and registers them with registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("metrics: register pipeline collectors: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.callbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchscope_capture_callbacks_total",
		Help: "Total number of capture callbacks delivered by the audio backend",
	})
	m.chunksDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchscope_buffer_chunks_dropped_total",
		Help: "Total number of sample chunks dropped because the queue was full",
	})
	m.deviceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchscope_capture_device_errors_total",
			Help: "Total number of asynchronous device errors",
		},
		[]string{"kind"}, // kind: overflow, stopped, other
	)

	m.windowsAnalysedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchscope_detection_windows_total",
		Help: "Total number of windows run through the detector",
	})
	m.windowsNoPitchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchscope_detection_windows_no_pitch_total",
		Help: "Total number of windows in which no pitch was found",
	})
	m.notesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchscope_detection_notes_total",
			Help: "Total number of detected notes by pitch class",
		},
		[]string{"note"},
	)
	m.notesForwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pitchscope_detection_notes_forwarded_total",
		Help: "Total number of notes handed to the presentation layer",
	})
	m.lastFrequency = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pitchscope_detection_last_frequency_hertz",
		Help: "Frequency of the most recently detected note",
	})
	m.workerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pitchscope_worker_state",
		Help: "Current detection worker state (0=accumulating 1=converting 2=detecting 3=forwarding 4=stopped)",
	})

	m.transportSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchscope_transport_sends_total",
			Help: "Total number of note events sent per sink",
		},
		[]string{"sink"},
	)
	m.transportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitchscope_transport_errors_total",
			Help: "Total number of failed note event sends per sink",
		},
		[]string{"sink"},
	)
	m.websocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pitchscope_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.callbacksTotal,
		m.chunksDroppedTotal,
		m.deviceErrorsTotal,
		m.windowsAnalysedTotal,
		m.windowsNoPitchTotal,
		m.notesDetectedTotal,
		m.notesForwardedTotal,
		m.lastFrequency,
		m.workerState,
		m.transportSendsTotal,
		m.transportErrorsTotal,
		m.websocketClients,
	}
}

// CaptureCallback counts one backend callback. Safe on the audio thread.
func (m *PipelineMetrics) CaptureCallback() {
	m.callbacksTotal.Inc()
}

// ChunkDropped counts one dropped chunk. It is installed as the buffer's
// drop hook and runs on the audio thread.
func (m *PipelineMetrics) ChunkDropped() {
	m.chunksDroppedTotal.Inc()
}

// DeviceError counts an asynchronous device error of the given kind.
func (m *PipelineMetrics) DeviceError(kind string) {
	m.deviceErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) WindowAnalysed() {
	m.windowsAnalysedTotal.Inc()
}

func (m *PipelineMetrics) NoPitch() {
	m.windowsNoPitchTotal.Inc()
}

func (m *PipelineMetrics) NoteDetected(note pitch.Note) {
	m.notesDetectedTotal.WithLabelValues(note.Name).Inc()
	m.lastFrequency.Set(note.Frequency)
}

func (m *PipelineMetrics) NoteForwarded() {
	m.notesForwardedTotal.Inc()
}

func (m *PipelineMetrics) StateChanged(state analysis.State) {
	m.workerState.Set(float64(state))
}

// TransportSent records the outcome of one send on sink.
func (m *PipelineMetrics) TransportSent(sink string, err error) {
	if err != nil {
		m.transportErrorsTotal.WithLabelValues(sink).Inc()
		return
	}
	m.transportSendsTotal.WithLabelValues(sink).Inc()
}

// SetWebSocketClients reports the number of connected clients.
func (m *PipelineMetrics) SetWebSocketClients(n int) {
	m.websocketClients.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RegisterHandlers registers the metrics endpoint with mux.
func (m *PipelineMetrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *PipelineMetrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics: shutdown: %v", err)
		}
	}()

	log.Infof("Metrics: serving on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}
