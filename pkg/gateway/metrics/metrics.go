// Package metrics holds the Prometheus metrics for the call bridge. All
// Record methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	CallsRejected *prometheus.CounterVec

	// Conversation metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram
	TokensTotal  *prometheus.CounterVec
	BargeIns     prometheus.Counter

	// Voice metrics
	SentencesTotal     *prometheus.CounterVec
	SentenceFirstAudio prometheus.Histogram
	STTReopens         prometheus.Counter
	AudioBytesTotal    *prometheus.CounterVec

	// Transport metrics
	FramesDropped *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently registered",
		},
	)

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of finished calls by end reason",
		},
		[]string{"end_reason"},
	)

	callsRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Media streams refused before upgrade",
		},
		[]string{"reason"},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration from connect to close",
			Buckets:   []float64{5, 15, 30, 60, 120, 150, 170, 180, 200},
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome and injected instruction",
		},
		[]string{"outcome", "instruction"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time to stream one model reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total model tokens",
		},
		[]string{"provider", "model", "direction"},
	)

	bargeIns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions that canceled queued speech",
		},
	)

	sentencesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_sentences_total",
			Help:      "Synthesized sentences by outcome",
		},
		[]string{"outcome"},
	)

	sentenceFirstAudio := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_first_audio_seconds",
			Help:      "Time from playback start to the first audio chunk of a sentence",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2},
		},
	)

	sttReopens := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reopens_total",
			Help:      "Recognition streams reopened after a transient failure",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Mu-law audio bytes by direction",
		},
		[]string{"direction"},
	)

	framesDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason",
		},
		[]string{"reason"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		callsActive,
		callsTotal,
		callDuration,
		callsRejected,
		turnsTotal,
		turnDuration,
		tokensTotal,
		bargeIns,
		sentencesTotal,
		sentenceFirstAudio,
		sttReopens,
		audioBytesTotal,
		framesDropped,
	)

	return &Metrics{
		registry:           registry,
		CallsActive:        callsActive,
		CallsTotal:         callsTotal,
		CallDuration:       callDuration,
		CallsRejected:      callsRejected,
		TurnsTotal:         turnsTotal,
		TurnDuration:       turnDuration,
		TokensTotal:        tokensTotal,
		BargeIns:           bargeIns,
		SentencesTotal:     sentencesTotal,
		SentenceFirstAudio: sentenceFirstAudio,
		STTReopens:         sttReopens,
		AudioBytesTotal:    audioBytesTotal,
		FramesDropped:      framesDropped,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(reason).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRejectedCall(reason string) {
	if m == nil {
		return
	}
	m.CallsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTurn(outcome, instruction string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome, instruction).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTokens(provider, model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

func (m *Metrics) RecordSentence(outcome string, firstAudio time.Duration) {
	if m == nil {
		return
	}
	m.SentencesTotal.WithLabelValues(outcome).Inc()
	if firstAudio > 0 {
		m.SentenceFirstAudio.Observe(firstAudio.Seconds())
	}
}

func (m *Metrics) RecordSTTReopen() {
	if m == nil {
		return
	}
	m.STTReopens.Inc()
}

// RecordAudio records audio bytes; direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}
