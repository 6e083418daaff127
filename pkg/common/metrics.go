package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type SynthesisMetrics struct {
	MetricBuildTimeMS     *prometheus.HistogramVec
	MetricMergeTimeMS     *prometheus.HistogramVec
	MetricOverlayBytes    *prometheus.CounterVec
	MetricSynthesisResult *prometheus.CounterVec
	MetricSynthesisTimeMS *prometheus.HistogramVec
}

func NewSynthesisMetrics(reg prometheus.Registerer) *SynthesisMetrics {
	baseLabels := []string{"base_name"}
	resultLabels := []string{"base_name", "status"}
	buckets := prometheus.ExponentialBuckets(10, 2, 16)

	sm := &SynthesisMetrics{
		MetricBuildTimeMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudlet", Subsystem: "overlay", Name: "build_time_ms", Help: "Overlay build time ms", Buckets: buckets}, baseLabels),
		MetricMergeTimeMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudlet", Subsystem: "overlay", Name: "merge_time_ms", Help: "Overlay merge time ms", Buckets: buckets}, baseLabels),
		MetricOverlayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet", Subsystem: "overlay", Name: "bytes", Help: "Overlay bytes produced or received"}, baseLabels),
		MetricSynthesisResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudlet", Subsystem: "synthesis", Name: "results", Help: "Synthesis results"}, resultLabels),
		MetricSynthesisTimeMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudlet", Subsystem: "synthesis", Name: "time_ms", Help: "Synthesis round trip time ms", Buckets: buckets}, resultLabels),
	}

	reg.MustRegister(sm.MetricBuildTimeMS, sm.MetricMergeTimeMS, sm.MetricOverlayBytes, sm.MetricSynthesisResult, sm.MetricSynthesisTimeMS)

	return sm
}

// The observers below are no-ops on a nil receiver so components can run without metrics.

func (sm *SynthesisMetrics) ObserveBuild(baseName string, took time.Duration, overlayBytes int64) {
	if sm == nil {
		return
	}

	sm.MetricBuildTimeMS.WithLabelValues(baseName).Observe(float64(took.Milliseconds()))
	sm.MetricOverlayBytes.WithLabelValues(baseName).Add(float64(overlayBytes))
}

func (sm *SynthesisMetrics) ObserveMerge(baseName string, took time.Duration) {
	if sm == nil {
		return
	}

	sm.MetricMergeTimeMS.WithLabelValues(baseName).Observe(float64(took.Milliseconds()))
}

func (sm *SynthesisMetrics) ObserveSynthesis(baseName string, took time.Duration, err error) {
	if sm == nil {
		return
	}

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}

	sm.MetricSynthesisResult.WithLabelValues(baseName, status).Inc()
	sm.MetricSynthesisTimeMS.WithLabelValues(baseName, status).Observe(float64(took.Milliseconds()))
}
