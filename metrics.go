/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelReason = "reason"

// Denial reasons used as metrics label values.
const (
	denyReasonLimit       = "limit"
	denyReasonBlockAll    = "block_all"
	denyReasonManualBlock = "manual_block"
)

// MetricsCollector represents collector of metrics for admission decisions.
type MetricsCollector struct {
	Grants       prometheus.Counter
	Denials      *prometheus.CounterVec
	ManualBlocks prometheus.Counter
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	grants := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_grants_total",
		Help:      "Number of granted admissions.",
	})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_denials_total",
		Help:      "Number of denied admissions by denial reason.",
	}, []string{metricsLabelReason})
	manualBlocks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_manual_blocks_total",
		Help:      "Number of manual blocks set.",
	})
	return &MetricsCollector{
		Grants:       grants,
		Denials:      denials,
		ManualBlocks: manualBlocks,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.Grants,
		mc.Denials,
		mc.ManualBlocks,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.Grants)
	prometheus.Unregister(mc.Denials)
	prometheus.Unregister(mc.ManualBlocks)
}

func (mc *MetricsCollector) observeGrant() {
	if mc == nil {
		return
	}
	mc.Grants.Inc()
}

func (mc *MetricsCollector) observeDenial(reason string) {
	if mc == nil {
		return
	}
	mc.Denials.With(prometheus.Labels{metricsLabelReason: reason}).Inc()
}

func (mc *MetricsCollector) observeManualBlock() {
	if mc == nil {
		return
	}
	mc.ManualBlocks.Inc()
}
