// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the pipeline's Prometheus collectors and the status
// HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tripwire"

// Verdict label values.
const (
	VerdictBenign    = "benign"
	VerdictMalicious = "malicious"
	VerdictError     = "error"
)

// Metrics is the set of pipeline collectors, registered on a private
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsSeen     prometheus.Counter
	RecordsProduced prometheus.Counter
	TrackedFlows    prometheus.Gauge
	FlowsEvicted    prometheus.Counter

	Classified       *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram
	Whitelisted      prometheus.Counter
	Exempted         prometheus.Counter
	Blocks           prometheus.Counter
	StoreErrors      *prometheus.CounterVec

	FirewallRuleFailures prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PacketsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_seen_total",
			Help:      "Packets handed to the flow tracker",
		}),
		RecordsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_produced_total",
			Help:      "Feature records produced by the flow tracker",
		}),
		TrackedFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_flows",
			Help:      "Live flows in the flow table",
		}),
		FlowsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_evicted_total",
			Help:      "Flows removed after exceeding the idle TTL",
		}),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_classified_total",
			Help:      "Records classified, by verdict",
		}, []string{"verdict"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_duration_seconds",
			Help:      "Classifier latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		Whitelisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_whitelisted_total",
			Help:      "Records discarded because the source is whitelisted",
		}),
		Exempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_exempted_total",
			Help:      "Malicious verdicts suppressed by the CDN/provider exemption",
		}),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Sources blocked",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations, by operation",
		}, []string{"op"}),
		FirewallRuleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firewall_rule_failures_total",
			Help:      "Blocks whose firewall rule could not be inserted",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PacketsSeen,
		m.RecordsProduced,
		m.TrackedFlows,
		m.FlowsEvicted,
		m.Classified,
		m.ClassifyDuration,
		m.Whitelisted,
		m.Exempted,
		m.Blocks,
		m.StoreErrors,
		m.FirewallRuleFailures,
	)
	return m
}

// CounterFunc exports a monotonically increasing value owned elsewhere,
// such as queue drops or reporter outcomes.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// GaugeFunc exports a point-in-time value owned elsewhere.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
