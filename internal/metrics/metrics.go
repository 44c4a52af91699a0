// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the flow cache's Prometheus surface: per-class
// node gauges, per-eviction-reason counters, and delete-category
// counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flowcache.dev/flowcache/internal/flow"
)

// Collector implements cache.Metrics and satisfies prometheus.Collector
// so it can be registered directly with a registry.
type Collector struct {
	NodeCount    *prometheus.GaugeVec
	Allocations  *prometheus.CounterVec
	Evictions    *prometheus.CounterVec
	DeleteCounts *prometheus.CounterVec
}

// New creates a Collector. Callers register it with
// prometheus.MustRegister or via a custom registry.
func New() *Collector {
	return &Collector{
		NodeCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcache_node_count",
			Help: "Current record count per LRU queue tag.",
		}, []string{"tag"}),

		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcache_allocations_total",
			Help: "Total flows admitted, by protocol class.",
		}, []string{"class"}),

		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcache_evictions_total",
			Help: "Total flows removed, by protocol class and eviction reason.",
		}, []string{"class", "reason"}),

		DeleteCounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcache_delete_flows_total",
			Help: "Total flows removed by delete_flows, by category.",
		}, []string{"category"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.NodeCount.Describe(ch)
	c.Allocations.Describe(ch)
	c.Evictions.Describe(ch)
	c.DeleteCounts.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.NodeCount.Collect(ch)
	c.Allocations.Collect(ch)
	c.Evictions.Collect(ch)
	c.DeleteCounts.Collect(ch)
}

// ObserveAllocate implements cache.Metrics.
func (c *Collector) ObserveAllocate(class flow.Class) {
	c.Allocations.WithLabelValues(class.String()).Inc()
}

// ObserveEviction implements cache.Metrics.
func (c *Collector) ObserveEviction(class flow.Class, reason flow.EvictReason) {
	c.Evictions.WithLabelValues(class.String(), reason.String()).Inc()
}

// ObserveNodeCount implements cache.Metrics.
func (c *Collector) ObserveNodeCount(tag uint8, count int) {
	c.NodeCount.WithLabelValues(tagName(tag)).Set(float64(count))
}

// ObserveDelete records one delete_flows removal by category (ALLOWED,
// OFFLOADED, or BLOCKED).
func (c *Collector) ObserveDelete(category string) {
	c.DeleteCounts.WithLabelValues(category).Inc()
}

func tagName(tag uint8) string {
	if tag == uint8(flow.ClassAllowlist) {
		return "ALLOWLIST"
	}
	return flow.Class(tag).String()
}
