// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheStats reports identity-map sizes keyed by table name. Implemented by
// the entity engine.
type CacheStats interface {
	CacheSizes() map[string]int
}

// MetricsCollector exposes handle, queue and entity-cache health as
// Prometheus metrics.
type MetricsCollector struct {
	handle *Handle
	caches CacheStats

	errorsDesc     *prometheus.Desc
	statementsDesc *prometheus.Desc
	queueDepthDesc *prometheus.Desc
	executedDesc   *prometheus.Desc
	drainsDesc     *prometheus.Desc
	cacheSizeDesc  *prometheus.Desc
}

// NewMetricsCollector builds a collector over a handle. caches may be nil
// when no entity layer sits on top of the handle.
func NewMetricsCollector(h *Handle, caches CacheStats) *MetricsCollector {
	return &MetricsCollector{
		handle: h,
		caches: caches,
		errorsDesc: prometheus.NewDesc(
			"quicksilver_db_errors_total",
			"Number of native-level database errors recorded since open",
			nil, nil,
		),
		statementsDesc: prometheus.NewDesc(
			"quicksilver_db_prepared_statements",
			"Number of live prepared statements registered with the handle",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"quicksilver_db_write_queue_depth",
			"Number of background write operations waiting to execute",
			nil, nil,
		),
		executedDesc: prometheus.NewDesc(
			"quicksilver_db_write_operations_total",
			"Number of background write operations executed since open",
			nil, nil,
		),
		drainsDesc: prometheus.NewDesc(
			"quicksilver_db_write_queue_drains_total",
			"Number of drain barriers completed since open",
			nil, nil,
		),
		cacheSizeDesc: prometheus.NewDesc(
			"quicksilver_entity_cache_size",
			"Number of models held in an entity's identity-map cache",
			[]string{"table"}, nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.errorsDesc
	ch <- c.statementsDesc
	ch <- c.queueDepthDesc
	ch <- c.executedDesc
	ch <- c.drainsDesc
	ch <- c.cacheSizeDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	executed, drains := c.handle.Queue().Stats()

	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(c.handle.ErrorCount()))
	ch <- prometheus.MustNewConstMetric(c.statementsDesc, prometheus.GaugeValue, float64(c.handle.StatementCount()))
	ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(c.handle.Queue().Len()))
	ch <- prometheus.MustNewConstMetric(c.executedDesc, prometheus.CounterValue, float64(executed))
	ch <- prometheus.MustNewConstMetric(c.drainsDesc, prometheus.CounterValue, float64(drains))

	if c.caches == nil {
		return
	}
	for table, size := range c.caches.CacheSizes() {
		ch <- prometheus.MustNewConstMetric(c.cacheSizeDesc, prometheus.GaugeValue, float64(size), table)
	}
}
