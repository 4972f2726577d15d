// Package stats exposes shard-level Prometheus metrics on /metrics — an
// ambient concern carried forward regardless of the spec's non-goals
// (SPEC_FULL.md §F): request counters and lease-reap counts.
// github.com/prometheus/client_golang ships in the teacher's go.mod but its
// call sites were not part of the retrieval pack; wired here following the
// library's own standard idiom (promauto.NewCounterVec + promhttp.Handler).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stats struct {
	Requests    *prometheus.CounterVec
	LeaseReaped prometheus.Counter
}

func New(shardName string) *Stats {
	labels := prometheus.Labels{"shard": shardName}
	return &Stats{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "scv",
			Name:        "requests_total",
			Help:        "Total HTTP requests handled by this shard, by route and status class.",
			ConstLabels: labels,
		}, []string{"route", "status"}),
		LeaseReaped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "scv",
			Name:        "lease_reaped_total",
			Help:        "Total streams deactivated by the lease reaper.",
			ConstLabels: labels,
		}),
	}
}

func (s *Stats) ObserveRequest(route, statusClass string) {
	s.Requests.WithLabelValues(route, statusClass).Inc()
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }
