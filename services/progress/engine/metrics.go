// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("streak.progress.engine")
	meter  = otel.Meter("streak.progress.engine")
)

// Prometheus metrics for cache mutations.
var (
	userActionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_user_actions_total",
		Help: "Total user-initiated progress increments accepted",
	})

	snapshotRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_snapshot_records_total",
		Help: "Server snapshot records by reason and disposition",
	}, []string{"reason", "disposition"})

	snapshotDeferralsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_snapshot_deferrals_total",
		Help: "Periodic snapshots postponed because the user was active",
	})

	rolloversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_week_rollovers_total",
		Help: "Week boundary invalidations performed",
	})
)

// Snapshot record dispositions for snapshotRecordsTotal.
const (
	dispositionInserted      = "inserted"
	dispositionUpdated       = "updated"
	dispositionRejectedStale = "rejected_stale"
)

// OTel counters, initialized lazily so the engine works without an SDK.
var (
	otelStaleRejects metric.Int64Counter
	otelApplies      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the otel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		otelStaleRejects, err = meter.Int64Counter(
			"progress_stale_writes_rejected_total",
			metric.WithDescription("Snapshot records rejected as older than the local entry"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		otelApplies, err = meter.Int64Counter(
			"progress_snapshot_applies_total",
			metric.WithDescription("Snapshot applications that mutated the cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordStaleReject records a rejected stale snapshot record.
func recordStaleReject(ctx context.Context, reason SnapshotReason) {
	snapshotRecordsTotal.WithLabelValues(string(reason), dispositionRejectedStale).Inc()
	if err := initMetrics(); err != nil {
		return
	}
	otelStaleRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(reason)),
	))
}

// recordApply records a snapshot application that mutated the cache.
func recordApply(ctx context.Context, reason SnapshotReason) {
	if err := initMetrics(); err != nil {
		return
	}
	otelApplies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(reason)),
	))
}

// startEngineSpan creates a span for an engine operation.
func startEngineSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine."+operation, trace.WithAttributes(attrs...))
}
