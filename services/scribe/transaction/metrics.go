// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("scribe.transaction")

// Metric instruments for transaction operations.
var (
	beginTotal        metric.Int64Counter
	recordTotal       metric.Int64Counter
	commitTotal       metric.Int64Counter
	rollbackTotal     metric.Int64Counter
	operationDuration metric.Float64Histogram
	rewrittenCommits  metric.Int64Histogram
	storeOpDuration   metric.Float64Histogram
	storeOpErrors     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		beginTotal, err = meter.Int64Counter(
			"scribe_transaction_begin_total",
			metric.WithDescription("Total number of session begin operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordTotal, err = meter.Int64Counter(
			"scribe_transaction_record_total",
			metric.WithDescription("Total number of recorded writes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"scribe_transaction_commit_total",
			metric.WithDescription("Total number of session commit operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"scribe_transaction_rollback_total",
			metric.WithDescription("Total number of change rollback operations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationDuration, err = meter.Float64Histogram(
			"scribe_transaction_operation_duration_seconds",
			metric.WithDescription("Duration of transaction operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rewrittenCommits, err = meter.Int64Histogram(
			"scribe_transaction_rewritten_commits",
			metric.WithDescription("Number of commits re-created by one rollback"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeOpDuration, err = meter.Float64Histogram(
			"scribe_transaction_store_operation_duration_seconds",
			metric.WithDescription("Duration of version store operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeOpErrors, err = meter.Int64Counter(
			"scribe_transaction_store_operation_errors_total",
			metric.WithDescription("Total number of version store operation errors"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// recordOperation records the duration of a public operation.
func recordOperation(ctx context.Context, operation string, duration time.Duration, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", statusOf(opErr)),
	))
}

// recordBegin records a session begin.
func recordBegin(ctx context.Context, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	beginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOf(opErr))))
}

// recordWrite records a recorded write.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - baseline: Whether a pre-edit snapshot was added for the path.
//   - opErr: Error if recording failed.
func recordWrite(ctx context.Context, baseline bool, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	recordTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", statusOf(opErr)),
		attribute.Bool("baseline", baseline),
	))
}

// recordCommit records a session commit.
func recordCommit(ctx context.Context, result *CommitResult, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	empty := result != nil && result.Empty
	commitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", statusOf(opErr)),
		attribute.Bool("empty", empty),
	))
}

// recordRollback records a rollback outcome.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - status: Outcome discriminator, a bounded set.
//   - rewritten: Commits re-created by the rollback.
func recordRollback(ctx context.Context, status RollbackStatus, rewritten int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	rollbackTotal.Add(ctx, 1, attrs)
	if status == RollbackApplied {
		rewrittenCommits.Record(ctx, int64(rewritten), attrs)
	}
}

// recordStoreOp records one version store operation.
func recordStoreOp(ctx context.Context, operation string, duration time.Duration, opErr error) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("operation", operation))
	storeOpDuration.Record(ctx, duration.Seconds(), attrs)
	if opErr != nil {
		storeOpErrors.Add(ctx, 1, attrs)
	}
}
