// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("scribe.vcs")

var (
	commandLatency metric.Float64Histogram
	commandTotal   metric.Int64Counter
	commandErrors  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		commandLatency, err = meter.Float64Histogram(
			"scribe_vcs_command_duration_seconds",
			metric.WithDescription("Duration of version store commands"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commandTotal, err = meter.Int64Counter(
			"scribe_vcs_command_total",
			metric.WithDescription("Total number of version store commands executed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commandErrors, err = meter.Int64Counter(
			"scribe_vcs_command_errors_total",
			metric.WithDescription("Total number of failed version store commands"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordCommand records one store command execution.
func recordCommand(ctx context.Context, command string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.Bool("success", err == nil),
	)
	commandLatency.Record(ctx, duration.Seconds(), attrs)
	commandTotal.Add(ctx, 1, attrs)
	if err != nil {
		commandErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
	}
}
