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
	"errors"
	"log/slog"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	t.Run("creates tracer with logger", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tracer := NewTracer(logger, true)

		if tracer.logger != logger {
			t.Error("expected tracer to use provided logger")
		}
		if !tracer.enabled {
			t.Error("expected tracer to be enabled")
		}
	})

	t.Run("creates tracer with default logger", func(t *testing.T) {
		tracer := NewTracer(nil, false)

		if tracer.logger == nil {
			t.Error("expected tracer to have default logger")
		}
		if tracer.enabled {
			t.Error("expected tracer to be disabled")
		}
	})
}

func TestTracer_StartOp(t *testing.T) {
	ctx := context.Background()

	t.Run("returns noop span when disabled", func(t *testing.T) {
		tracer := NewTracer(nil, false)

		newCtx, span := tracer.StartOp(ctx, "begin", "run-1")
		if newCtx != ctx {
			t.Error("expected context to be unchanged when disabled")
		}
		tracer.EndOp(span, nil)
	})

	t.Run("handles nil span", func(t *testing.T) {
		tracer := NewTracer(nil, true)
		tracer.EndOp(nil, nil)
		tracer.EndStoreOp(nil, errors.New("x"))
	})
}

func TestTracer_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tracer := NewTracer(nil, true)
	ctx, span := tracer.StartOp(context.Background(), "rollback", "run-1")
	storeCtx, storeSpan := tracer.StartStoreOp(ctx, "update_refs")
	tracer.RecordRewrite(storeCtx, "refs/heads/main", "aaa", "bbb")
	tracer.EndStoreOp(storeSpan, errors.New("boom"))
	tracer.EndOp(span, nil, attribute.Int("scribe.rewritten", 2))

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}

	store, op := ended[0], ended[1]
	if store.Name() != "transaction.store.update_refs" {
		t.Errorf("unexpected store span name %q", store.Name())
	}
	if store.Status().Code != codes.Error {
		t.Errorf("expected store span error status, got %v", store.Status().Code)
	}
	if len(store.Events()) == 0 {
		t.Error("expected a ref_rewritten event on the store span")
	}
	if op.Name() != "transaction.rollback" {
		t.Errorf("unexpected span name %q", op.Name())
	}
	if op.Status().Code != codes.Ok {
		t.Errorf("expected ok status, got %v", op.Status().Code)
	}
	if store.Parent().SpanID() != op.SpanContext().SpanID() {
		t.Error("expected store span to be a child of the operation span")
	}
}

func TestTruncateForTrace(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"abcdef", 0, ""},
	}
	for _, tt := range tests {
		if got := truncateForTrace(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("truncateForTrace(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestLoggerWithTrace(t *testing.T) {
	t.Run("returns original logger without trace", func(t *testing.T) {
		logger := slog.Default()
		if got := LoggerWithTrace(context.Background(), logger); got != logger {
			t.Error("expected the same logger when no span is present")
		}
	})

	t.Run("handles invalid span context", func(t *testing.T) {
		logger := slog.Default()
		ctx := trace.ContextWithSpanContext(context.Background(), trace.SpanContext{})
		if got := LoggerWithTrace(ctx, logger); got != logger {
			t.Error("expected the same logger for an invalid span context")
		}
	})
}
