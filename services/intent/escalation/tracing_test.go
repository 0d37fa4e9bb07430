// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package escalation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The package tracer delegates to the first global provider only, so every
// span assertion in this package lives in this one test.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func resolveSpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	for _, s := range exporter.GetSpans() {
		if s.Name == "escalation.Controller.Resolve" {
			return s
		}
	}
	t.Fatalf("no Resolve span among %d spans", len(exporter.GetSpans()))
	return tracetest.SpanStub{}
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestResolve_Spans(t *testing.T) {
	exporter := setupTestTracer(t)

	t.Run("llm answer", func(t *testing.T) {
		exporter.Reset()
		fc := &scriptedCompleter{replies: []reply{{text: trackOrderJSON}}}
		ctrl := newTestController(t, fc, nil, nil)
		ctrl.Resolve(context.Background(), request("where's my stuff"))

		span := resolveSpan(t, exporter)
		if v, _ := spanAttr(span, "source"); v.AsString() != "llm" {
			t.Errorf("source = %q, want llm", v.AsString())
		}
		if v, _ := spanAttr(span, "trigger_reason"); v.AsString() != ReasonLowConfidence {
			t.Errorf("trigger_reason = %q", v.AsString())
		}
		if span.Status.Code == codes.Error {
			t.Errorf("status = %v, want unset", span.Status)
		}
	})

	t.Run("malformed answer falls back", func(t *testing.T) {
		exporter.Reset()
		fc := &scriptedCompleter{replies: []reply{{text: "not json at all"}}}
		ctrl := newTestController(t, fc, nil, nil)
		ctrl.Resolve(context.Background(), request("where's my stuff"))

		span := resolveSpan(t, exporter)
		if v, _ := spanAttr(span, "fallback_reason"); v.AsString() != "malformed_response" {
			t.Errorf("fallback_reason = %q", v.AsString())
		}
		if span.Status.Code != codes.Error {
			t.Errorf("status = %v, want error", span.Status)
		}
		if len(span.Events) == 0 {
			t.Error("expected the error to be recorded as a span event")
		}
	})
}
