package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fin-hub/hubgate/hub"
	hubotel "github.com/fin-hub/hubgate/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestGatewayObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-gateway-observer")
	tracer := noop.NewTracerProvider().Tracer("test-gateway-observer")

	observer, err := hubotel.NewGatewayObserver(meter, tracer)
	if err != nil {
		t.Fatalf("NewGatewayObserver() error = %v", err)
	}

	observer.ObserveInvoke(hub.InvokeObservation{
		ToolName:   "quote",
		InstanceID: "spoke-a",
		Policy:     "weighted_priority",
		Attempts:   2,
		DurationMS: 120,
		Success:    false,
		ErrorCode:  hub.ErrorCodeInvocationFailed,
	})
	observer.ObserveRetry(hub.RetryObservation{
		ToolName:   "quote",
		InstanceID: "spoke-a",
		Attempt:    1,
		ErrorCode:  hub.ErrorCodeInvocationFailed,
	})
	observer.ObserveProbe(hub.ProbeObservation{
		InstanceID:   "spoke-a",
		Healthy:      false,
		Deactivated:  true,
		FailureCount: 3,
		DurationMS:   45,
		ErrorCode:    "probe_failed",
	})
	observer.ObserveBreaker(hub.BreakerObservation{
		InstanceID: "spoke-a",
		From:       hub.BreakerClosed,
		To:         hub.BreakerOpen,
		Failures:   5,
	})

	rm := collectMetrics(t, reader)

	invocations := findMetric(rm, "hubgate.invocations")
	if invocations == nil {
		t.Fatal("hubgate.invocations metric not found")
	}
	if _, ok := invocations.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("hubgate.invocations type = %T, want Sum[int64]", invocations.Data)
	}

	retries := findMetric(rm, "hubgate.retries")
	if retries == nil {
		t.Fatal("hubgate.retries metric not found")
	}
	if _, ok := retries.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("hubgate.retries type = %T, want Sum[int64]", retries.Data)
	}

	probes := findMetric(rm, "hubgate.probes")
	if probes == nil {
		t.Fatal("hubgate.probes metric not found")
	}
	if _, ok := probes.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("hubgate.probes type = %T, want Sum[int64]", probes.Data)
	}

	transitions := findMetric(rm, "hubgate.breaker.transitions")
	if transitions == nil {
		t.Fatal("hubgate.breaker.transitions metric not found")
	}
	if _, ok := transitions.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("hubgate.breaker.transitions type = %T, want Sum[int64]", transitions.Data)
	}

	latency := findMetric(rm, "hubgate.invocation.latency")
	if latency == nil {
		t.Fatal("hubgate.invocation.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("hubgate.invocation.latency type = %T, want Histogram[float64]", latency.Data)
	}
}

func TestGatewayObserverNilTracer(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-gateway-observer-nil-tracer")

	observer, err := hubotel.NewGatewayObserver(meter, nil)
	if err != nil {
		t.Fatalf("NewGatewayObserver() error = %v", err)
	}

	observer.ObserveInvoke(hub.InvokeObservation{ToolName: "quote", InstanceID: "spoke-a", Success: true, DurationMS: 5})

	rm := collectMetrics(t, reader)
	if findMetric(rm, "hubgate.invocations") == nil {
		t.Fatal("hubgate.invocations metric not found")
	}
}
