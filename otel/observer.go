// Package otel translates hub observability events into OpenTelemetry
// metrics and spans.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fin-hub/hubgate/hub"
)

// GatewayObserver records routing, probing, and breaker signals into
// OpenTelemetry. It implements hub.Observer.
type GatewayObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	retries     metric.Int64Counter
	probes      metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewGatewayObserver creates an observer bound to the provided meter/tracer.
func NewGatewayObserver(meter metric.Meter, tracer trace.Tracer) (*GatewayObserver, error) {
	invocations, err := meter.Int64Counter(
		"hubgate.invocations",
		metric.WithDescription("Number of routed tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"hubgate.retries",
		metric.WithDescription("Number of invocation retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	probes, err := meter.Int64Counter(
		"hubgate.probes",
		metric.WithDescription("Number of spoke liveness probes"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"hubgate.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"hubgate.invocation.latency",
		metric.WithDescription("Invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayObserver{
		tracer:      tracer,
		invocations: invocations,
		retries:     retries,
		probes:      probes,
		transitions: transitions,
		latency:     latency,
	}, nil
}

// ObserveInvoke records one routed invocation result.
func (o *GatewayObserver) ObserveInvoke(observation hub.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("instance_id", observation.InstanceID),
		attribute.String("policy", observation.Policy),
		attribute.Int("attempts", observation.Attempts),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "hub.invoke", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveRetry records one retry attempt.
func (o *GatewayObserver) ObserveRetry(observation hub.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.String("instance_id", observation.InstanceID),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveProbe records one liveness probe result.
func (o *GatewayObserver) ObserveProbe(observation hub.ProbeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("instance_id", observation.InstanceID),
		attribute.Bool("healthy", observation.Healthy),
		attribute.Bool("deactivated", observation.Deactivated),
		attribute.Int("failure_count", observation.FailureCount),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.probes.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveBreaker records one circuit state transition.
func (o *GatewayObserver) ObserveBreaker(observation hub.BreakerObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("instance_id", observation.InstanceID),
		attribute.String("from", string(observation.From)),
		attribute.String("to", string(observation.To)),
		attribute.Int("failures", observation.Failures),
	}
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// Compile-time interface check.
var _ hub.Observer = (*GatewayObserver)(nil)
