package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func resetTelemetry(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { install(&providers{name: defaultServiceName}) })
}

func TestInit_DisabledIsNoop(t *testing.T) {
	resetTelemetry(t)

	require.NoError(t, Init(context.Background(), nil))
	assert.Equal(t, defaultServiceName, load().name)

	require.NoError(t, Init(context.Background(), &Config{ServiceName: "tenant-service"}))
	assert.Equal(t, "tenant-service", load().name)
	assert.Nil(t, load().traces)

	ctx, span := StartSpan(context.Background(), "service.provisioning.ProvisionTenant")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))

	assert.NotPanics(t, func() {
		SetSpanError(ctx, errors.New("boom"))
		SetSpanAttributes(ctx, TenantIDAttr("tenant-1"))
	})
	assert.NoError(t, Shutdown(context.Background()))
}

func TestInit_EnabledRecordsSpans(t *testing.T) {
	resetTelemetry(t)

	// exporters dial lazily so an unreachable collector is fine until flush
	require.NoError(t, Init(context.Background(), &Config{
		Enabled:       true,
		ServiceName:   "tenant-service",
		CollectorAddr: "127.0.0.1:1",
	}))
	require.NotNil(t, load().traces)
	require.NotNil(t, load().meters)

	ctx, span := StartSpan(context.Background(), "saga.tenant-provisioning")
	assert.True(t, span.SpanContext().IsValid())
	assert.Len(t, TraceID(ctx), 32)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = Shutdown(shutdownCtx)
	assert.Nil(t, load().traces)
	assert.Equal(t, "tenant-service", load().name)
}

func TestInstruments(t *testing.T) {
	resetTelemetry(t)
	require.NoError(t, Init(context.Background(), nil))

	counter, err := NewCounter(MetricOpts{Name: "provisioning_attempts_total"})
	require.NoError(t, err)
	counter.Inc(context.Background(), OutcomeAttr("success"))

	histogram, err := NewHistogram(MetricOpts{Name: "saga_duration_seconds", Unit: "s"})
	require.NoError(t, err)
	histogram.Record(context.Background(), 0.25, SagaNameAttr("tenant-provisioning"))

	var nilCounter *Counter
	var nilHistogram *Histogram
	assert.NotPanics(t, func() {
		nilCounter.Inc(context.Background())
		nilHistogram.Record(context.Background(), 1)
	})
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, attribute.String("tenant.id", "t1"), TenantIDAttr("t1"))
	assert.Equal(t, attribute.String("saga.name", "member-signup"), SagaNameAttr("member-signup"))
	assert.Equal(t, attribute.String("saga.step", "create-profile"), SagaStepAttr("create-profile"))
	assert.Equal(t, attribute.String("outcome", "compensated"), OutcomeAttr("compensated"))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
