package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestTopicID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "scrapegw-alert-match", TopicID("scrapegw", "alert.match"))
	require.Equal(t, "failover-transition", TopicID("", "failover.transition"))
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "x").Publish(context.Background(), "alert.match", map[string]int{"n": 1})
	require.ErrorContains(t, err, "not configured")
}

func TestCarrierPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	propagation.TraceContext{}.Inject(ctx, carrier)

	require.Contains(t, carrier.Keys(), "traceparent")
	require.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}
