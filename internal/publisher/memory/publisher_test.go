package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "failover.transition", map[string]string{"to": "fra"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "alert.match", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(), 2)
	matches := pub.Topic("alert.match")
	require.Len(t, matches, 1)
	require.Equal(t, "payload", matches[0].Payload)

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	require.Equal(t, "failover.transition", pub.Messages()[0].Topic)
}

func TestPublisherRejectsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "t", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, New().Messages())
}
