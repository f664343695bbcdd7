package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportcrm/backend/internal/models"
)

func TestRedisNotifierAppendsToStream(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	stream := "test:events:" + uuid.NewString()
	defer client.Del(ctx, stream)

	convID := "conv-1"
	n := RedisNotifier{Client: client, Stream: stream}
	ev := models.AIWebhookEvent{
		ID:             uuid.NewString(),
		EventType:      string(HandoffRequested),
		ConversationID: &convID,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, n.Notify(ctx, ev))

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID, msgs[0].Values["id"])
	assert.Equal(t, string(HandoffRequested), msgs[0].Values["event_type"])
	assert.Equal(t, convID, msgs[0].Values["conversation_id"])
}
