//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisq "github.com/fairyhunter13/soundsidecar/internal/adapter/queue/redis"
	"github.com/fairyhunter13/soundsidecar/internal/domain"
)

func TestQueueAdapter_AgainstRealRedis(t *testing.T) {
	url := startRedis(t)
	ctx := context.Background()

	adapter, err := redisq.New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	opt, err := goredis.ParseURL(url)
	require.NoError(t, err)
	raw := goredis.NewClient(opt)
	t.Cleanup(func() { _ = raw.Close() })

	t.Run("push pop drain", func(t *testing.T) {
		q := "audio:clap:queue"
		d := 42.0
		require.NoError(t, adapter.Push(ctx, q, domain.Job{ResourceID: "t1", FilePath: "a/b.flac", DurationHint: &d}))
		require.NoError(t, adapter.Push(ctx, q, domain.Job{ResourceID: "t2", FilePath: "c.wav"}))
		require.NoError(t, adapter.Push(ctx, q, domain.Job{ResourceID: "t3", FilePath: "d.wav"}))

		j, ok, err := adapter.BlockingPop(ctx, q, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "t1", j.ResourceID)
		require.NotNil(t, j.DurationHint)
		assert.Equal(t, 42.0, *j.DurationHint)

		rest, err := adapter.DrainNonBlocking(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, "t2", rest[0].ResourceID)
		assert.Equal(t, "t3", rest[1].ResourceID)

		_, ok, err = adapter.BlockingPop(ctx, q, 100*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("heartbeat", func(t *testing.T) {
		at := time.Now()
		require.NoError(t, adapter.Heartbeat(ctx, "audio:worker:heartbeat", at))
		val, err := raw.Get(ctx, "audio:worker:heartbeat").Result()
		require.NoError(t, err)
		assert.Equal(t, at.UnixMilli(), mustParseInt(t, val))
	})

	t.Run("stream group response ack", func(t *testing.T) {
		stream, group := "audio:text:embed:requests", "embedders"
		require.NoError(t, adapter.EnsureGroup(ctx, stream, group))
		// Idempotent against BUSYGROUP.
		require.NoError(t, adapter.EnsureGroup(ctx, stream, group))

		id, err := raw.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"requestId": "r1", "text": "mellow jazz"},
		}).Result()
		require.NoError(t, err)

		entry, ok, err := adapter.ReadOne(ctx, stream, group, "c1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, entry.ID)
		assert.Equal(t, "r1", entry.Values["requestId"])

		respKey := "audio:text:embed:response:r1"
		payload, _ := json.Marshal(map[string]any{"requestId": "r1", "success": true})
		require.NoError(t, adapter.AckWithResponse(ctx, stream, group, entry.ID, respKey, payload, time.Minute))

		// The response precedes the ack within one pipeline: a reader
		// observing the ack must find the response queued.
		vals, err := raw.LRange(ctx, respKey, 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, vals, 1)
		ttl, err := raw.TTL(ctx, respKey).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		pending, err := raw.XPending(ctx, stream, group).Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)
	})

	t.Run("auto claim orphan", func(t *testing.T) {
		stream, group := "audio:text:embed:requests2", "embedders"
		require.NoError(t, adapter.EnsureGroup(ctx, stream, group))

		_, err := raw.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			Values: map[string]any{"requestId": "r2", "text": "dark ambient"},
		}).Result()
		require.NoError(t, err)

		// c1 reads the entry and dies before acking.
		entry, ok, err := adapter.ReadOne(ctx, stream, group, "c1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(50 * time.Millisecond)
		claimed, err := adapter.AutoClaim(ctx, stream, group, "c2", 10*time.Millisecond, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, entry.ID, claimed[0].ID)
		assert.Equal(t, "r2", claimed[0].Values["requestId"])
	})

	t.Run("pub sub control", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		msgs, unsubscribe, err := adapter.Subscribe(subCtx, "audio:analysis:control")
		require.NoError(t, err)
		defer func() { _ = unsubscribe() }()

		require.NoError(t, adapter.Publish(ctx, "audio:analysis:control", "pause"))
		select {
		case got := <-msgs:
			assert.Equal(t, "pause", got)
		case <-time.After(5 * time.Second):
			t.Fatal("control message not delivered")
		}
	})
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	v, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return v
}
