package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/protocol"
)

func setupPresence(t *testing.T, opts ...PresenceOption) (*RedisPresence, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPresence(client, opts...), mr
}

func TestRedisPresence_PublishAndList(t *testing.T) {
	p, mr := setupPresence(t, WithInstance("relay-a"), WithPresenceTTL(time.Minute))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(ctx, []Info{
		{SessionID: "s2", UserID: "u2", State: "STREAMING", StartTime: base.Add(time.Second)},
		{SessionID: "s1", UserID: "u1", State: "READY", StartTime: base, Stats: protocol.Stats{AudioChunksReceived: 7}},
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("relay:session:s1"))
	assert.Equal(t, "relay-a", mr.HGet("relay:session:s1", "instance"))
	assert.Equal(t, time.Minute, mr.TTL("relay:session:s1"))

	got, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, int64(7), got[0].Stats.AudioChunksReceived)
	assert.Equal(t, "STREAMING", got[1].State)
}

func TestRedisPresence_EntriesExpire(t *testing.T) {
	p, mr := setupPresence(t, WithPresenceTTL(10*time.Second))
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, []Info{{SessionID: "s1"}}))
	mr.FastForward(11 * time.Second)

	got, err := p.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisPresence_RemoveOnUnregister(t *testing.T) {
	p, mr := setupPresence(t, WithPresencePrefix("test"))
	ctx := context.Background()

	r := NewRegistry()
	r.SetRemover(p)
	unregister := r.Register("s1", Handle{Info: func() Info { return Info{UserID: "u1"} }})

	require.NoError(t, p.Publish(ctx, r.Snapshot()))
	assert.True(t, mr.Exists("test:session:s1"))

	unregister()
	assert.False(t, mr.Exists("test:session:s1"))
}

func TestRedisPresence_RunPublishesUntilCanceled(t *testing.T) {
	p, mr := setupPresence(t)
	r := NewRegistry()
	r.Register("s1", Handle{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, r, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return mr.Exists("relay:session:s1") }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRedisPresence_ListSkipsMalformed(t *testing.T) {
	p, mr := setupPresence(t)
	mr.HSet("relay:session:bad", "info", "{not json")

	got, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
