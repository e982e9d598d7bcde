package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestManagerPublishAssignsSequence(t *testing.T) {
	m := NewManager(5, zaptest.NewLogger(t))
	for i := 0; i < 7; i++ {
		m.Publish("run-1", Event{Type: EventQueryExecuted})
	}
	evs := m.ReplaySince("run-1", 3)
	require.Len(t, evs, 4)
	for _, e := range evs {
		assert.Greater(t, e.Seq, uint64(3))
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Empty(t, m.ReplaySince("other", 0))
}

func TestManagerSubscribeReceivesOwnRunOnly(t *testing.T) {
	m := NewManager(16, zaptest.NewLogger(t))
	ch := m.Subscribe("run-a", 4)
	defer m.Unsubscribe("run-a", ch)

	m.Publish("run-b", Event{Type: EventTaskStarted})
	m.Publish("run-a", Event{Type: EventRelationshipDiscovered, Message: "a -> b"})

	select {
	case e := <-ch:
		assert.Equal(t, EventRelationshipDiscovered, e.Type)
		assert.Equal(t, "a -> b", e.Message)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestManagerUnsubscribeTwiceIsSafe(t *testing.T) {
	m := NewManager(4, nil)
	ch := m.Subscribe("run", 1)
	m.Unsubscribe("run", ch)
	m.Unsubscribe("run", ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerMirrorsToRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	m := NewManager(8, zaptest.NewLogger(t))
	m.AttachRedis(client, 100)

	m.Publish("run-r", Event{Type: EventTaskStarted, TaskID: "t1"})
	m.Publish("run-r", Event{Type: EventSourceRateLimited, Source: "Brave Search",
		Data: map[string]interface{}{"cooldown_seconds": 60}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := client.XLen(ctx, StreamKey("run-r")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	evs, err := m.ReplayFromRedis(ctx, "run-r", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSourceRateLimited, evs[0].Type)
	assert.Equal(t, "Brave Search", evs[0].Source)
	assert.Equal(t, float64(60), evs[0].Data["cooldown_seconds"])
}

func TestReplayFromRedisWithoutClient(t *testing.T) {
	m := NewManager(4, nil)
	evs, err := m.ReplayFromRedis(context.Background(), "run", 0)
	require.NoError(t, err)
	assert.Nil(t, evs)
}

func TestRetireDropsReplayBuffer(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	m.SetRetention(0)
	m.Publish("run-1", Event{Type: EventInvestigationCompleted})
	m.Publish("run-2", Event{Type: EventTaskStarted})

	m.Retire("run-1")

	assert.Empty(t, m.ReplaySince("run-1", 0))
	assert.Len(t, m.ReplaySince("run-2", 0), 1)
	assert.Equal(t, 1, m.Runs())

	m.Retire("never-published")
	assert.Equal(t, 1, m.Runs())
}

func TestRetireWaitsForRetention(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	m.SetRetention(20 * time.Millisecond)
	m.Publish("run-1", Event{Type: EventInvestigationCompleted})

	m.Retire("run-1")
	assert.Len(t, m.ReplaySince("run-1", 0), 1, "late subscribers can still replay")

	assert.Eventually(t, func() bool { return m.Runs() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRetireKeepsRunThatPublishedAgain(t *testing.T) {
	m := NewManager(8, zaptest.NewLogger(t))
	m.SetRetention(10 * time.Millisecond)
	m.Publish("run-1", Event{Type: EventInvestigationCompleted})
	m.Retire("run-1")

	m.Publish("run-1", Event{Type: EventInvestigationStarted})
	time.Sleep(50 * time.Millisecond)

	evs := m.ReplaySince("run-1", 0)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[1].Seq)
}
