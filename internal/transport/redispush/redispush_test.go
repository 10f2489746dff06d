package redispush

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"oximeter-vitals/internal/vitals"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func waitSubscribers(t *testing.T, client *redis.Client, channel string) {
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && n[channel] > 0
	}, 2*time.Second, 10*time.Millisecond)
}

type controlEvent struct {
	name   string
	key    vitals.SessionKey
	client string
}

func listenControl(t *testing.T, client *redis.Client) <-chan controlEvent {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan controlEvent, 8)
	done := make(chan error, 1)
	go func() {
		done <- NewPublisher(client, "", zap.NewNop()).ListenControl(ctx, func(name string, key vitals.SessionKey, id string) {
			events <- controlEvent{name, key, id}
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	waitSubscribers(t, client, ControlChannel(DefaultPrefix))
	return events
}

func next(t *testing.T, events <-chan controlEvent) controlEvent {
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no control event")
		return controlEvent{}
	}
}

func TestTransport_DeliversChannelEvents(t *testing.T) {
	_, client := setupRedis(t)
	tr := New(client, "", zap.NewNop())
	defer tr.Close()

	var mu sync.Mutex
	var got []string
	sub, err := tr.Subscribe("vitals_ABC123", func(payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	require.NoError(t, err)
	waitSubscribers(t, client, "vitals:push:vitals_ABC123")

	pub := NewPublisher(client, "", zap.NewNop())
	require.NoError(t, pub.Publish(context.Background(), "vitals_ABC123", []byte(`[{"spo2":97}]`)))
	require.NoError(t, pub.Publish(context.Background(), "vitals", []byte(`[]`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, `[{"spo2":97}]`, got[0])
	mu.Unlock()

	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(context.Background(), "vitals:push:vitals_ABC123").Result()
		return err == nil && n["vitals:push:vitals_ABC123"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_ListenControl(t *testing.T) {
	_, client := setupRedis(t)
	events := listenControl(t, client)

	ctx := context.Background()
	tr := New(client, "", zap.NewNop())
	defer tr.Close()
	require.NoError(t, tr.Join(ctx, "ABC123"))
	require.NoError(t, tr.Leave(ctx, "ABC123"))

	join := next(t, events)
	assert.Equal(t, vitals.EventJoin, join.name)
	assert.Equal(t, vitals.SessionKey("ABC123"), join.key)
	assert.Equal(t, tr.id, join.client)
	assert.Equal(t, controlEvent{vitals.EventLeave, "ABC123", tr.id}, next(t, events))
}

func TestTransport_JoinLeaveReferenceCounted(t *testing.T) {
	_, client := setupRedis(t)
	events := listenControl(t, client)

	ctx := context.Background()
	tr := New(client, "", zap.NewNop())
	defer tr.Close()

	require.NoError(t, tr.Join(ctx, "ABC123"))
	require.NoError(t, tr.Join(ctx, "ABC123"))
	require.NoError(t, tr.Leave(ctx, "ABC123"))
	require.NoError(t, tr.Leave(ctx, "ABC123"))
	require.NoError(t, tr.Leave(ctx, "ABC123"))

	assert.Equal(t, vitals.EventJoin, next(t, events).name)
	assert.Equal(t, vitals.EventLeave, next(t, events).name)
	select {
	case ev := <-events:
		t.Fatalf("unexpected control event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_ReplaysJoinAfterReconnect(t *testing.T) {
	mr, client := setupRedis(t)
	tr := New(client, "", zap.NewNop())
	defer tr.Close()

	lost := make(chan struct{}, 1)
	errSub := tr.OnConnectError(func(error) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	defer errSub.Unsubscribe()

	_, err := tr.Subscribe("vitals_ABC123", func([]byte) {})
	require.NoError(t, err)
	waitSubscribers(t, client, "vitals:push:vitals_ABC123")
	require.NoError(t, tr.Join(context.Background(), "ABC123"))

	mr.Close()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
	require.NoError(t, mr.Restart())

	// 接收循环处于退避中，先订阅控制频道再等待补发的 join
	watcher := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer watcher.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := watcher.Subscribe(ctx, ControlChannel(DefaultPrefix))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	var ctl ControlMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ctl))
	assert.Equal(t, ControlMessage{Event: vitals.EventJoin, Session: "ABC123", Client: tr.id}, ctl)

	// 订阅也已恢复
	waitSubscribers(t, watcher, "vitals:push:vitals_ABC123")
}
