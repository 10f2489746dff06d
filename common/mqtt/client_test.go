package mqtt

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oximeter-vitals/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m message) Topic() string   { return m.topic }
func (m message) Payload() []byte { return m.payload }

// memoryBroker 只保留当前会话的订阅，drop 模拟 CleanSession 断线：broker 忘记全部订阅
type memoryBroker struct {
	mqtt.Client

	mu     sync.Mutex
	routes map[string]mqtt.MessageHandler
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{routes: make(map[string]mqtt.MessageHandler)}
}

func (b *memoryBroker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.routes[topic] = cb
	b.mu.Unlock()
	return doneToken{}
}

func (b *memoryBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	for _, t := range topics {
		delete(b.routes, t)
	}
	b.mu.Unlock()
	return doneToken{}
}

func (b *memoryBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, cb := range b.routes {
		if matches(filter, topic) {
			handlers = append(handlers, cb)
		}
	}
	b.mu.Unlock()
	for _, cb := range handlers {
		cb(b, message{topic: topic, payload: payload.([]byte)})
	}
	return doneToken{}
}

func (b *memoryBroker) IsConnected() bool { return true }
func (b *memoryBroker) Disconnect(uint)   {}

func (b *memoryBroker) drop() {
	b.mu.Lock()
	b.routes = make(map[string]mqtt.MessageHandler)
	b.mu.Unlock()
}

func (b *memoryBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.routes[topic]
	return ok
}

func matches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	if len(f) != len(t) {
		return false
	}
	for i := range f {
		if f[i] != "+" && f[i] != t[i] {
			return false
		}
	}
	return true
}

func newTestClient(b *memoryBroker, hooks Hooks) *Client {
	c := newClient(&config.MQTTConfig{Broker: "tcp://memory:1883", QoS: 1}, zap.NewNop(), hooks)
	c.client = b
	return c
}

func TestClient_SubscriptionsRestoredAfterReconnect(t *testing.T) {
	broker := newMemoryBroker()
	var connects atomic.Int32
	c := newTestClient(broker, Hooks{OnConnect: func() { connects.Add(1) }})

	var mu sync.Mutex
	var readings []string
	require.NoError(t, c.Subscribe("oximeter/+/data", 1, func(topic string, payload []byte) error {
		mu.Lock()
		readings = append(readings, topic+" "+string(payload))
		mu.Unlock()
		return nil
	}))
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(readings)
	}

	require.NoError(t, c.Publish("oximeter/ABC123/data", 1, false, []byte(`{"spo2":98}`)))
	require.Equal(t, 1, count())

	broker.drop()
	require.NoError(t, c.Publish("oximeter/ABC123/data", 1, false, []byte(`{"spo2":97}`)))
	require.Equal(t, 1, count(), "broker forgot the subscription")

	c.handleConnect()
	require.Eventually(t, func() bool { return connects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, broker.subscribed("oximeter/+/data"))

	require.NoError(t, c.Publish("oximeter/ABC123/data", 1, false, []byte(`{"spo2":96}`)))
	require.Equal(t, 2, count())
	mu.Lock()
	assert.Equal(t, `oximeter/ABC123/data {"spo2":96}`, readings[1])
	mu.Unlock()
}

func TestClient_UnsubscribedTopicNotRestored(t *testing.T) {
	broker := newMemoryBroker()
	done := make(chan struct{}, 1)
	c := newTestClient(broker, Hooks{OnConnect: func() { done <- struct{}{} }})

	noop := func(string, []byte) error { return nil }
	require.NoError(t, c.Subscribe("a/control/join", 1, noop))
	require.NoError(t, c.Subscribe("a/vitals", 1, noop))
	require.NoError(t, c.Unsubscribe("a/vitals"))
	assert.ElementsMatch(t, []string{"a/control/join"}, c.Topics())

	broker.drop()
	c.handleConnect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect hook not called")
	}
	assert.True(t, broker.subscribed("a/control/join"))
	assert.False(t, broker.subscribed("a/vitals"))
}

func TestClient_ConnectionLostHook(t *testing.T) {
	var got error
	c := newTestClient(newMemoryBroker(), Hooks{OnConnectionLost: func(err error) { got = err }})
	c.handleConnectionLost(assert.AnError)
	assert.Equal(t, assert.AnError, got)
}
