// Package redispush 基于 Redis Pub/Sub 的推送通道：频道映射为 {prefix}:{channel}，
// join/leave 以 JSON 发布到 {prefix}:control。
package redispush

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPrefix 默认频道前缀
const DefaultPrefix = "vitals:push"

// ControlMessage 控制频道上的消息
type ControlMessage struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	Client  string `json:"client,omitempty"`
}

// ChannelName Redis 频道名
func ChannelName(prefix, channel string) string {
	return prefix + ":" + channel
}

// ControlChannel 控制频道名
func ControlChannel(prefix string) string {
	return prefix + ":control"
}

// Transport Redis Pub/Sub 推送通道，实现 transport.Transport
type Transport struct {
	id     string
	client *redis.Client
	prefix string
	reg    *transport.Registry
	logger *zap.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	sessions map[string]int // 已 join 的会话及引用计数
}

// New 创建推送通道并启动接收 goroutine；client 由调用方持有
func New(client *redis.Client, prefix string, logger *zap.Logger) *Transport {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:       uuid.NewString(),
		client:   client,
		prefix:   prefix,
		reg:      transport.NewRegistry(),
		logger:   logger,
		pubsub:   client.Subscribe(ctx),
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: make(map[string]int),
	}
	go t.receive(ctx)
	return t
}

// Subscribe 监听频道；频道上第一个监听者注册时发送 SUBSCRIBE
func (t *Transport) Subscribe(channel string, h transport.Handler) (transport.Subscription, error) {
	id, first := t.reg.Add(channel, h)
	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.pubsub.Subscribe(ctx, ChannelName(t.prefix, channel)); err != nil {
			t.reg.Remove(channel, id)
			return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
		}
	}

	return transport.NewSubscription(func() {
		if !t.reg.Remove(channel, id) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.pubsub.Unsubscribe(ctx, ChannelName(t.prefix, channel)); err != nil {
			t.logger.Warn("Failed to unsubscribe", zap.String("channel", channel), zap.Error(err))
		}
	}), nil
}

// OnConnectError 监听连接错误
func (t *Transport) OnConnectError(h transport.ErrorHandler) transport.Subscription {
	return t.reg.AddErrorHandler(h)
}

// Join 会话的第一个引用发布 join 控制消息
func (t *Transport) Join(ctx context.Context, session string) error {
	t.mu.Lock()
	t.sessions[session]++
	first := t.sessions[session] == 1
	t.mu.Unlock()

	if !first {
		return nil
	}
	return t.control(ctx, vitals.EventJoin, session)
}

// Leave 引用计数归零时发布 leave 控制消息
func (t *Transport) Leave(ctx context.Context, session string) error {
	t.mu.Lock()
	n, ok := t.sessions[session]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if n > 1 {
		t.sessions[session] = n - 1
		t.mu.Unlock()
		return nil
	}
	delete(t.sessions, session)
	t.mu.Unlock()

	return t.control(ctx, vitals.EventLeave, session)
}

// Close 停止接收并关闭 PubSub 连接
func (t *Transport) Close() error {
	t.cancel()
	err := t.pubsub.Close()
	<-t.done
	return err
}

func (t *Transport) control(ctx context.Context, event, session string) error {
	b, err := json.Marshal(ControlMessage{Event: event, Session: session, Client: t.id})
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, ControlChannel(t.prefix), b).Err()
}

// receive 接收循环；读失败时通知连接错误监听者，go-redis 在下一次读取时自动重连并重新订阅
func (t *Transport) receive(ctx context.Context) {
	defer close(t.done)

	backoff := 100 * time.Millisecond
	healthy := true
	for {
		msg, err := t.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || err == redis.ErrClosed {
				return
			}
			if healthy {
				t.logger.Warn("Pub/Sub receive failed", zap.Error(err))
			}
			healthy = false
			t.reg.DispatchError(err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}

		if !healthy {
			healthy = true
			backoff = 100 * time.Millisecond
			t.replayJoins(ctx)
		}

		switch m := msg.(type) {
		case *redis.Message:
			ch, ok := strings.CutPrefix(m.Channel, t.prefix+":")
			if !ok {
				continue
			}
			t.reg.Dispatch(ch, []byte(m.Payload))
		case *redis.Subscription, *redis.Pong:
		}
	}
}

func (t *Transport) replayJoins(ctx context.Context) {
	t.mu.Lock()
	sessions := make([]string, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		var err error
		// 重启后连接池里可能还有失效连接，失败的连接会被丢弃，重试几次即可拿到新连接
		for attempt := 0; attempt < 3; attempt++ {
			if err = t.control(ctx, vitals.EventJoin, s); err == nil {
				break
			}
		}
		if err != nil {
			t.logger.Warn("Failed to replay join", zap.String("session", s), zap.Error(err))
		}
	}
}

// Publisher 数据提供方一侧：向频道发布事件并监听控制消息
type Publisher struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// Publish 发布频道事件
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, ChannelName(p.prefix, channel), payload).Err()
}

// ListenControl 阻塞监听控制频道直到 ctx 结束
func (p *Publisher) ListenControl(ctx context.Context, fn vitals.ControlFunc) error {
	ps := p.client.Subscribe(ctx, ControlChannel(p.prefix))
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe control channel: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg ControlMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				p.logger.Warn("Invalid control message", zap.String("payload", m.Payload), zap.Error(err))
				continue
			}
			key, err := vitals.ParseSessionKey(msg.Session)
			if err != nil || key.IsDefault() {
				p.logger.Warn("Invalid control session", zap.String("session", msg.Session))
				continue
			}
			fn(msg.Event, key, msg.Client)
		}
	}
}
