// Package mqttpush 基于 MQTT 的推送通道：频道映射为 {prefix}/{channel} 主题，
// join/leave 发布到 {prefix}/control/{join|leave}。
package mqttpush

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"oximeter-vitals/common/config"
	mqttcommon "oximeter-vitals/common/mqtt"
	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPrefix 默认主题前缀
const DefaultPrefix = "oximeter-vitals"

// Topic 频道对应的主题
func Topic(prefix, channel string) string {
	return prefix + "/" + channel
}

// ControlTopic join/leave 控制主题
func ControlTopic(prefix, event string) string {
	return prefix + "/control/" + event
}

// ChannelFromTopic Topic 的逆运算
func ChannelFromTopic(prefix, topic string) (string, bool) {
	ch, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok || ch == "" || strings.Contains(ch, "/") {
		return "", false
	}
	return ch, true
}

// broker *mqttcommon.Client 中用到的部分
type broker interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
	Disconnect()
}

// Transport MQTT 推送通道，实现 transport.Transport
type Transport struct {
	id     string
	prefix string
	qos    byte
	reg    *transport.Registry
	logger *zap.Logger

	mu       sync.Mutex
	client   broker
	sessions map[string]int // 已 join 的会话及引用计数
}

// Dial 连接 broker；断线时通知连接错误监听者，重连后由 common/mqtt 恢复订阅，这里补发 join
func Dial(cfg *config.MQTTConfig, prefix string, logger *zap.Logger) (*Transport, error) {
	t := newTransport(prefix, cfg.QoS, logger)
	client, err := mqttcommon.NewClient(cfg, logger, mqttcommon.Hooks{
		OnConnect:        t.restore,
		OnConnectionLost: t.reg.DispatchError,
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return t, nil
}

// Subscribe 监听频道；频道上第一个监听者注册时向 broker 订阅
func (t *Transport) Subscribe(channel string, h transport.Handler) (transport.Subscription, error) {
	id, first := t.reg.Add(channel, h)
	if first {
		if err := t.subscribeTopic(channel); err != nil {
			t.reg.Remove(channel, id)
			return nil, err
		}
	}

	return transport.NewSubscription(func() {
		if t.reg.Remove(channel, id) {
			if err := t.currentClient().Unsubscribe(Topic(t.prefix, channel)); err != nil {
				t.logger.Warn("Failed to unsubscribe", zap.String("channel", channel), zap.Error(err))
			}
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
	return t.control(vitals.EventJoin, session)
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

	return t.control(vitals.EventLeave, session)
}

// Publish 向频道发布事件（数据提供方使用）
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.currentClient().Publish(Topic(t.prefix, channel), t.qos, false, payload)
}

// ListenControl 订阅 join/leave 控制消息（数据提供方使用）
func (t *Transport) ListenControl(fn vitals.ControlFunc) error {
	for _, event := range []string{vitals.EventJoin, vitals.EventLeave} {
		event := event
		err := t.currentClient().Subscribe(ControlTopic(t.prefix, event), t.qos, func(topic string, payload []byte) error {
			var msg vitals.ControlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return fmt.Errorf("invalid control message: %w", err)
			}
			key, err := vitals.ParseSessionKey(msg.Session)
			if err != nil {
				return err
			}
			if key.IsDefault() {
				return fmt.Errorf("control message without session")
			}
			fn(event, key, msg.Client)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close 断开连接
func (t *Transport) Close() error {
	t.currentClient().Disconnect()
	return nil
}

func newTransport(prefix string, qos byte, logger *zap.Logger) *Transport {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Transport{
		id:       uuid.NewString(),
		prefix:   prefix,
		qos:      qos,
		reg:      transport.NewRegistry(),
		logger:   logger,
		sessions: make(map[string]int),
	}
}

func (t *Transport) currentClient() broker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) subscribeTopic(channel string) error {
	return t.currentClient().Subscribe(Topic(t.prefix, channel), t.qos, func(topic string, payload []byte) error {
		ch, ok := ChannelFromTopic(t.prefix, topic)
		if !ok {
			return fmt.Errorf("unexpected topic %s", topic)
		}
		t.reg.Dispatch(ch, payload)
		return nil
	})
}

func (t *Transport) control(event, session string) error {
	b, err := json.Marshal(vitals.ControlMessage{Session: session, Client: t.id})
	if err != nil {
		return err
	}
	return t.currentClient().Publish(ControlTopic(t.prefix, event), t.qos, false, b)
}

// restore 每次连接成功后补发仍有效的 join；订阅已由 common/mqtt 恢复。
// 首次连接时 client 尚未赋值，直接跳过
func (t *Transport) restore() {
	t.mu.Lock()
	client := t.client
	sessions := make([]string, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	if client == nil {
		return
	}

	for _, s := range sessions {
		if err := t.control(vitals.EventJoin, s); err != nil {
			t.logger.Warn("Failed to replay join", zap.String("session", s), zap.Error(err))
		}
	}
}
