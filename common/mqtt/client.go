package mqtt

import (
	"fmt"
	"sync"
	"time"

	"oximeter-vitals/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Hooks 连接状态回调（均可为 nil）
type Hooks struct {
	// OnConnect 在已记录的订阅全部恢复之后调用，运行在独立 goroutine 中
	OnConnect        func()
	OnConnectionLost func(err error)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT 客户端封装
//
// CleanSession 下 broker 在重连后不保留订阅，Client 记录每个 Subscribe 并在每次连接成功后重新订阅。
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger
	hooks  Hooks

	mu   sync.Mutex
	subs map[string]subscription
}

// NewClient 创建并连接 MQTT 客户端
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger, hooks Hooks) (*Client, error) {
	c := newClient(cfg, logger, hooks)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.handleConnectionLost(err) })

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return c, nil
}

func newClient(cfg *config.MQTTConfig, logger *zap.Logger, hooks Hooks) *Client {
	return &Client{
		config: cfg,
		logger: logger,
		hooks:  hooks,
		subs:   make(map[string]subscription),
	}
}

// QoS 配置中的默认 QoS
func (c *Client) QoS() byte {
	return c.config.QoS
}

// Subscribe 订阅主题，handler 返回的错误只记录日志；重连后自动恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := c.subscribe(topic, qos, handler); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Unsubscribe 取消订阅，重连后不再恢复
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// Disconnect 断开连接（250ms 等待未完成的工作）
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Topics 当前记录的订阅主题
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// handleConnect 首次连接与每次重连都会调用；paho 回调里不能同步等待 token，恢复工作放到 goroutine 中
func (c *Client) handleConnect() {
	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker))

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	go func() {
		for topic, s := range subs {
			if err := c.subscribe(topic, s.qos, s.handler); err != nil {
				c.logger.Warn("Failed to restore subscription", zap.String("topic", topic), zap.Error(err))
			}
		}
		if len(subs) > 0 {
			c.logger.Info("MQTT subscriptions restored", zap.Int("count", len(subs)))
		}
		if c.hooks.OnConnect != nil {
			c.hooks.OnConnect()
		}
	}()
}

func (c *Client) handleConnectionLost(err error) {
	c.logger.Warn("MQTT connection lost", zap.String("broker", c.config.Broker), zap.Error(err))
	if c.hooks.OnConnectionLost != nil {
		c.hooks.OnConnectionLost(err)
	}
}
