package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqttcommon "oximeter-vitals/common/mqtt"
	rediscommon "oximeter-vitals/common/redis"
	"oximeter-vitals/internal/oximeter"
	"oximeter-vitals/internal/vitals"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultDeviceTopic 设备上报主题，中间一段为会话 key（default 或 _ 表示默认会话）
const DefaultDeviceTopic = "oximeter/+/data"

// DefaultStream 设备读数的 Redis Stream
const DefaultStream = "vitals:readings:stream"

// StreamReading 写入 Stream 的消息体
type StreamReading struct {
	Session string           `json:"session"`
	Reading oximeter.Reading `json:"reading"`
	Topic   string           `json:"topic,omitempty"`
}

// MQTTConsumer 订阅设备上报；redisClient 非空时写入 Redis Stream，否则直接交给 sink
type MQTTConsumer struct {
	mqttClient  *mqttcommon.Client
	redisClient *redis.Client
	topic       string
	stream      string
	sink        Sink
	now         func() time.Time
	logger      *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(
	mqttClient *mqttcommon.Client,
	redisClient *redis.Client,
	topic string,
	stream string,
	sink Sink,
	logger *zap.Logger,
) *MQTTConsumer {
	if topic == "" {
		topic = DefaultDeviceTopic
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &MQTTConsumer{
		mqttClient:  mqttClient,
		redisClient: redisClient,
		topic:       topic,
		stream:      stream,
		sink:        sink,
		now:         time.Now,
		logger:      logger,
	}
}

// Start 订阅并阻塞到 ctx 结束
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.topic, c.mqttClient.QoS(), c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to device topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.topic),
		zap.Bool("stream_mode", c.redisClient != nil),
	)

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// SessionFromTopic 从 oximeter/{session}/data 中取会话 key
func SessionFromTopic(topic string) (vitals.SessionKey, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	seg := parts[1]
	if seg == "default" || seg == "_" {
		return "", nil
	}
	return vitals.ParseSessionKey(seg)
}

func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	key, err := SessionFromTopic(topic)
	if err != nil {
		return err
	}

	reading, err := oximeter.ParsePayload(payload, c.now())
	if err != nil {
		return fmt.Errorf("failed to parse reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.redisClient == nil {
		return c.sink.Ingest(ctx, key, reading.Raw())
	}

	streamID, err := rediscommon.PublishJSONToStream(ctx, c.redisClient, c.stream, StreamReading{
		Session: key.String(),
		Reading: reading,
		Topic:   topic,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	c.logger.Debug("Published reading to Redis Streams",
		zap.String("session", key.String()),
		zap.String("stream", c.stream),
		zap.String("stream_id", streamID),
	)
	return nil
}
