package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "oximeter-vitals/common/redis"
	"oximeter-vitals/internal/vitals"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrInvalidStreamMessage = errors.New("invalid stream message")

// StreamConsumerConfig Stream 消费参数
type StreamConsumerConfig struct {
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	BatchSize     int64
	Block         time.Duration
}

// StreamConsumer 以消费者组读取设备读数并交给 sink
type StreamConsumer struct {
	cfg         StreamConsumerConfig
	redisClient *redis.Client
	sink        Sink
	logger      *zap.Logger
}

// NewStreamConsumer 创建 Stream 消费者
func NewStreamConsumer(cfg StreamConsumerConfig, redisClient *redis.Client, sink Sink, logger *zap.Logger) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "vitals-provider"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "vitals-provider-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &StreamConsumer{
		cfg:         cfg,
		redisClient: redisClient,
		sink:        sink,
		logger:      logger,
	}
}

// Start 启动消费循环，读取失败时指数退避（1s 起，最大 30s）
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.cfg.Stream, err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("consumer_group", c.cfg.ConsumerGroup),
		zap.String("consumer_name", c.cfg.ConsumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.consumeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume stream",
				zap.String("stream", c.cfg.Stream),
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		backoffDuration = time.Second

		// 非阻塞读取且没有消息时稍作等待
		if n == 0 && c.cfg.Block <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// consumeOnce 读取并处理一批消息，返回读到的条数
func (c *StreamConsumer) consumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.cfg.Stream,
		c.cfg.ConsumerGroup,
		c.cfg.ConsumerName,
		c.cfg.BatchSize,
		c.cfg.Block,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read from stream %s: %w", c.cfg.Stream, err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		// 处理失败的消息同样确认，避免反复投递
		if err := rediscommon.Ack(ctx, c.redisClient, c.cfg.Stream, c.cfg.ConsumerGroup, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return ErrInvalidStreamMessage
	}

	var sr StreamReading
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStreamMessage, err)
	}

	key, err := vitals.ParseSessionKey(sr.Session)
	if err != nil {
		return err
	}
	return c.sink.Ingest(ctx, key, sr.Reading.Raw())
}
