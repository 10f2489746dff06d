// Package ingest 读数入口：CSV 文件、MQTT 设备上报、Redis Streams，统一交给 Pipeline
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"oximeter-vitals/internal/store"
	"oximeter-vitals/internal/vitals"

	"go.uber.org/zap"
)

// Sink 读数的去向
type Sink interface {
	Ingest(ctx context.Context, key vitals.SessionKey, rec vitals.RawRecord) error
}

// Publisher 推送通道的发布端（hub、Redis、MQTT）
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Archive 读数归档（repository.ReadingRepository 实现）
type Archive interface {
	Insert(ctx context.Context, key vitals.SessionKey, rec vitals.Record) (int64, error)
}

// Pipeline 写入缓冲区、归档，并把会话的整个缓冲区推送到会话频道
type Pipeline struct {
	store      store.BufferStore
	archive    Archive
	publishers []Publisher
	logger     *zap.Logger
}

// NewPipeline 创建 Pipeline；archive 可为 nil
func NewPipeline(s store.BufferStore, archive Archive, publishers []Publisher, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:      s,
		archive:    archive,
		publishers: publishers,
		logger:     logger,
	}
}

// Ingest 处理一条读数；格式错误的读数直接拒绝，不进入缓冲区
func (p *Pipeline) Ingest(ctx context.Context, key vitals.SessionKey, rec vitals.RawRecord) error {
	formatted, _, err := vitals.Format([]vitals.RawRecord{rec}, vitals.RejectBuffer)
	if err != nil {
		return fmt.Errorf("rejected reading: %w", err)
	}

	buf, err := p.store.Append(ctx, key, rec)
	if err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}

	if p.archive != nil {
		if _, err := p.archive.Insert(ctx, key, formatted[0]); err != nil {
			// 归档失败不影响实时推送
			p.logger.Warn("Failed to archive reading",
				zap.String("session", key.String()),
				zap.Error(err),
			)
		}
	}

	payload, err := json.Marshal(buf)
	if err != nil {
		return fmt.Errorf("failed to marshal buffer: %w", err)
	}

	var errs []error
	channel := key.Channel()
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.logger.Warn("Failed to publish buffer",
			zap.String("channel", channel),
			zap.Error(errors.Join(errs...)),
		)
	}

	p.logger.Debug("Ingested reading",
		zap.String("session", key.String()),
		zap.Int("buffer_size", len(buf)),
	)
	return nil
}
