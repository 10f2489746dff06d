package feed

import (
	"context"
	"sync"

	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"

	"go.uber.org/zap"
)

// Handle 一次 Activate 产生的订阅句柄
type Handle struct {
	feed    *Feed
	gen     uint64
	key     vitals.SessionKey
	channel string

	channelSub transport.Subscription
	errSub     transport.Subscription
	cancel     context.CancelFunc
	ready      chan struct{}

	once sync.Once
}

// Key 订阅的会话 key（默认流为空）
func (h *Handle) Key() vitals.SessionKey { return h.key }

// Channel 订阅的推送频道
func (h *Handle) Channel() string { return h.channel }

// Ready 快照拉取结束（成功、失败或被取消）后关闭
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Deactivate 停止订阅，可重复调用；nil 或零值句柄上调用无任何效果
// 顺序：停止监听会话频道 -> 会话模式下发送 leave -> 移除连接错误监听
func (h *Handle) Deactivate() {
	if h == nil || h.feed == nil {
		return
	}
	h.once.Do(h.deactivate)
}

func (h *Handle) deactivate() {
	f := h.feed

	// 先让代次失效，此后到达的推送/错误事件一律忽略
	f.retire(h)
	h.cancel()

	if h.channelSub != nil {
		h.channelSub.Unsubscribe()
	}

	if !h.key.IsDefault() {
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.LeaveTimeout)
		if err := f.transport.Leave(ctx, h.key.String()); err != nil {
			f.logger.Warn("Failed to send leave",
				zap.String("session", h.key.String()),
				zap.Error(err),
			)
		}
		cancel()
	}

	if h.errSub != nil {
		h.errSub.Unsubscribe()
	}

	f.logger.Info("Feed deactivated",
		zap.String("session", h.key.String()),
		zap.String("channel", h.channel),
	)
}
