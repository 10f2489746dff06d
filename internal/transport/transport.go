// Package transport 定义推送通道的抽象：按频道订阅事件、监听连接错误、发送 join/leave 控制消息。
//
// 具体实现见子包 ws（WebSocket，事件帧协议）、mqtt（paho）、redis（Pub/Sub）。
// Transport 实例由应用持有并注入到各个 feed，不使用全局连接。
package transport

import (
	"context"
	"sync"
)

// Handler 频道事件回调，payload 为原始 JSON
type Handler func(payload []byte)

// ErrorHandler 连接错误回调
type ErrorHandler func(err error)

// Subscription 一次监听注册，Unsubscribe 可重复调用
type Subscription interface {
	Unsubscribe()
}

// Transport 推送通道
type Transport interface {
	// Subscribe 监听频道上的事件
	Subscribe(channel string, h Handler) (Subscription, error)
	// OnConnectError 监听传输层连接错误
	OnConnectError(h ErrorHandler) Subscription
	// Join 通知数据提供方开始向该会话频道推送
	Join(ctx context.Context, session string) error
	// Leave 通知数据提供方客户端离开会话
	Leave(ctx context.Context, session string) error
}

// SubscriptionFunc 以函数实现 Subscription，保证只执行一次
type SubscriptionFunc struct {
	once sync.Once
	fn   func()
}

// NewSubscription 包装取消函数
func NewSubscription(fn func()) *SubscriptionFunc {
	return &SubscriptionFunc{fn: fn}
}

// Unsubscribe 取消监听
func (s *SubscriptionFunc) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}
