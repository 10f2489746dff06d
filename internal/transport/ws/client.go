// Package ws 基于 gorilla/websocket 的推送通道客户端，帧协议见 Frame。
//
// 连接断开后按指数退避自动重连，每次连接失败都会通知 OnConnectError 的监听者；
// 重连成功后重新发送所有仍然有效的 join。
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed 客户端已关闭
var ErrClosed = errors.New("websocket transport closed")

// Options 客户端参数
type Options struct {
	URL          string
	Header       http.Header
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

// Client WebSocket 推送通道，实现 transport.Transport
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	reg    *transport.Registry
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]int // 已 join 的会话及引用计数
	writeMu  sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial 创建客户端并在后台建立连接；首次连接失败同样走重连流程
func Dial(opts Options, logger *zap.Logger) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		reg:      transport.NewRegistry(),
		logger:   logger,
		sessions: make(map[string]int),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Subscribe 监听频道事件
func (c *Client) Subscribe(channel string, h transport.Handler) (transport.Subscription, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	id, _ := c.reg.Add(channel, h)
	return transport.NewSubscription(func() { c.reg.Remove(channel, id) }), nil
}

// OnConnectError 监听连接错误
func (c *Client) OnConnectError(h transport.ErrorHandler) transport.Subscription {
	return c.reg.AddErrorHandler(h)
}

// Join 加入会话；未连接时只记录，连接建立后自动发送
func (c *Client) Join(ctx context.Context, session string) error {
	c.mu.Lock()
	c.sessions[session]++
	first := c.sessions[session] == 1
	c.mu.Unlock()

	if !first {
		return nil
	}
	return c.sendControl(vitals.EventJoin, session)
}

// Leave 离开会话；引用计数归零时才通知服务端
func (c *Client) Leave(ctx context.Context, session string) error {
	c.mu.Lock()
	n, ok := c.sessions[session]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if n > 1 {
		c.sessions[session] = n - 1
		c.mu.Unlock()
		return nil
	}
	delete(c.sessions, session)
	c.mu.Unlock()

	return c.sendControl(vitals.EventLeave, session)
}

// Connected 当前是否已连接
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close 关闭连接并停止重连
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) sendControl(event, session string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, event, vitals.ControlMessage{Session: session})
}

func (c *Client) write(conn *websocket.Conn, event string, data any) error {
	b, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.opts.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("WebSocket connect failed",
				zap.String("url", c.opts.URL),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			c.reg.DispatchError(err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.opts.MaxBackoff)
			continue
		}

		backoff = c.opts.MinBackoff
		c.logger.Info("WebSocket connected", zap.String("url", c.opts.URL))
		c.attach(conn)

		err = c.readLoop(conn)

		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("WebSocket disconnected", zap.Error(err))
		c.reg.DispatchError(err)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.opts.MaxBackoff)
	}
}

// attach 记录新连接并补发 join
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	sessions := make([]string, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if err := c.write(conn, vitals.EventJoin, vitals.ControlMessage{Session: s}); err != nil {
			c.logger.Warn("Failed to replay join", zap.String("session", s), zap.Error(err))
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Event == "" {
			continue
		}
		if n := c.reg.Dispatch(f.Event, f.Data); n == 0 {
			c.logger.Debug("Event without listeners", zap.String("event", f.Event))
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
