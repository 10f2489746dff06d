// Package hub 数据提供方的 WebSocket 推送中心：维护连接及其加入的会话，按频道投递事件。
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"oximeter-vitals/internal/transport/ws"
	"oximeter-vitals/internal/vitals"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
)

// Greeter 新连接建立时需要立即下发的事件，例如默认缓冲区
type Greeter func(ctx context.Context) (channel string, payload []byte, err error)

// SessionTracker 会话加入/离开回调
type SessionTracker interface {
	Joined(session vitals.SessionKey, connID string)
	Left(session vitals.SessionKey, connID string)
}

// Hub WebSocket 推送中心
type Hub struct {
	upgrader websocket.Upgrader
	greeter  Greeter
	tracker  SessionTracker
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

type conn struct {
	id       string
	ws       *websocket.Conn
	send     chan []byte
	mu       sync.Mutex
	sessions map[vitals.SessionKey]struct{}
	closed   chan struct{}
	once     sync.Once
}

// New 创建推送中心；greeter、tracker 可为 nil
func New(greeter Greeter, tracker SessionTracker, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 与 REST 接口的 CORS 策略一致，允许任意来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		greeter: greeter,
		tracker: tracker,
		logger:  logger,
		conns:   make(map[*conn]struct{}),
	}
}

// ServeHTTP 升级为 WebSocket 连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		ws:       wsConn,
		send:     make(chan []byte, sendBuffer),
		sessions: make(map[vitals.SessionKey]struct{}),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go h.writePump(c)

	if h.greeter != nil {
		channel, payload, err := h.greeter(r.Context())
		if err != nil {
			h.logger.Warn("Failed to build greeting", zap.String("conn_id", c.id), zap.Error(err))
		} else if frame, err := ws.EncodeFrame(channel, json.RawMessage(payload)); err == nil {
			h.enqueue(c, frame)
		}
	}

	h.readPump(c)
}

// Publish 向频道投递事件：默认频道广播给所有连接，会话频道只投递给加入了该会话的连接
func (h *Hub) Publish(ctx context.Context, channel string, payload []byte) error {
	session, ok := vitals.SessionFromChannel(channel)
	if !ok {
		h.logger.Warn("Publish to unknown channel", zap.String("channel", channel))
		return nil
	}

	frame, err := ws.EncodeFrame(channel, json.RawMessage(payload))
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if session.IsDefault() || c.joined(session) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, frame)
	}
	return nil
}

// Connections 当前连接数
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Watchers 加入某会话的连接数
func (h *Hub) Watchers(session vitals.SessionKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.conns {
		if c.joined(session) {
			n++
		}
	}
	return n
}

// Close 关闭所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// enqueue 非阻塞投递；发送队列满说明客户端过慢，丢弃本次事件
func (h *Hub) enqueue(c *conn, frame []byte) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		h.logger.Warn("Dropping event for slow client", zap.String("conn_id", c.id))
	}
}

func (h *Hub) readPump(c *conn) {
	defer h.unregister(c)

	c.ws.SetReadLimit(64 * 1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ws.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		h.handleControl(c, f)
	}
}

func (h *Hub) handleControl(c *conn, f ws.Frame) {
	if f.Event != vitals.EventJoin && f.Event != vitals.EventLeave {
		h.logger.Debug("Ignoring client event", zap.String("conn_id", c.id), zap.String("event", f.Event))
		return
	}

	var msg vitals.ControlMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		h.logger.Warn("Invalid control message", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	session, err := vitals.ParseSessionKey(msg.Session)
	if err != nil || session.IsDefault() {
		h.logger.Warn("Invalid session in control message",
			zap.String("conn_id", c.id),
			zap.String("session", msg.Session),
		)
		return
	}

	c.mu.Lock()
	_, had := c.sessions[session]
	if f.Event == vitals.EventJoin {
		c.sessions[session] = struct{}{}
	} else {
		delete(c.sessions, session)
	}
	c.mu.Unlock()

	switch {
	case f.Event == vitals.EventJoin && !had:
		h.logger.Info("Client joined session", zap.String("conn_id", c.id), zap.String("session", session.String()))
		if h.tracker != nil {
			h.tracker.Joined(session, c.id)
		}
	case f.Event == vitals.EventLeave && had:
		h.logger.Info("Client left session", zap.String("conn_id", c.id), zap.String("session", session.String()))
		if h.tracker != nil {
			h.tracker.Left(session, c.id)
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()

	// 断开连接视为离开其加入的全部会话
	c.mu.Lock()
	sessions := make([]vitals.SessionKey, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = map[vitals.SessionKey]struct{}{}
	c.mu.Unlock()

	if h.tracker != nil {
		for _, s := range sessions {
			h.tracker.Left(s, c.id)
		}
	}
	h.logger.Info("Client disconnected", zap.String("conn_id", c.id))
}

func (c *conn) joined(session vitals.SessionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[session]
	return ok
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
