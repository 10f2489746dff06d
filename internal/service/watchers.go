package service

import (
	"sync"

	"oximeter-vitals/internal/vitals"

	"go.uber.org/zap"
)

// Watchers 记录各会话的观看者：WebSocket 连接和通过 MQTT/Redis 控制消息 join 的客户端
type Watchers struct {
	logger *zap.Logger

	mu     sync.Mutex
	remote map[vitals.SessionKey]map[string]struct{} // 会话 -> 控制消息中的客户端 id
	local  map[vitals.SessionKey]map[string]struct{} // 会话 -> hub 连接 id
}

func NewWatchers(logger *zap.Logger) *Watchers {
	return &Watchers{
		logger: logger,
		remote: make(map[vitals.SessionKey]map[string]struct{}),
		local:  make(map[vitals.SessionKey]map[string]struct{}),
	}
}

// Joined hub 连接加入会话
func (w *Watchers) Joined(session vitals.SessionKey, connID string) {
	w.mu.Lock()
	addID(w.local, session, connID)
	w.mu.Unlock()

	w.logger.Info("Watcher joined", zap.String("session", session.String()), zap.String("conn_id", connID))
}

// Left hub 连接离开会话
func (w *Watchers) Left(session vitals.SessionKey, connID string) {
	w.mu.Lock()
	removeID(w.local, session, connID)
	w.mu.Unlock()

	w.logger.Info("Watcher left", zap.String("session", session.String()), zap.String("conn_id", connID))
}

// Control 处理 MQTT/Redis 控制频道上的 join/leave；按客户端 id 去重，重连后补发的 join 不会重复计数。
// 不带 id 的旧客户端共用一个空 id
func (w *Watchers) Control(event string, session vitals.SessionKey, client string) {
	w.mu.Lock()
	switch event {
	case vitals.EventJoin:
		addID(w.remote, session, client)
	case vitals.EventLeave:
		removeID(w.remote, session, client)
	}
	w.mu.Unlock()

	w.logger.Info("Remote watcher control",
		zap.String("event", event),
		zap.String("session", session.String()),
		zap.String("client", client),
	)
}

// Count 会话当前的观看者数量
func (w *Watchers) Count(session vitals.SessionKey) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.local[session]) + len(w.remote[session])
}

func addID(m map[vitals.SessionKey]map[string]struct{}, session vitals.SessionKey, id string) {
	ids := m[session]
	if ids == nil {
		ids = make(map[string]struct{})
		m[session] = ids
	}
	ids[id] = struct{}{}
}

func removeID(m map[vitals.SessionKey]map[string]struct{}, session vitals.SessionKey, id string) {
	ids := m[session]
	if ids == nil {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(m, session)
	}
}
