package transport

import (
	"sync"
)

// Registry 频道 -> 监听者 的本地分发表，供各 Transport 实现复用
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	errs     map[uint64]ErrorHandler
}

// NewRegistry 创建分发表
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]map[uint64]Handler),
		errs:     make(map[uint64]ErrorHandler),
	}
}

// Add 注册频道监听；first 表示该频道此前没有监听者（实现方据此决定是否向远端订阅）
func (r *Registry) Add(channel string, h Handler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	set, ok := r.handlers[channel]
	if !ok {
		set = make(map[uint64]Handler)
		r.handlers[channel] = set
	}
	set[r.nextID] = h
	return r.nextID, !ok
}

// Remove 移除频道监听；last 表示该频道已无监听者
func (r *Registry) Remove(channel string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.handlers[channel]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.handlers, channel)
		return true
	}
	return false
}

// AddErrorHandler 注册连接错误监听
func (r *Registry) AddErrorHandler(h ErrorHandler) Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.errs[id] = h
	r.mu.Unlock()

	return NewSubscription(func() {
		r.mu.Lock()
		delete(r.errs, id)
		r.mu.Unlock()
	})
}

// Channels 当前有监听者的频道
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	return out
}

// Dispatch 将事件分发给频道上的所有监听者，返回命中的监听者数量
func (r *Registry) Dispatch(channel string, payload []byte) int {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[channel]))
	for _, h := range r.handlers[channel] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return len(hs)
}

// DispatchError 通知所有连接错误监听者
func (r *Registry) DispatchError(err error) {
	r.mu.RLock()
	hs := make([]ErrorHandler, 0, len(r.errs))
	for _, h := range r.errs {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(err)
	}
}
