package feed

import (
	"context"
	"errors"
	"sync"

	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"
)

// fakeTransport 内存推送通道，记录所有控制操作的顺序
type fakeTransport struct {
	reg *transport.Registry

	mu      sync.Mutex
	ops     []string
	stale   map[string][]transport.Handler // 包括已取消的监听，用于模拟与取消并发到达的事件
	joinErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reg:   transport.NewRegistry(),
		stale: make(map[string][]transport.Handler),
	}
}

func (t *fakeTransport) record(op string) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

func (t *fakeTransport) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

func (t *fakeTransport) Subscribe(channel string, h transport.Handler) (transport.Subscription, error) {
	t.record("subscribe:" + channel)
	id, _ := t.reg.Add(channel, h)
	t.mu.Lock()
	t.stale[channel] = append(t.stale[channel], h)
	t.mu.Unlock()
	return transport.NewSubscription(func() {
		t.record("unsubscribe:" + channel)
		t.reg.Remove(channel, id)
	}), nil
}

func (t *fakeTransport) OnConnectError(h transport.ErrorHandler) transport.Subscription {
	return t.reg.AddErrorHandler(h)
}

func (t *fakeTransport) Join(ctx context.Context, session string) error {
	t.record("join:" + session)
	return t.joinErr
}

func (t *fakeTransport) Leave(ctx context.Context, session string) error {
	t.record("leave:" + session)
	return nil
}

func (t *fakeTransport) Emit(channel string, payload string) int {
	return t.reg.Dispatch(channel, []byte(payload))
}

// EmitStale 向频道上曾经注册过的所有监听者投递，包括已取消的
func (t *fakeTransport) EmitStale(channel string, payload string) {
	t.mu.Lock()
	hs := append([]transport.Handler(nil), t.stale[channel]...)
	t.mu.Unlock()
	for _, h := range hs {
		h([]byte(payload))
	}
}

func (t *fakeTransport) FailConnection() {
	t.reg.DispatchError(errors.New("connect_error"))
}

// fakeFetcher 快照拉取；gate 非空时阻塞直到 gate 关闭或 ctx 取消
type fakeFetcher struct {
	mu      sync.Mutex
	results map[vitals.SessionKey]string
	errs    map[vitals.SessionKey]error
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[vitals.SessionKey]string),
		errs:    make(map[vitals.SessionKey]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	payload, ok := f.results[key]
	if !ok {
		payload = "[]"
	}
	return vitals.DecodePayload([]byte(payload))
}

// recorder 记录 Listener 回调
type recorder struct {
	mu       sync.Mutex
	states   []State
	notFound []vitals.SessionKey
}

func (r *recorder) StateChanged(key vitals.SessionKey, state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recorder) SessionNotFound(key vitals.SessionKey) {
	r.mu.Lock()
	r.notFound = append(r.notFound, key)
	r.mu.Unlock()
}

func (r *recorder) NotFound() []vitals.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vitals.SessionKey(nil), r.notFound...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
