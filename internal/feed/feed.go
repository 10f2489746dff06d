// Package feed 实时体征数据流：一次快照拉取 + 频道推送更新，向展示层输出最新缓冲区、
// 连接错误标记以及会话不存在信号。
//
// 生命周期：Activate 返回 Handle，调用方负责在所有退出路径上调用 Handle.Deactivate。
// 同一个 Feed 同时最多只有一个活跃订阅；以新的会话 key 再次 Activate 会先离开旧会话。
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"oximeter-vitals/internal/client"
	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/vitals"

	"go.uber.org/zap"
)

// SnapshotFetcher 快照拉取（client.SnapshotClient 实现）
type SnapshotFetcher interface {
	Fetch(ctx context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error)
}

// Listener 展示层回调，均在 Feed 内部锁之外调用
// StateChanged 按状态替换顺序串行调用，回调内不要调用 Activate
type Listener interface {
	// StateChanged 每次 State 被整体替换后调用
	StateChanged(key vitals.SessionKey, state State)
	// SessionNotFound 快照请求返回会话不存在；展示层应返回会话选择而不是显示错误
	SessionNotFound(key vitals.SessionKey)
}

// State 展示层看到的状态，每次更新整体替换
type State struct {
	Buffer          vitals.Buffer
	ConnectionError bool
}

// Options Feed 参数
type Options struct {
	Policy       vitals.Policy // 格式错误记录的处理策略
	LeaveTimeout time.Duration // Deactivate 发送 leave 的超时
}

// Feed 实时体征数据流
type Feed struct {
	snapshots SnapshotFetcher
	transport transport.Transport
	listener  Listener
	opts      Options
	logger    *zap.Logger

	notifyMu   sync.Mutex
	mu         sync.Mutex
	generation uint64
	active     *Handle
	state      State
}

// New 创建 Feed；transport 由调用方持有和关闭
func New(snapshots SnapshotFetcher, tr transport.Transport, listener Listener, opts Options, logger *zap.Logger) *Feed {
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = 5 * time.Second
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &Feed{
		snapshots: snapshots,
		transport: tr,
		listener:  listener,
		opts:      opts,
		logger:    logger,
	}
}

// State 当前状态
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Active 当前活跃订阅，无则返回 nil
func (f *Feed) Active() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Activate 开始订阅：注册频道监听和连接错误监听，会话模式下发送 join，并发起一次快照拉取
// 已有活跃订阅时先将其停用（先 leave 再 join）；不可并发调用
func (f *Feed) Activate(ctx context.Context, key vitals.SessionKey) (*Handle, error) {
	key, err := vitals.ParseSessionKey(string(key))
	if err != nil {
		return nil, err
	}

	if prev := f.Active(); prev != nil {
		prev.Deactivate()
	}

	f.mu.Lock()
	f.generation++
	gen := f.generation
	f.state = State{}
	f.mu.Unlock()

	fetchCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		feed:    f,
		gen:     gen,
		key:     key,
		channel: key.Channel(),
		cancel:  cancel,
		ready:   make(chan struct{}),
	}

	h.errSub = f.transport.OnConnectError(func(err error) {
		f.markConnectionError(gen, key, err)
	})

	sub, err := f.transport.Subscribe(h.channel, func(payload []byte) {
		f.applyPayload(gen, key, payload)
	})
	if err != nil {
		h.errSub.Unsubscribe()
		cancel()
		return nil, err
	}
	h.channelSub = sub

	if !key.IsDefault() {
		if err := f.transport.Join(ctx, key.String()); err != nil {
			// join 失败按连接错误处理，订阅保留以便传输层重连后继续接收
			f.logger.Warn("Failed to send join",
				zap.String("session", key.String()),
				zap.Error(err),
			)
			f.markConnectionError(gen, key, err)
		}
	}

	f.mu.Lock()
	f.active = h
	f.mu.Unlock()

	f.logger.Info("Feed activated",
		zap.String("session", key.String()),
		zap.String("channel", h.channel),
	)

	go f.fetchSnapshot(fetchCtx, h)
	return h, nil
}

func (f *Feed) fetchSnapshot(ctx context.Context, h *Handle) {
	defer close(h.ready)

	raw, err := f.snapshots.Fetch(ctx, h.key)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, client.ErrSessionNotFound) && !h.key.IsDefault():
			f.logger.Info("Session not found",
				zap.String("session", h.key.String()),
			)
			if f.isCurrent(h.gen) {
				f.listener.SessionNotFound(h.key)
			}
		default:
			f.markConnectionError(h.gen, h.key, err)
		}
		return
	}

	f.applyRaw(h.gen, h.key, raw, "snapshot")
}

func (f *Feed) applyPayload(gen uint64, key vitals.SessionKey, payload []byte) {
	raw, err := vitals.DecodePayload(payload)
	if err != nil {
		f.logger.Warn("Discarding undecodable push payload",
			zap.String("session", key.String()),
			zap.Error(err),
		)
		return
	}
	f.applyRaw(gen, key, raw, "push")
}

func (f *Feed) applyRaw(gen uint64, key vitals.SessionKey, raw []vitals.RawRecord, source string) {
	buf, issues, err := vitals.Format(raw, f.opts.Policy)
	for _, issue := range issues {
		f.logger.Warn("Malformed vitals record",
			zap.String("session", key.String()),
			zap.String("source", source),
			zap.Int("index", issue.Index),
			zap.String("field", issue.Field),
			zap.Error(issue.Err),
		)
	}
	if err != nil {
		f.logger.Warn("Rejected vitals buffer",
			zap.String("session", key.String()),
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}

	f.update(gen, key, State{Buffer: buf})
}

func (f *Feed) markConnectionError(gen uint64, key vitals.SessionKey, cause error) {
	f.logger.Warn("Provider unreachable",
		zap.String("session", key.String()),
		zap.Error(cause),
	)
	// 保留最后一次的缓冲区，只置位错误标记
	f.mutate(gen, key, func(prev State) State {
		return State{Buffer: prev.Buffer, ConnectionError: true}
	})
}

// update 以新值整体替换 State
func (f *Feed) update(gen uint64, key vitals.SessionKey, next State) {
	f.mutate(gen, key, func(State) State { return next })
}

// mutate 在锁内计算并替换 State；过期代次的事件直接丢弃
// notifyMu 保证监听者收到的顺序与 State 的替换顺序一致
func (f *Feed) mutate(gen uint64, key vitals.SessionKey, fn func(prev State) State) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	if gen != f.generation {
		f.mu.Unlock()
		return
	}
	next := fn(f.state)
	f.state = next
	f.mu.Unlock()

	f.listener.StateChanged(key, next)
}

func (f *Feed) isCurrent(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gen == f.generation
}

// retire 使 gen 代次失效；只在 gen 仍为当前代次时生效
func (f *Feed) retire(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h.gen == f.generation {
		f.generation++
	}
	if f.active == h {
		f.active = nil
	}
}

type nopListener struct{}

func (nopListener) StateChanged(vitals.SessionKey, State) {}
func (nopListener) SessionNotFound(vitals.SessionKey)     {}
