package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"oximeter-vitals/internal/vitals"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound 数据提供方不认识该会话 key（404）
	ErrSessionNotFound = errors.New("session not found")
	// ErrProviderUnreachable 网络错误或数据提供方返回 5xx 等非预期状态
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrBadPayload 响应体不是记录数组
	ErrBadPayload = errors.New("bad snapshot payload")
)

// Options 快照客户端参数
type Options struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// SnapshotClient 通过 REST 获取当前缓冲区快照
type SnapshotClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewSnapshotClient 创建快照客户端
func NewSnapshotClient(opts Options, logger *zap.Logger) *SnapshotClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		SetHeader("Accept", "application/json")

	return &SnapshotClient{httpClient: c, logger: logger}
}

// Fetch 获取快照：默认流请求 GET /data，会话流请求 GET /data/{key}
func (c *SnapshotClient) Fetch(ctx context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error) {
	req := c.httpClient.R().SetContext(ctx)

	path := "/data"
	if !key.IsDefault() {
		req.SetPathParam("key", key.String())
		path = "/data/{key}"
	}

	resp, err := req.Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("Snapshot request failed",
			zap.String("session", key.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, key.String())
	case resp.IsError():
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnreachable, resp.StatusCode())
	}

	raw, err := vitals.DecodePayload(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	c.logger.Debug("Snapshot fetched",
		zap.String("session", key.String()),
		zap.Int("records", len(raw)),
	)
	return raw, nil
}
