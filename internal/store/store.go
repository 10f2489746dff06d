// Package store 各会话最近 N 条读数的缓冲区
package store

import (
	"context"
	"errors"

	"oximeter-vitals/internal/vitals"
)

// DefaultCapacity 每个会话保留的读数条数
const DefaultCapacity = 50

var ErrSessionNotFound = errors.New("session not found")

// BufferStore 会话缓冲区存储；默认会话（空 key）始终存在
type BufferStore interface {
	// Append 追加一条读数（必要时登记会话）并返回追加后的缓冲区，最旧的在前
	Append(ctx context.Context, key vitals.SessionKey, rec vitals.RawRecord) ([]vitals.RawRecord, error)
	// Snapshot 当前缓冲区；未知会话返回 ErrSessionNotFound
	Snapshot(ctx context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error)
	// CreateSession 登记会话，缓冲区为空
	CreateSession(ctx context.Context, key vitals.SessionKey) error
	// Sessions 已登记的会话（不含默认会话）
	Sessions(ctx context.Context) ([]vitals.SessionKey, error)
}
