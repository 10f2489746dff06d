package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"oximeter-vitals/internal/export"
	"oximeter-vitals/internal/store"
	"oximeter-vitals/internal/vitals"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// History 归档读数查询（repository.ReadingRepository 实现）
type History interface {
	Recent(ctx context.Context, key vitals.SessionKey, limit int) (vitals.Buffer, error)
}

// Stats 推送连接统计（hub.Hub 实现）
type Stats interface {
	Connections() int
	Watchers(session vitals.SessionKey) int
}

// Health GET / 响应
type Health struct {
	Status      string `json:"status"`
	BufferSize  int    `json:"buffer_size"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

// SessionInfo 会话信息
type SessionInfo struct {
	Session  string `json:"session"`
	Channel  string `json:"channel"`
	Watchers int    `json:"watchers"`
}

// VitalsHandler 数据提供方的 HTTP 接口
type VitalsHandler struct {
	store   store.BufferStore
	history History
	stats   Stats
	logger  *zap.Logger
	now     func() time.Time
}

// NewVitalsHandler 创建处理器；history、stats 可为 nil
func NewVitalsHandler(s store.BufferStore, history History, stats Stats, logger *zap.Logger) *VitalsHandler {
	return &VitalsHandler{
		store:   s,
		history: history,
		stats:   stats,
		logger:  logger,
		now:     time.Now,
	}
}

// Health 健康检查
func (h *VitalsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := Health{Status: "ok"}

	buf, err := h.store.Snapshot(r.Context(), "")
	if err != nil {
		h.logger.Warn("Health check failed to read buffer", zap.Error(err))
		resp.Status = "degraded"
	}
	resp.BufferSize = len(buf)

	sessions, err := h.store.Sessions(r.Context())
	if err != nil {
		resp.Status = "degraded"
	}
	resp.Sessions = len(sessions)

	if h.stats != nil {
		resp.Connections = h.stats.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetData 返回会话缓冲区（原始记录数组）；未知会话 404
func (h *VitalsHandler) GetData(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	buf, ok := h.snapshot(w, r, key)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, buf)
}

// ExportData 以 Excel 导出会话缓冲区
func (h *VitalsHandler) ExportData(w http.ResponseWriter, r *http.Request) {
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	raw, ok := h.snapshot(w, r, key)
	if !ok {
		return
	}

	buf, issues, _ := vitals.Format(raw, vitals.DropRecord)
	if len(issues) > 0 {
		h.logger.Warn("Export skipped malformed readings",
			zap.String("session", key.String()),
			zap.Int("count", len(issues)),
		)
	}

	data, err := export.GenerateReadingsExcel(key, buf)
	if err != nil {
		h.logger.Error("Failed to generate export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", export.Filename(key, h.now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetHistory 归档中的最近读数（已格式化）
func (h *VitalsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	key, ok := h.sessionKey(w, r)
	if !ok {
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), store.DefaultCapacity)
	if limit <= 0 || limit > 10000 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	buf, err := h.history.Recent(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("Failed to query history", zap.String("session", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if buf == nil {
		buf = vitals.Buffer{}
	}
	writeJSON(w, http.StatusOK, buf)
}

// CreateSession 生成新的会话 key
func (h *VitalsHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var key vitals.SessionKey
	var err error
	// 极少数情况下与已有会话重复，重试几次
	for i := 0; i < 5; i++ {
		key, err = vitals.NewSessionKey()
		if err != nil {
			break
		}
		if _, serr := h.store.Snapshot(r.Context(), key); errors.Is(serr, store.ErrSessionNotFound) {
			break
		}
	}
	if err != nil {
		h.logger.Error("Failed to generate session key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if err := h.store.CreateSession(r.Context(), key); err != nil {
		h.logger.Error("Failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.logger.Info("Session created", zap.String("session", key.String()))
	writeJSON(w, http.StatusCreated, h.sessionInfo(key))
}

// ListSessions 已登记的会话
func (h *VitalsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.Sessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]SessionInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, h.sessionInfo(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *VitalsHandler) sessionInfo(key vitals.SessionKey) SessionInfo {
	info := SessionInfo{Session: key.String(), Channel: key.Channel()}
	if h.stats != nil {
		info.Watchers = h.stats.Watchers(key)
	}
	return info
}

// sessionKey 路径中的 {key}，缺省为默认会话
func (h *VitalsHandler) sessionKey(w http.ResponseWriter, r *http.Request) (vitals.SessionKey, bool) {
	key, err := vitals.ParseSessionKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return key, true
}

func (h *VitalsHandler) snapshot(w http.ResponseWriter, r *http.Request, key vitals.SessionKey) ([]vitals.RawRecord, bool) {
	buf, err := h.store.Snapshot(r.Context(), key)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to read buffer", zap.String("session", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read buffer")
		return nil, false
	}
	if buf == nil {
		buf = []vitals.RawRecord{}
	}
	return buf, true
}
