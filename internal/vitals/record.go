// Package vitals 血氧仪数据模型：原始记录、格式化后的记录与缓冲区、会话 key 与推送频道命名。
package vitals

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// 原始记录中必须存在的字段
const (
	FieldTimestamp = "timestamp"
	FieldSpO2      = "spo2"
	FieldPulse     = "pulse"
)

// RawRecord 数据提供方下发的原始记录（CSV 来源时数值为字符串）
type RawRecord map[string]any

// Record 格式化后的单个采样
type Record struct {
	Timestamp float64 `json:"timestamp"` // 秒级 Unix 时间戳，可带小数
	SpO2      float64 `json:"spo2"`      // 血氧饱和度 %
	Pulse     float64 `json:"pulse"`     // 脉率 bpm
	Index     int     `json:"index"`     // 在输入序列中的位置（0 起）
}

// Time 将 Timestamp 转换为 time.Time
func (r Record) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Raw 转回原始记录形态（index 字段保留）
func (r Record) Raw() RawRecord {
	return RawRecord{
		FieldTimestamp: r.Timestamp,
		FieldSpO2:      r.SpO2,
		FieldPulse:     r.Pulse,
		"index":        r.Index,
	}
}

// Buffer 按到达顺序排列（最旧在前）的记录序列
type Buffer []Record

// Latest 最新一条记录
func (b Buffer) Latest() (Record, bool) {
	if len(b) == 0 {
		return Record{}, false
	}
	return b[len(b)-1], true
}

// Raw 转回原始记录序列
func (b Buffer) Raw() []RawRecord {
	out := make([]RawRecord, len(b))
	for i, r := range b {
		out[i] = r.Raw()
	}
	return out
}

// DecodePayload 解析快照响应或推送事件的 JSON 数组
// 数值以 json.Number 保留，交由 Format 统一转换
func DecodePayload(payload []byte) ([]RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw []RawRecord
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
