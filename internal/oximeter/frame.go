// Package oximeter 指夹式血氧仪（BLT_M70C）读数解析
package oximeter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oximeter-vitals/internal/vitals"
)

// FrameLen 通知帧最少字节数
const FrameLen = 19

var (
	ErrShortFrame   = errors.New("frame too short")
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrNoSignal 手指未放入时设备发送的占位帧
	ErrNoSignal = errors.New("no finger signal")
)

// Sample 一帧解出的数值
type Sample struct {
	SpO2  int
	Pulse int
}

// DecodeFrame 解析 BLE 通知帧
// 字节 18 为 0xFF 时帧有效；15..17 为 FF 7F FF 表示无信号；SpO2 在字节 16，脉率在字节 17
func DecodeFrame(frame []byte) (Sample, error) {
	if len(frame) < FrameLen {
		return Sample{}, ErrShortFrame
	}
	if frame[18] != 0xFF {
		return Sample{}, ErrInvalidFrame
	}
	if frame[15] == 0xFF && frame[16] == 0x7F && frame[17] == 0xFF {
		return Sample{}, ErrNoSignal
	}
	return Sample{SpO2: int(frame[16]), Pulse: int(frame[17])}, nil
}

// Reading 带时间戳的一条读数
type Reading struct {
	Timestamp float64 `json:"timestamp"`
	SpO2      float64 `json:"spo2"`
	Pulse     float64 `json:"pulse"`
}

// Raw 转为推送/快照使用的原始记录
func (r Reading) Raw() vitals.RawRecord {
	return vitals.RawRecord{
		vitals.FieldTimestamp: r.Timestamp,
		vitals.FieldSpO2:      r.SpO2,
		vitals.FieldPulse:     r.Pulse,
	}
}

// ParsePayload 解析设备上报：JSON 对象（timestamp 可省略）或原始 BLE 帧
func ParsePayload(payload []byte, now time.Time) (Reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSON(trimmed, now)
	}

	s, err := DecodeFrame(payload)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Timestamp: float64(now.Unix()),
		SpO2:      float64(s.SpO2),
		Pulse:     float64(s.Pulse),
	}, nil
}

func parseJSON(payload []byte, now time.Time) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw vitals.RawRecord
	if err := dec.Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("invalid reading json: %w", err)
	}

	r := Reading{Timestamp: float64(now.Unix())}
	if v, ok := raw[vitals.FieldTimestamp]; ok {
		ts, err := vitals.ParseNumber(v)
		if err != nil {
			return Reading{}, fmt.Errorf("timestamp: %w", err)
		}
		r.Timestamp = ts
	}

	var err error
	if r.SpO2, err = vitals.ParseNumber(raw[vitals.FieldSpO2]); err != nil {
		return Reading{}, fmt.Errorf("spo2: %w", err)
	}
	if r.Pulse, err = vitals.ParseNumber(raw[vitals.FieldPulse]); err != nil {
		return Reading{}, fmt.Errorf("pulse: %w", err)
	}
	return r, nil
}

// EncodeFrame 生成一帧能被 DecodeFrame 解析的通知帧（模拟器使用）
func EncodeFrame(s Sample) []byte {
	frame := make([]byte, FrameLen)
	frame[16] = byte(s.SpO2)
	frame[17] = byte(s.Pulse)
	frame[18] = 0xFF
	return frame
}
