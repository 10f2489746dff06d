package vitals

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedRecord 原始记录缺少字段或字段无法转换为有限数值
var ErrMalformedRecord = errors.New("malformed vitals record")

// Policy 遇到格式错误记录时的处理策略
type Policy int

const (
	// DropRecord 丢弃出错的记录，其余记录照常输出（Index 仍为输入位置）
	DropRecord Policy = iota
	// RejectBuffer 任意记录出错则整个缓冲区作废
	RejectBuffer
)

// ParsePolicy 解析配置值，未知值回退到 DropRecord
func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), "reject_buffer") {
		return RejectBuffer
	}
	return DropRecord
}

func (p Policy) String() string {
	if p == RejectBuffer {
		return "reject_buffer"
	}
	return "drop_record"
}

// RecordError 单条记录的格式错误
type RecordError struct {
	Index int
	Field string
	Value any
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d field %q (%v): %v", e.Index, e.Field, e.Value, e.Err)
}

func (e *RecordError) Unwrap() error { return ErrMalformedRecord }

// Format 将原始记录序列格式化为 Buffer
// 返回的 issues 列出所有被判定为格式错误的记录；仅在 RejectBuffer 策略且存在错误时返回 error
func Format(raw []RawRecord, policy Policy) (Buffer, []*RecordError, error) {
	out := make(Buffer, 0, len(raw))
	var issues []*RecordError

	for i, r := range raw {
		rec, issue := formatOne(i, r)
		if issue != nil {
			issues = append(issues, issue)
			continue
		}
		out = append(out, rec)
	}

	if len(issues) > 0 && policy == RejectBuffer {
		return nil, issues, fmt.Errorf("%w: %d of %d records rejected", ErrMalformedRecord, len(issues), len(raw))
	}
	return out, issues, nil
}

func formatOne(index int, r RawRecord) (Record, *RecordError) {
	rec := Record{Index: index}
	fields := []struct {
		name string
		dst  *float64
	}{
		{FieldTimestamp, &rec.Timestamp},
		{FieldSpO2, &rec.SpO2},
		{FieldPulse, &rec.Pulse},
	}
	for _, f := range fields {
		v, ok := r[f.name]
		if !ok {
			return Record{}, &RecordError{Index: index, Field: f.name, Err: errors.New("missing field")}
		}
		n, err := ParseNumber(v)
		if err != nil {
			return Record{}, &RecordError{Index: index, Field: f.name, Value: v, Err: err}
		}
		*f.dst = n
	}
	return rec, nil
}

// ParseNumber 数值转换：支持 JSON 数字、Go 数值类型和数字字符串；拒绝 NaN/Inf
func ParseNumber(v any) (float64, error) {
	var n float64
	switch val := v.(type) {
	case float64:
		n = val
	case float32:
		n = float64(val)
	case int:
		n = float64(val)
	case int64:
		n = float64(val)
	case int32:
		n = float64(val)
	case uint8:
		n = float64(val)
	case json.Number:
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil {
			return 0, err
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, err
		}
		n = f
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errors.New("not a finite number")
	}
	return n, nil
}
