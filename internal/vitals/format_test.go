package vitals

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_StringFieldsCoerced(t *testing.T) {
	raw := []RawRecord{{"timestamp": "1", "spo2": "98", "pulse": "70"}}

	buf, issues, err := Format(raw, DropRecord)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, Buffer{{Timestamp: 1, SpO2: 98, Pulse: 70, Index: 0}}, buf)
}

func TestFormat_IndexIsInputPosition(t *testing.T) {
	raw := make([]RawRecord, 0, 20)
	for i := 0; i < 20; i++ {
		raw = append(raw, RawRecord{"timestamp": float64(1700000000 + i), "spo2": 95, "pulse": json.Number("72")})
	}

	buf, _, err := Format(raw, DropRecord)
	require.NoError(t, err)
	require.Len(t, buf, 20)
	for i := range buf {
		assert.Equal(t, i, buf[i].Index)
	}
}

func TestFormat_Idempotent(t *testing.T) {
	raw := []RawRecord{
		{"timestamp": "1700000000.25", "spo2": " 97 ", "pulse": "64"},
		{"timestamp": 1700000001.5, "spo2": 99, "pulse": 80},
	}
	first, _, err := Format(raw, RejectBuffer)
	require.NoError(t, err)

	// 经过一次 JSON 往返，与推送线路上的形态一致
	payload, err := json.Marshal(first)
	require.NoError(t, err)
	again, err := DecodePayload(payload)
	require.NoError(t, err)

	second, _, err := Format(again, RejectBuffer)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, _, err := Format(first.Raw(), RejectBuffer)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestFormat_DropRecordKeepsInputIndex(t *testing.T) {
	raw := []RawRecord{
		{"timestamp": "1", "spo2": "98", "pulse": "70"},
		{"timestamp": "2", "spo2": "n/a", "pulse": "71"},
		{"timestamp": "3", "spo2": "97"},
		{"timestamp": "4", "spo2": "96", "pulse": "72"},
	}

	buf, issues, err := Format(raw, DropRecord)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Index)
	assert.Equal(t, FieldSpO2, issues[0].Field)
	assert.Equal(t, 2, issues[1].Index)
	assert.Equal(t, FieldPulse, issues[1].Field)
	assert.True(t, errors.Is(issues[0], ErrMalformedRecord))

	require.Len(t, buf, 2)
	assert.Equal(t, 0, buf[0].Index)
	assert.Equal(t, 3, buf[1].Index)
}

func TestFormat_RejectBuffer(t *testing.T) {
	raw := []RawRecord{
		{"timestamp": "1", "spo2": "98", "pulse": "70"},
		{"timestamp": "2", "spo2": "NaN", "pulse": "71"},
	}

	buf, issues, err := Format(raw, RejectBuffer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedRecord))
	assert.Nil(t, buf)
	assert.Len(t, issues, 1)
}

func TestFormat_Empty(t *testing.T) {
	buf, issues, err := Format(nil, DropRecord)
	require.NoError(t, err)
	assert.Empty(t, buf)
	assert.Empty(t, issues)
}

func TestParseNumber(t *testing.T) {
	good := map[any]float64{
		"42":             42,
		" 3.5\n":         3.5,
		json.Number("7"): 7,
		int64(9):         9,
		float32(1.5):     1.5,
		uint8(255):       255,
	}
	for in, want := range good {
		got, err := ParseNumber(in)
		require.NoError(t, err, "%v", in)
		assert.Equal(t, want, got)
	}

	for _, in := range []any{"", "abc", "Inf", nil, true, []int{1}} {
		_, err := ParseNumber(in)
		assert.Error(t, err, "%v", in)
	}
}

func TestDecodePayload(t *testing.T) {
	raw, err := DecodePayload([]byte(`[{"timestamp":"1","spo2":98,"pulse":"70"}]`))
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, json.Number("98"), raw[0]["spo2"])

	_, err = DecodePayload([]byte(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestRecordTime(t *testing.T) {
	r := Record{Timestamp: 1700000000.5}
	assert.Equal(t, int64(1700000000), r.Time().Unix())
	assert.Equal(t, 500, r.Time().Nanosecond()/1e6)
}
