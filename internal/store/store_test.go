package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"oximeter-vitals/internal/vitals"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(i int) vitals.RawRecord {
	return vitals.RawRecord{
		vitals.FieldTimestamp: fmt.Sprintf("%d", 1700000000+i),
		vitals.FieldSpO2:      "97",
		vitals.FieldPulse:     "72",
	}
}

// exerciseStore 两种实现共用的行为检查
func exerciseStore(t *testing.T, s BufferStore) {
	ctx := context.Background()

	buf, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, buf)

	_, err = s.Snapshot(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.CreateSession(ctx, "ABC123"))
	buf, err = s.Snapshot(ctx, "ABC123")
	require.NoError(t, err)
	assert.Empty(t, buf)

	for i := 0; i < 5; i++ {
		buf, err = s.Append(ctx, "ABC123", reading(i))
		require.NoError(t, err)
	}
	require.Len(t, buf, 3)
	assert.Equal(t, "1700000002", fmt.Sprint(buf[0][vitals.FieldTimestamp]))
	assert.Equal(t, "1700000004", fmt.Sprint(buf[2][vitals.FieldTimestamp]))

	// 追加到未登记的会话时自动登记
	_, err = s.Append(ctx, "ZZZ9", reading(0))
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []vitals.SessionKey{"ABC123", "ZZZ9"}, sessions)

	def, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, def)

	// 缓冲区格式化后字段均为有限数值
	formatted, issues, err := vitals.Format(buf, vitals.DropRecord)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, 97.0, formatted[0].SpO2)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(3))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedisStore(client, 3))

	n, err := client.LLen(context.Background(), "vitals:buffer:ABC123").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRedisStore_NumericReadingsSurviveRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, 0)
	buf, err := s.Append(context.Background(), "", vitals.RawRecord{
		vitals.FieldTimestamp: 1700000000.5,
		vitals.FieldSpO2:      98,
		vitals.FieldPulse:     61,
	})
	require.NoError(t, err)
	require.Len(t, buf, 1)
	assert.Equal(t, json.Number("1700000000.5"), buf[0][vitals.FieldTimestamp])
}

func TestMemoryStore_SnapshotIsCopy(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	_, err := s.Append(ctx, "", reading(1))
	require.NoError(t, err)

	buf, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	buf[0] = reading(9)

	again, err := s.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1700000001", again[0][vitals.FieldTimestamp])
}
