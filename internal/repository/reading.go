package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"oximeter-vitals/internal/vitals"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultTable 读数归档表
const DefaultTable = "oximeter_readings"

// ReadingRepository 读数归档仓库
type ReadingRepository struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewReadingRepository 创建读数归档仓库
func NewReadingRepository(db *sql.DB, table string, logger *zap.Logger) *ReadingRepository {
	if table == "" {
		table = DefaultTable
	}
	return &ReadingRepository{
		db:     db,
		table:  pq.QuoteIdentifier(table),
		logger: logger,
	}
}

// EnsureSchema 建表（已存在则跳过）
func (r *ReadingRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL,
			spo2        DOUBLE PRECISION NOT NULL,
			pulse       DOUBLE PRECISION NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, r.table)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.table, err)
	}
	return nil
}

// Insert 归档一条已格式化的读数，默认会话的 session_key 为空串
func (r *ReadingRepository) Insert(ctx context.Context, key vitals.SessionKey, rec vitals.Record) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_key, recorded_at, spo2, pulse)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, r.table)

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		key.String(),
		rec.Time().UTC(),
		rec.SpO2,
		rec.Pulse,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reading: %w", err)
	}
	return id, nil
}

// Recent 最近 limit 条读数，最旧的在前
func (r *ReadingRepository) Recent(ctx context.Context, key vitals.SessionKey, limit int) (vitals.Buffer, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT recorded_at, spo2, pulse
		FROM %s
		WHERE session_key = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, r.table)

	rows, err := r.db.QueryContext(ctx, query, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out vitals.Buffer
	for rows.Next() {
		var (
			at  time.Time
			rec vitals.Record
		)
		if err := rows.Scan(&at, &rec.SpO2, &rec.Pulse); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rec.Timestamp = float64(at.UnixNano()) / float64(time.Second)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 倒序查询，翻转为时间正序并重新编号
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}
