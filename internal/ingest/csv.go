package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"oximeter-vitals/internal/vitals"

	"go.uber.org/zap"
)

// CSVWatcher 定时读取 CSV 文件（表头 timestamp,spo2,pulse），把新增行写入默认会话
type CSVWatcher struct {
	path     string
	interval time.Duration
	sink     Sink
	logger   *zap.Logger

	seen int
}

// NewCSVWatcher 创建 CSV 监听器；interval 默认 1s
func NewCSVWatcher(path string, interval time.Duration, sink Sink, logger *zap.Logger) *CSVWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &CSVWatcher{
		path:     path,
		interval: interval,
		sink:     sink,
		logger:   logger,
	}
}

// Start 阻塞运行直到 ctx 结束；启动时文件中已有的行也会被读入
func (w *CSVWatcher) Start(ctx context.Context) error {
	w.logger.Info("CSV watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	missingLogged := false
	for {
		err := w.poll(ctx)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if !missingLogged {
				w.logger.Warn("CSV file not found", zap.String("path", w.path))
				missingLogged = true
			}
		case err != nil:
			w.logger.Error("Failed to read CSV file", zap.String("path", w.path), zap.Error(err))
		default:
			missingLogged = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll 读一遍文件，只处理上次之后新增的行；行数变少说明文件被重写，从头开始
func (w *CSVWatcher) poll(ctx context.Context) error {
	rows, err := readRows(w.path)
	if err != nil {
		return err
	}

	if len(rows) < w.seen {
		w.logger.Info("CSV file truncated, starting over", zap.String("path", w.path))
		w.seen = 0
	}

	for _, row := range rows[w.seen:] {
		if err := w.sink.Ingest(ctx, "", row); err != nil {
			w.logger.Warn("Failed to ingest CSV row", zap.Any("row", row), zap.Error(err))
		}
	}
	w.seen = len(rows)
	return nil
}

// readRows 按表头把每行转成原始记录，值保留为字符串；末尾未写完的行留到下一轮
func readRows(path string) ([]vitals.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []vitals.RawRecord
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make(vitals.RawRecord, len(header))
		for i, name := range header {
			if i < len(fields) {
				row[name] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
