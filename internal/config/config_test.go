package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Provider.HTTPAddr)
	assert.Equal(t, 50, cfg.Provider.BufferSize)
	assert.Equal(t, "memory", cfg.Provider.Store)
	assert.Equal(t, time.Second, cfg.Provider.CSVInterval)
	assert.False(t, cfg.Provider.MQTTEnabled)
	assert.Equal(t, "direct", cfg.Provider.IngestMode)
	assert.Equal(t, "http://localhost:5000", cfg.Watch.BaseURL)
	assert.Equal(t, "ws", cfg.Watch.Transport)
	assert.Equal(t, "drop_record", cfg.Watch.Policy)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	t.Setenv("HTTP_ADDR", ":8088")
	t.Setenv("VITALS_BUFFER_SIZE", "20")
	t.Setenv("VITALS_STORE", "redis")
	t.Setenv("VITALS_CSV_INTERVAL", "250ms")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("VITALS_INGEST_MODE", "stream")
	t.Setenv("VITALS_TRANSPORT", "mqtt")
	t.Setenv("VITALS_SESSION", "abc123")
	t.Setenv("DB_HOST", "db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MQTT_QOS", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Provider.HTTPAddr)
	assert.Equal(t, 20, cfg.Provider.BufferSize)
	assert.Equal(t, "redis", cfg.Provider.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Provider.CSVInterval)
	assert.True(t, cfg.Provider.MQTTEnabled)
	assert.Equal(t, "stream", cfg.Provider.IngestMode)
	assert.Equal(t, "mqtt", cfg.Watch.Transport)
	assert.Equal(t, "abc123", cfg.Watch.Session)
	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "vitals.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[provider]
buffer_size = 100
csv_path = "/data/health_data.csv"
csv_interval = "2s"

[watch]
base_url = "https://vitals.example.com/api"
rows = 25

[redis]
addr = "cache:6379"
`), 0o644))
	t.Setenv("VITALS_CONFIG", path)
	t.Setenv("VITALS_WATCH_ROWS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Provider.BufferSize)
	assert.Equal(t, "/data/health_data.csv", cfg.Provider.CSVPath)
	assert.Equal(t, 2*time.Second, cfg.Provider.CSVInterval)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	// 环境变量优先于文件
	assert.Equal(t, 5, cfg.Watch.Rows)
	// 文件未设置的项保留默认值
	assert.Equal(t, ":5000", cfg.Provider.HTTPAddr)

	wsURL, err := cfg.Watch.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://vitals.example.com/api/ws", wsURL)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"VITALS_STORE":       "etcd",
		"VITALS_INGEST_MODE": "batch",
		"VITALS_TRANSPORT":   "sse",
		"VITALS_SESSION":     "TOOLONGKEY",
		"VITALS_BUFFER_SIZE": "-1",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			os.Clearenv()
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}

	os.Clearenv()
	t.Setenv("VITALS_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestWebSocketURL(t *testing.T) {
	w := WatchConfig{BaseURL: "http://localhost:5000/"}
	u, err := w.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:5000/ws", u)

	w.WSURL = "ws://other/socket"
	u, err = w.WebSocketURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://other/socket", u)
}
