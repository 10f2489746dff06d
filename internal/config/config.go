// Package config 服务与命令行工具的配置
//
// 加载顺序：内置默认值 -> VITALS_CONFIG 指向的 TOML 文件 -> 环境变量。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "oximeter-vitals/common/config"
	"oximeter-vitals/internal/vitals"

	"github.com/BurntSushi/toml"
)

// Config 配置
type Config struct {
	Provider ProviderConfig           `toml:"provider"`
	Watch    WatchConfig              `toml:"watch"`
	Database commoncfg.DatabaseConfig `toml:"database"`
	Redis    commoncfg.RedisConfig    `toml:"redis"`
	MQTT     commoncfg.MQTTConfig     `toml:"mqtt"`
	Log      LogConfig                `toml:"log"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ProviderConfig vitals-provider 配置
type ProviderConfig struct {
	HTTPAddr   string `toml:"http_addr"`
	BufferSize int    `toml:"buffer_size"` // 每个会话保留的读数条数
	Store      string `toml:"store"`       // memory | redis

	CSVPath     string        `toml:"csv_path"` // 为空则不监听 CSV
	CSVInterval time.Duration `toml:"csv_interval"`

	MQTTEnabled    bool   `toml:"mqtt_enabled"` // 设备上报订阅 + MQTT 推送
	DeviceTopic    string `toml:"device_topic"`
	IngestMode     string `toml:"ingest_mode"` // stream | direct
	Stream         string `toml:"stream"`
	ConsumerGroup  string `toml:"consumer_group"`
	ConsumerName   string `toml:"consumer_name"`
	MQTTPushPrefix string `toml:"mqtt_push_prefix"`

	RedisPushEnabled bool   `toml:"redis_push_enabled"`
	RedisPushPrefix  string `toml:"redis_push_prefix"`

	ArchiveEnabled bool   `toml:"archive_enabled"`
	ArchiveTable   string `toml:"archive_table"`
}

// WatchConfig vitals-watch 配置
type WatchConfig struct {
	BaseURL   string        `toml:"base_url"`
	Transport string        `toml:"transport"` // ws | mqtt | redis
	WSURL     string        `toml:"ws_url"`    // 为空时由 BaseURL 推导
	Session   string        `toml:"session"`
	Policy    string        `toml:"malformed_policy"`
	Timeout   time.Duration `toml:"timeout"`
	Retries   int           `toml:"retries"`
	Rows      int           `toml:"rows"`
}

// Default 内置默认值
func Default() *Config {
	cfg := &Config{}

	cfg.Provider.HTTPAddr = ":5000"
	cfg.Provider.BufferSize = 50
	cfg.Provider.Store = "memory"
	cfg.Provider.CSVInterval = time.Second
	cfg.Provider.DeviceTopic = "oximeter/+/data"
	cfg.Provider.IngestMode = "direct"
	cfg.Provider.Stream = "vitals:readings:stream"
	cfg.Provider.ConsumerGroup = "vitals-provider"
	cfg.Provider.ConsumerName = "vitals-provider-1"
	cfg.Provider.MQTTPushPrefix = "oximeter-vitals"
	cfg.Provider.RedisPushPrefix = "vitals:push"
	cfg.Provider.ArchiveTable = "oximeter_readings"

	cfg.Watch.BaseURL = "http://localhost:5000"
	cfg.Watch.Transport = "ws"
	cfg.Watch.Policy = vitals.DropRecord.String()
	cfg.Watch.Timeout = 5 * time.Second
	cfg.Watch.Retries = 2
	cfg.Watch.Rows = 10

	cfg.Database = commoncfg.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "vitals",
		SSLMode:  "disable",
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "oximeter-vitals"
	cfg.MQTT.QoS = 1

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("VITALS_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	p := &cfg.Provider
	p.HTTPAddr = getEnv("HTTP_ADDR", p.HTTPAddr)
	p.BufferSize = parseInt(getEnv("VITALS_BUFFER_SIZE", ""), p.BufferSize)
	p.Store = getEnv("VITALS_STORE", p.Store)
	p.CSVPath = getEnv("VITALS_CSV_PATH", p.CSVPath)
	p.CSVInterval = parseDuration(getEnv("VITALS_CSV_INTERVAL", ""), p.CSVInterval)
	p.MQTTEnabled = parseBool(getEnv("MQTT_ENABLED", ""), p.MQTTEnabled)
	p.DeviceTopic = getEnv("VITALS_DEVICE_TOPIC", p.DeviceTopic)
	p.IngestMode = getEnv("VITALS_INGEST_MODE", p.IngestMode)
	p.Stream = getEnv("VITALS_STREAM", p.Stream)
	p.ConsumerGroup = getEnv("VITALS_CONSUMER_GROUP", p.ConsumerGroup)
	p.ConsumerName = getEnv("VITALS_CONSUMER_NAME", p.ConsumerName)
	p.MQTTPushPrefix = getEnv("VITALS_MQTT_PUSH_PREFIX", p.MQTTPushPrefix)
	p.RedisPushEnabled = parseBool(getEnv("VITALS_REDIS_PUSH_ENABLED", ""), p.RedisPushEnabled)
	p.RedisPushPrefix = getEnv("VITALS_REDIS_PUSH_PREFIX", p.RedisPushPrefix)
	p.ArchiveEnabled = parseBool(getEnv("DB_ENABLED", ""), p.ArchiveEnabled)
	p.ArchiveTable = getEnv("VITALS_ARCHIVE_TABLE", p.ArchiveTable)

	w := &cfg.Watch
	w.BaseURL = getEnv("VITALS_BASE_URL", w.BaseURL)
	w.Transport = getEnv("VITALS_TRANSPORT", w.Transport)
	w.WSURL = getEnv("VITALS_WS_URL", w.WSURL)
	w.Session = getEnv("VITALS_SESSION", w.Session)
	w.Policy = getEnv("VITALS_MALFORMED_POLICY", w.Policy)
	w.Timeout = parseDuration(getEnv("VITALS_HTTP_TIMEOUT", ""), w.Timeout)
	w.Retries = parseInt(getEnv("VITALS_HTTP_RETRIES", ""), w.Retries)
	w.Rows = parseInt(getEnv("VITALS_WATCH_ROWS", ""), w.Rows)

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验枚举值和取值范围
func (c *Config) Validate() error {
	if c.Provider.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.Provider.BufferSize)
	}
	switch c.Provider.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported store: %s", c.Provider.Store)
	}
	switch c.Provider.IngestMode {
	case "stream", "direct":
	default:
		return fmt.Errorf("unsupported ingest mode: %s", c.Provider.IngestMode)
	}
	switch c.Watch.Transport {
	case "ws", "mqtt", "redis":
	default:
		return fmt.Errorf("unsupported transport: %s", c.Watch.Transport)
	}
	if _, err := url.Parse(c.Watch.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if _, err := vitals.ParseSessionKey(c.Watch.Session); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// WebSocketURL 推送连接地址；未显式配置时把 BaseURL 的 http(s) 换成 ws(s) 并加上 /ws
func (w *WatchConfig) WebSocketURL() (string, error) {
	if w.WSURL != "" {
		return w.WSURL, nil
	}
	u, err := url.Parse(w.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
