// Package service vitals-provider 服务：组装缓冲区、归档、推送、采集和 HTTP 接口
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"

	commoncfg "oximeter-vitals/common/config"
	"oximeter-vitals/common/database"
	mqttcommon "oximeter-vitals/common/mqtt"
	rediscommon "oximeter-vitals/common/redis"
	"oximeter-vitals/internal/config"
	httpapi "oximeter-vitals/internal/http"
	"oximeter-vitals/internal/hub"
	"oximeter-vitals/internal/ingest"
	"oximeter-vitals/internal/repository"
	"oximeter-vitals/internal/store"
	"oximeter-vitals/internal/transport/mqttpush"
	"oximeter-vitals/internal/transport/redispush"
	"oximeter-vitals/internal/vitals"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProviderService 数据提供方服务
type ProviderService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	mqttPush    *mqttpush.Transport
	redisPush   *redispush.Publisher

	store    store.BufferStore
	hub      *hub.Hub
	watchers *Watchers
	pipeline *ingest.Pipeline
	server   *Server

	csvWatcher     *ingest.CSVWatcher
	mqttConsumer   *ingest.MQTTConsumer
	streamConsumer *ingest.StreamConsumer
}

// NewProviderService 按配置创建各组件；可选组件连接失败时直接返回错误
func NewProviderService(cfg *config.Config, logger *zap.Logger) (*ProviderService, error) {
	s := &ProviderService{
		config:   cfg,
		logger:   logger,
		watchers: NewWatchers(logger),
	}
	ctx := context.Background()
	p := cfg.Provider

	needRedis := p.Store == "redis" || p.RedisPushEnabled || (p.MQTTEnabled && p.IngestMode == "stream")
	if needRedis {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if p.Store == "redis" {
		s.store = store.NewRedisStore(s.redisClient, p.BufferSize)
	} else {
		s.store = store.NewMemoryStore(p.BufferSize)
	}

	var archive ingest.Archive
	var history httpapi.History
	if p.ArchiveEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		repo := repository.NewReadingRepository(db, p.ArchiveTable, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			s.closeClients()
			return nil, err
		}
		archive, history = repo, repo
	}

	s.hub = hub.New(s.greet, s.watchers, logger)
	publishers := []ingest.Publisher{s.hub}

	if p.RedisPushEnabled {
		s.redisPush = redispush.NewPublisher(s.redisClient, p.RedisPushPrefix, logger)
		publishers = append(publishers, s.redisPush)
	}

	if p.MQTTEnabled {
		push, err := mqttpush.Dial(withClientSuffix(cfg.MQTT, "push"), p.MQTTPushPrefix, logger)
		if err != nil {
			s.closeClients()
			return nil, err
		}
		s.mqttPush = push
		publishers = append(publishers, push)

		client, err := mqttcommon.NewClient(withClientSuffix(cfg.MQTT, "ingest"), logger, mqttcommon.Hooks{})
		if err != nil {
			s.closeClients()
			return nil, err
		}
		s.mqttClient = client
	}

	s.pipeline = ingest.NewPipeline(s.store, archive, publishers, logger)

	if p.CSVPath != "" {
		s.csvWatcher = ingest.NewCSVWatcher(p.CSVPath, p.CSVInterval, s.pipeline, logger)
	}
	if s.mqttClient != nil {
		var streamClient *redis.Client
		if p.IngestMode == "stream" {
			streamClient = s.redisClient
			s.streamConsumer = ingest.NewStreamConsumer(ingest.StreamConsumerConfig{
				Stream:        p.Stream,
				ConsumerGroup: p.ConsumerGroup,
				ConsumerName:  p.ConsumerName,
				BatchSize:     10,
			}, s.redisClient, s.pipeline, logger)
		}
		s.mqttConsumer = ingest.NewMQTTConsumer(s.mqttClient, streamClient, p.DeviceTopic, p.Stream, s.pipeline, logger)
	}

	handler := httpapi.NewVitalsHandler(s.store, history, s, logger)
	s.server = NewServer(p.HTTPAddr, httpapi.NewRouter(handler, s.hub, logger), logger)

	return s, nil
}

// Pipeline 读数入口（模拟器和测试直接写入）
func (s *ProviderService) Pipeline() *ingest.Pipeline {
	return s.pipeline
}

// Connections 当前 WebSocket 连接数
func (s *ProviderService) Connections() int {
	return s.hub.Connections()
}

// Watchers 会话当前的观看者数量
func (s *ProviderService) Watchers(session vitals.SessionKey) int {
	return s.watchers.Count(session)
}

// Start 启动服务，阻塞到 ctx 结束或任一组件出错
func (s *ProviderService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Provider.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Provider.HTTPAddr, err)
	}
	return s.Run(ctx, ln)
}

// Run 在给定 listener 上运行
func (s *ProviderService) Run(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting vitals-provider service",
		zap.String("store", s.config.Provider.Store),
		zap.Bool("csv", s.csvWatcher != nil),
		zap.Bool("mqtt", s.mqttClient != nil),
		zap.Bool("redis_push", s.redisPush != nil),
		zap.Bool("archive", s.db != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.server.Serve(ln) })

	if s.csvWatcher != nil {
		g.Go(func() error { return s.csvWatcher.Start(ctx) })
	}
	if s.streamConsumer != nil {
		g.Go(func() error { return s.streamConsumer.Start(ctx) })
	}
	if s.mqttConsumer != nil {
		g.Go(func() error { return s.mqttConsumer.Start(ctx) })
	}
	if s.mqttPush != nil {
		if err := s.mqttPush.ListenControl(s.watchers.Control); err != nil {
			s.logger.Warn("Failed to listen MQTT control topics", zap.Error(err))
		}
	}
	if s.redisPush != nil {
		g.Go(func() error { return s.redisPush.ListenControl(ctx, s.watchers.Control) })
	}

	// ctx 结束后关闭 HTTP 服务，使 Serve 返回
	g.Go(func() error {
		<-ctx.Done()
		return s.server.Stop(context.Background())
	})

	return g.Wait()
}

// Stop 释放连接
func (s *ProviderService) Stop(ctx context.Context) error {
	if err := s.server.Stop(ctx); err != nil {
		s.logger.Warn("Failed to stop HTTP server", zap.Error(err))
	}
	s.hub.Close()
	if s.mqttConsumer != nil {
		_ = s.mqttConsumer.Stop(ctx)
	}
	s.closeClients()
	s.logger.Info("vitals-provider service stopped")
	return nil
}

func (s *ProviderService) closeClients() {
	if s.mqttPush != nil {
		_ = s.mqttPush.Close()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		_ = rediscommon.Close(s.redisClient)
	}
	if s.db != nil {
		_ = database.Close(s.db)
	}
}

// greet 新 WebSocket 连接建立时下发默认缓冲区
func (s *ProviderService) greet(ctx context.Context) (string, []byte, error) {
	buf, err := s.store.Snapshot(ctx, "")
	if err != nil {
		return "", nil, err
	}
	if buf == nil {
		buf = []vitals.RawRecord{}
	}
	payload, err := json.Marshal(buf)
	if err != nil {
		return "", nil, err
	}
	return vitals.DefaultChannel, payload, nil
}

// withClientSuffix 同一服务的多个 MQTT 连接需要不同的 client id
func withClientSuffix(cfg commoncfg.MQTTConfig, role string) *commoncfg.MQTTConfig {
	cfg.ClientID = fmt.Sprintf("%s-%s-%s", cfg.ClientID, role, uuid.NewString()[:8])
	return &cfg
}
