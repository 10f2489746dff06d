// vitals-watch 终端实时查看血氧读数
//
//	vitals-watch [SESSION]
//
// 运行中在标准输入输入新的会话 key 可切换会话，输入 - 回到默认流。
// 会话不存在时以退出码 2 结束。
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logpkg "oximeter-vitals/common/logger"
	rediscommon "oximeter-vitals/common/redis"
	"oximeter-vitals/internal/client"
	"oximeter-vitals/internal/config"
	"oximeter-vitals/internal/feed"
	"oximeter-vitals/internal/transport"
	"oximeter-vitals/internal/transport/mqttpush"
	"oximeter-vitals/internal/transport/redispush"
	"oximeter-vitals/internal/transport/ws"
	"oximeter-vitals/internal/vitals"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const exitSessionNotFound = 2

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if len(os.Args) > 1 {
		cfg.Watch.Session = os.Args[1]
	}
	key, err := vitals.ParseSessionKey(cfg.Watch.Session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid session key %q: %v\n", cfg.Watch.Session, err)
		return 1
	}

	log, err := logpkg.NewCLILogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	tr, closeTransport, err := dialTransport(cfg, log)
	if err != nil {
		log.Error("Failed to create transport", zap.String("transport", cfg.Watch.Transport), zap.Error(err))
		return 1
	}
	defer closeTransport()

	snapshots := client.NewSnapshotClient(client.Options{
		BaseURL: cfg.Watch.BaseURL,
		Timeout: cfg.Watch.Timeout,
		Retries: cfg.Watch.Retries,
	}, log)

	r := newRenderer(os.Stdout, cfg.Watch.Rows)
	f := feed.New(snapshots, tr, r, feed.Options{Policy: vitals.ParsePolicy(cfg.Watch.Policy)}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := f.Activate(ctx, key)
	if err != nil {
		log.Error("Failed to activate feed", zap.Error(err))
		return 1
	}
	defer func() {
		// 退出前停用当前订阅（切换会话后 h 已失效，以 Active 为准）
		if cur := f.Active(); cur != nil {
			cur.Deactivate()
		}
		h.Deactivate()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	keys := make(chan vitals.SessionKey)
	go readKeys(os.Stdin, keys, log)

	for {
		select {
		case <-sigChan:
			return 0
		case missing := <-r.notFound:
			fmt.Fprintf(os.Stderr, "session %s not found, choose another session\n", missing)
			return exitSessionNotFound
		case next := <-keys:
			if _, err := f.Activate(ctx, next); err != nil {
				log.Error("Failed to switch session", zap.String("session", next.String()), zap.Error(err))
			}
		}
	}
}

// readKeys 逐行读取会话 key；"-" 表示默认流，非法输入忽略
func readKeys(in io.Reader, out chan<- vitals.SessionKey, log *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "-" {
			line = ""
		}
		key, err := vitals.ParseSessionKey(line)
		if err != nil {
			log.Warn("Ignoring invalid session key", zap.String("input", line), zap.Error(err))
			continue
		}
		out <- key
	}
}

// dialTransport 按配置选择推送通道
func dialTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, func(), error) {
	switch cfg.Watch.Transport {
	case "mqtt":
		mcfg := cfg.MQTT
		mcfg.ClientID = fmt.Sprintf("%s-watch-%s", mcfg.ClientID, uuid.NewString()[:8])
		tr, err := mqttpush.Dial(&mcfg, cfg.Provider.MQTTPushPrefix, log)
		if err != nil {
			return nil, nil, err
		}
		return tr, func() { _ = tr.Close() }, nil

	case "redis":
		rc := rediscommon.NewRedisClient(&cfg.Redis)
		tr := redispush.New(rc, cfg.Provider.RedisPushPrefix, log)
		return tr, func() {
			_ = tr.Close()
			_ = rediscommon.Close(rc)
		}, nil

	default:
		wsURL, err := cfg.Watch.WebSocketURL()
		if err != nil {
			return nil, nil, err
		}
		tr := ws.Dial(ws.Options{URL: wsURL}, log)
		return tr, func() { _ = tr.Close() }, nil
	}
}
