// oximeter-sim 模拟血氧仪：按固定间隔生成读数，写入 CSV 文件或发布到 MQTT
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"oximeter-vitals/common/config"
	logpkg "oximeter-vitals/common/logger"
	mqttcommon "oximeter-vitals/common/mqtt"
	"oximeter-vitals/internal/oximeter"
	"oximeter-vitals/internal/vitals"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	mode := flag.String("mode", "csv", "output: csv | mqtt")
	path := flag.String("csv", "data/health_data.csv", "csv file (mode=csv)")
	interval := flag.Duration("interval", time.Second, "reading interval")
	session := flag.String("session", "", "session key (mode=mqtt), empty for the default feed")
	frames := flag.Bool("frames", false, "publish raw device frames instead of json (mode=mqtt)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logpkg.NewCLILogger(*level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var emit func(oximeter.Reading) error
	switch *mode {
	case "csv":
		emit, err = csvEmitter(*path)
	case "mqtt":
		emit, err = mqttEmitter(*session, *frames, log)
	default:
		err = fmt.Errorf("unsupported mode: %s", *mode)
	}
	if err != nil {
		log.Fatal("Failed to start simulator", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	log.Info("Simulator started", zap.String("mode", *mode), zap.Duration("interval", *interval))
	for {
		select {
		case <-sigChan:
			log.Info("Simulator stopped")
			return
		case now := <-ticker.C:
			r := randomReading(now)
			if err := emit(r); err != nil {
				log.Warn("Failed to emit reading", zap.Error(err))
				continue
			}
			log.Debug("Emitted reading", zap.Float64("spo2", r.SpO2), zap.Float64("pulse", r.Pulse))
		}
	}
}

// randomReading SpO2 90..100，脉率 60..100
func randomReading(now time.Time) oximeter.Reading {
	return oximeter.Reading{
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		SpO2:      float64(90 + rand.Intn(11)),
		Pulse:     float64(60 + rand.Intn(41)),
	}
}

// csvEmitter 重写文件表头，之后每条读数追加一行
func csvEmitter(path string) (func(oximeter.Reading) error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{vitals.FieldTimestamp, vitals.FieldSpO2, vitals.FieldPulse}); err != nil {
		return nil, err
	}
	w.Flush()

	return func(r oximeter.Reading) error {
		if err := w.Write([]string{
			strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
			strconv.FormatFloat(r.SpO2, 'f', -1, 64),
			strconv.FormatFloat(r.Pulse, 'f', -1, 64),
		}); err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	}, nil
}

func mqttEmitter(session string, frames bool, log *zap.Logger) (func(oximeter.Reading) error, error) {
	key, err := vitals.ParseSessionKey(session)
	if err != nil {
		return nil, err
	}
	segment := "default"
	if !key.IsDefault() {
		segment = key.String()
	}
	topic := fmt.Sprintf("oximeter/%s/data", segment)

	cfg := config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "oximeter-sim", QoS: 1}
	cfg.LoadFromEnv("MQTT")
	cfg.ClientID = cfg.ClientID + "-" + uuid.NewString()[:8]

	client, err := mqttcommon.NewClient(&cfg, log, mqttcommon.Hooks{})
	if err != nil {
		return nil, err
	}

	log.Info("Publishing readings", zap.String("topic", topic), zap.Bool("frames", frames))
	return func(r oximeter.Reading) error {
		var payload []byte
		if frames {
			payload = oximeter.EncodeFrame(oximeter.Sample{SpO2: int(r.SpO2), Pulse: int(r.Pulse)})
		} else {
			b, err := json.Marshal(r)
			if err != nil {
				return err
			}
			payload = b
		}
		return client.Publish(topic, cfg.QoS, false, payload)
	}, nil
}
