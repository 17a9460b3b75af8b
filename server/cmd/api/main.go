package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/correlator"
	"github.com/navid-fn/sensorhub/internal/history"
	"github.com/navid-fn/sensorhub/internal/hub"
	"github.com/navid-fn/sensorhub/internal/ingest"
	"github.com/navid-fn/sensorhub/internal/logger"
	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/internal/mirror"
	"github.com/navid-fn/sensorhub/internal/mqttsub"
	"github.com/navid-fn/sensorhub/internal/retry"
	"github.com/navid-fn/sensorhub/internal/storage"
	"github.com/navid-fn/sensorhub/server/internal/handler"
	"github.com/navid-fn/sensorhub/server/internal/router"
)

func main() {
	cfg := configs.AppLoad()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPartitionedStore(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to open data directory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	engine := correlator.New(correlator.Config{
		Tolerance: cfg.Correlation.ToleranceMicros,
		MaxAge:    cfg.Correlation.MaxAgeMicros,
	}, store, log, m)

	live := hub.New(cfg.Live.SubscriberBuffer, originChecker(cfg.Live.AllowedOrigins), log, m)
	publishers := []ingest.Publisher{live}

	var wg sync.WaitGroup
	if cfg.Kafka.Broker != "" {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Broker),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  kafka.Zstd,
		}
		defer writer.Close()

		pub := mirror.NewPublisher(writer, log, mirror.DefaultQueueSize)
		publishers = append(publishers, pub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
		log.WithFields(logrus.Fields{"broker": cfg.Kafka.Broker, "topic": cfg.Kafka.Topic}).Info("Kafka mirror enabled")
	}

	ingestRouter := ingest.NewRouter(store, engine, log, m, publishers...)

	if cfg.MQTT.Broker != "" {
		sub, err := startMQTT(ctx, cfg.MQTT, ingestRouter, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to start MQTT subscriber")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Run(ctx)
		}()
	}

	if cfg.Correlation.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.RunSweeper(ctx, cfg.Correlation.SweepInterval, cfg.Correlation.WallMaxAge)
		}()
		log.WithField("max_age", cfg.Correlation.WallMaxAge).Info("Pending sweeper enabled")
	}

	engineRouter := router.NewRouter(&router.Config{
		SensorHandler:  handler.NewSensorHandler(ingestRouter),
		HistoryHandler: handler.NewHistoryHandler(history.NewReader(store, log)),
		LiveHandler:    handler.NewLiveHandler(live, engine),
		Metrics:        m,
		Logger:         log,
		RatePerDevice:  cfg.Ingest.RatePerDevice,
		Burst:          cfg.Ingest.Burst,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router.WithCORS(engineRouter, cfg.Live.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.ServerPort, "data_dir": store.Root()}).Info("Sensor server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	live.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	wg.Wait()

	log.Info("Server shutdown complete")
}

func startMQTT(ctx context.Context, cfg configs.MQTTConfig, r mqttsub.Ingester, log *logrus.Logger) (*mqttsub.Subscriber, error) {
	var sub *mqttsub.Subscriber
	opts := mqttsub.NewClientOptions(cfg.Broker, cfg.ClientID, func(mqtt.Client) {
		if err := sub.Subscribe(); err != nil {
			log.WithError(err).Error("MQTT subscribe failed")
		}
	})
	client := mqtt.NewClient(opts)
	sub = mqttsub.New(client, cfg.TopicPrefix, r, log)

	err := retry.New(retry.DefaultConfig("mqtt"), log).Do(ctx, func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return nil, err
	}
	log.WithField("broker", cfg.Broker).Info("MQTT subscriber connected")
	return sub, nil
}

// originChecker returns nil (allow all) when "*" is configured. Requests
// without an Origin header are not from browsers and are always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
