package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/ingester"
	"github.com/navid-fn/sensorhub/internal/logger"
	"github.com/navid-fn/sensorhub/internal/retry"
	"github.com/navid-fn/sensorhub/internal/storage"
)

func main() {
	appConfig := configs.AppLoad()
	log := logger.New(appConfig.LogLevel)

	if appConfig.Kafka.Broker == "" {
		log.Fatal("KAFKA_BROKER is required for the archive ingester")
	}

	// Run with Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive storage.ArchiveStorage
	err := retry.New(retry.DefaultConfig("clickhouse"), log).Do(ctx, func() error {
		var err error
		archive, err = storage.NewClickHouseStorage(appConfig.ArchiveDSN)
		return err
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer archive.Close()

	kafkaReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{appConfig.Kafka.Broker},
		Topic:          appConfig.Kafka.Topic,
		GroupID:        appConfig.Kafka.GroupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // commits are made by the ingester after each insert
	})
	defer kafkaReader.Close()

	svc := ingester.NewIngester(
		kafkaReader,
		archive,
		log,
		ingester.Config{
			BatchSize:    appConfig.Ingester.BatchSize,
			BatchTimeout: time.Duration(appConfig.Ingester.BatchTimeoutSeconds) * time.Second,
		},
	)

	log.WithField("topic", appConfig.Kafka.Topic).Info("Ingester started successfully")

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("Ingester stopped with error")
		os.Exit(1)
	}

	log.Info("Ingester shutdown complete")
}
