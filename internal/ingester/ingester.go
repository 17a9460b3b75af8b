// Package ingester consumes mirrored readings from Kafka and persists them
// to the ClickHouse archive. It handles batching, retry logic, and graceful shutdown.
package ingester

import (
	"context"
	"errors"
	"time"

	"github.com/navid-fn/sensorhub/internal/mirror"
	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Reader is satisfied by *kafka.Reader with manual commits.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ArchiveStorage is the write side of storage.ArchiveStorage.
type ArchiveStorage interface {
	InsertReadings(ctx context.Context, readings []model.Reading) error
}

// Config holds ingester configuration parameters.
type Config struct {
	// BatchSize is the maximum number of readings to accumulate before flushing to DB.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if batch isn't full.
	BatchTimeout time.Duration

	// RetryDelay is the pause between failed inserts. Defaults to 2s.
	RetryDelay time.Duration
}

// Ingester writes readings to ClickHouse in batches. It implements
// at-least-once delivery: offsets are only committed after a successful insert.
type Ingester struct {
	reader  Reader
	storage ArchiveStorage
	logger  logrus.FieldLogger
	cfg     Config
}

// NewIngester receives the tools it needs, it doesn't create them.
func NewIngester(reader Reader, storage ArchiveStorage, logger logrus.FieldLogger, cfg Config) *Ingester {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Ingester{
		reader:  reader,
		storage: storage,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start runs the main ingestion loop. It blocks until context is cancelled.
// On shutdown, it attempts to flush any remaining buffered readings.
//
// The loop:
//  1. Fetches messages from Kafka
//  2. Decodes them into readings
//  3. Accumulates readings until batch is full or timeout
//  4. Inserts batch to ClickHouse (with retry on failure)
//  5. Commits Kafka offsets only after successful DB insert
func (ig *Ingester) Start(ctx context.Context) error {
	ig.logger.WithField("batch_size", ig.cfg.BatchSize).Info("Starting ingester loop")

	batch := make([]model.Reading, 0, ig.cfg.BatchSize)
	msgs := make([]kafka.Message, 0, ig.cfg.BatchSize)

	ticker := time.NewTicker(ig.cfg.BatchTimeout)
	defer ticker.Stop()

	// flush writes accumulated readings to DB and commits Kafka offsets.
	// On shutdown it gets a short grace context so the last batch can land.
	flush := func(ctx context.Context) error {
		if len(msgs) == 0 {
			return nil
		}

		// never drop data, keep retrying until DB accepts it
		for len(batch) > 0 {
			err := ig.storage.InsertReadings(ctx, batch)
			if err == nil {
				break
			}
			ig.logger.WithError(err).WithField("count", len(batch)).Error("DB insert failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ig.cfg.RetryDelay):
			}
		}

		if err := ig.reader.CommitMessages(ctx, msgs...); err != nil {
			ig.logger.WithError(err).Warn("Failed to commit offsets")
		}

		ig.logger.WithField("count", len(batch)).Debug("Flushed readings")
		batch = batch[:0]
		msgs = msgs[:0]
		ticker.Reset(ig.cfg.BatchTimeout)
		return nil
	}

	shutdown := func() error {
		graceCtx, cancel := context.WithTimeout(context.Background(), ig.cfg.BatchTimeout)
		defer cancel()
		return flush(graceCtx)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()

		case <-ticker.C:
			if err := flush(ctx); err != nil {
				return err
			}

		default:
			// short fetch timeout keeps the loop responsive to ticker and shutdown
			fetchCtx, cancel := context.WithTimeout(ctx, ig.cfg.BatchTimeout)
			m, err := ig.reader.FetchMessage(fetchCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					return shutdown()
				}
				ig.logger.WithError(err).Error("Kafka fetch error")
				select {
				case <-ctx.Done():
					return shutdown()
				case <-time.After(time.Second):
				}
				continue
			}

			// undecodable messages are still committed with the batch
			msgs = append(msgs, m)
			reading, err := mirror.Decode(m.Value)
			if err != nil {
				ig.logger.WithError(err).WithField("offset", m.Offset).Warn("Skipping malformed reading")
			} else {
				batch = append(batch, reading)
			}

			if len(msgs) >= ig.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}
