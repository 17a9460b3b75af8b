// Package mirror copies every ingested reading to a Kafka topic so the
// archive ingester can load it into ClickHouse.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueSize = 1024
	maxBatch         = 100
	writeTimeout     = 5 * time.Second
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher queues readings and writes them from Run. Publish never blocks;
// readings are dropped when the queue is full.
type Publisher struct {
	writer MessageWriter
	logger logrus.FieldLogger
	queue  chan model.Reading
}

func NewPublisher(writer MessageWriter, logger logrus.FieldLogger, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		writer: writer,
		logger: logger,
		queue:  make(chan model.Reading, queueSize),
	}
}

// Publish implements ingest.Publisher.
func (p *Publisher) Publish(r model.Reading) {
	select {
	case p.queue <- r:
	default:
		p.logger.WithFields(logrus.Fields{
			"stream":    r.Stream,
			"device_id": r.DeviceID,
		}).Warn("Mirror queue full, reading not mirrored")
	}
}

// Run drains the queue until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	batch := make([]kafka.Message, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.queue:
			batch = p.append(batch[:0], r)
		drain:
			for len(batch) < maxBatch {
				select {
				case r := <-p.queue:
					batch = p.append(batch, r)
				default:
					break drain
				}
			}
			p.send(ctx, batch)
		}
	}
}

func (p *Publisher) append(batch []kafka.Message, r model.Reading) []kafka.Message {
	msg, err := Encode(r)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to encode reading for mirror")
		return batch
	}
	return append(batch, msg)
}

func (p *Publisher) send(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, batch...); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).WithField("count", len(batch)).Error("Kafka write failed")
	}
}

// Encode builds the Kafka message of a reading, keyed by device id.
func Encode(r model.Reading) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize failed: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.DeviceID),
		Value: value,
		Time:  r.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "stream", Value: []byte(r.Stream)},
		},
	}, nil
}

// Decode parses a mirrored reading and checks its stream.
func Decode(value []byte) (model.Reading, error) {
	var r model.Reading
	if err := json.Unmarshal(value, &r); err != nil {
		return model.Reading{}, fmt.Errorf("deserialize failed: %w", err)
	}
	if !r.Stream.Valid() {
		return model.Reading{}, fmt.Errorf("unknown stream %q", r.Stream)
	}
	return r, nil
}
