package storage

import (
	"context"
	"math"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ArchiveStorage persists readings mirrored off the ingestion path for
// long-term analytics. Implementations must be safe for concurrent use.
type ArchiveStorage interface {
	// InsertReadings inserts a batch of readings into the archive.
	InsertReadings(ctx context.Context, readings []model.Reading) error

	// Close releases database connection resources.
	Close() error
}

// clickhouseStorage implements ArchiveStorage using the native ClickHouse driver.
type clickhouseStorage struct {
	conn driver.Conn
}

// NewClickHouseStorage parses the DSN, opens a connection and verifies it
// with a ping. Returns an error if the server is not reachable within 5 seconds.
func NewClickHouseStorage(dsn string) (ArchiveStorage, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	return &clickhouseStorage{conn: conn}, nil
}

// InsertReadings writes readings with one batch insert. Missing values are
// stored as NULL rather than the file sentinel.
func (s *clickhouseStorage) InsertReadings(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO sensor_reading (
			stream, device_id, device_ts, device_time,
			sensor1, sensor2, sensor3, dev_temp, dev_humi,
			received_at, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range readings {
		err := batch.Append(
			string(r.Stream),
			r.DeviceID,
			r.DeviceTimestamp,
			r.DeviceTime(),
			nullable(r.Channels[0]),
			nullable(r.Channels[1]),
			nullable(r.Channels[2]),
			nullable(r.DevTemp),
			nullable(r.DevHumi),
			r.ReceivedAt,
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// Close closes the ClickHouse connection.
func (s *clickhouseStorage) Close() error {
	return s.conn.Close()
}

func nullable(v float64) *float64 {
	if v == model.Missing || math.IsNaN(v) {
		return nil
	}
	return &v
}
