// Package ingest is the single entry point for device readings.
//
// Every accepted reading is driven through the same fixed order: append the
// raw row, submit to the correlator, then hand it to each publisher. Only
// the raw append can fail the call. Correlation and publishing are best
// effort and their failures are logged.
package ingest

import (
	"fmt"
	"time"

	"github.com/navid-fn/sensorhub/internal/correlator"
	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/sirupsen/logrus"
)

// Store appends raw readings to durable storage.
type Store interface {
	AppendReading(r model.Reading) error
}

// Correlator pairs readings across streams.
type Correlator interface {
	Submit(r model.Reading) (correlator.Outcome, error)
}

// Publisher receives every stored reading. Publish must not block.
type Publisher interface {
	Publish(r model.Reading)
}

// Receipt echoes what was stored.
type Receipt struct {
	Stream          model.StreamType `json:"sensorType"`
	DeviceID        string           `json:"deviceId"`
	DeviceTimestamp int64            `json:"deviceTimestamp"`
	ReceivedAt      time.Time        `json:"receivedAt"`
	Matched         bool             `json:"matched"`
}

type Router struct {
	store      Store
	correlator Correlator
	publishers []Publisher
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewRouter wires the pipeline. m may be nil.
func NewRouter(store Store, corr Correlator, logger logrus.FieldLogger, m *metrics.Metrics, publishers ...Publisher) *Router {
	return &Router{
		store:      store,
		correlator: corr,
		publishers: publishers,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Ingest validates the payload, stamps the server receive time and runs
// the reading through the pipeline. Any returned error is an *Error.
func (r *Router) Ingest(stream model.StreamType, p model.DevicePayload) (Receipt, error) {
	ts, ok := p.DeviceTime()
	if !stream.Valid() {
		return Receipt{}, r.fail("validation", stream, p.DeviceID, ts,
			&ValidationError{Field: "stream", Err: fmt.Errorf("%w: %q", ErrMissingStream, stream)})
	}
	if !ok {
		return Receipt{}, r.fail("validation", stream, p.DeviceID, 0,
			&ValidationError{Field: "timestamp", Err: ErrMissingTimestamp})
	}

	reading := p.ToReading(stream, r.now().UTC())
	log := r.logger.WithFields(logrus.Fields{
		"stream":    reading.Stream,
		"device_id": reading.DeviceID,
		"device_ts": reading.DeviceTimestamp,
	})

	if err := r.store.AppendReading(reading); err != nil {
		log.WithError(err).Error("Failed to store reading")
		return Receipt{}, r.fail("persistence", stream, reading.DeviceID, reading.DeviceTimestamp, err)
	}
	r.metrics.ReadingIngested(string(reading.Stream))

	receipt := Receipt{
		Stream:          reading.Stream,
		DeviceID:        reading.DeviceID,
		DeviceTimestamp: reading.DeviceTimestamp,
		ReceivedAt:      reading.ReceivedAt,
	}

	out, err := r.correlate(reading)
	if err != nil {
		log.WithError(err).Error("Correlation failed")
	}
	receipt.Matched = out.Matched

	for _, pub := range r.publishers {
		r.publish(pub, reading, log)
	}

	return receipt, nil
}

func (r *Router) fail(reason string, stream model.StreamType, deviceID string, ts int64, err error) error {
	r.metrics.IngestFailed(reason)
	return &Error{Stream: stream, DeviceID: deviceID, DeviceTimestamp: ts, Err: err}
}

func (r *Router) correlate(reading model.Reading) (out correlator.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &correlator.CorrelationError{Stream: reading.Stream, DeviceTimestamp: reading.DeviceTimestamp, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.correlator.Submit(reading)
}

func (r *Router) publish(pub Publisher, reading model.Reading, log logrus.FieldLogger) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Warn("Publisher failed")
		}
	}()
	pub.Publish(reading)
}
