// Package correlator pairs current and temperature readings whose device
// timestamps fall within a tolerance window.
//
// Each stream has a pending set of readings still waiting for a partner.
// On every submission the engine inserts the reading into its own set,
// takes the first entry of the other set within tolerance (first fit in
// insertion order, not closest fit), writes the combined record and drops
// both. It then evicts from both sets every entry more than MaxAge older
// than the submitted reading's device timestamp. The whole sequence runs
// under one lock.
//
// Eviction is driven by device timestamps, so a stalled stream leaves the
// other stream's entries in place until something new arrives. RunSweeper
// adds an optional wall-clock sweep for that case.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTolerance is the widest device timestamp gap (µs) of a match.
	DefaultTolerance int64 = 1_000_000

	// DefaultMaxAge is how far (µs) a pending entry may trail the newest reading.
	DefaultMaxAge int64 = 10_000_000
)

// Config holds the matching windows, in device microseconds.
// Non-positive values fall back to the defaults.
type Config struct {
	Tolerance int64
	MaxAge    int64
}

// Sink receives combined records. storage.PartitionedStore implements it.
type Sink interface {
	AppendCombined(date string, rec model.CombinedRecord) error
}

// CorrelationError reports a failure while matching or evicting. The raw
// reading has already been stored when this is returned.
type CorrelationError struct {
	Stream          model.StreamType
	DeviceTimestamp int64
	Err             error
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("correlator: %s reading at %d: %v", e.Stream, e.DeviceTimestamp, e.Err)
}

func (e *CorrelationError) Unwrap() error { return e.Err }

// Outcome describes what one submission did.
type Outcome struct {
	Matched bool
	Record  model.CombinedRecord
	Evicted int
}

// Engine owns the pending sets. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	sink    Sink
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[model.StreamType]*pendingSet
}

// New creates an engine that writes combined records to sink. m may be nil.
func New(cfg Config, sink Sink, logger logrus.FieldLogger, m *metrics.Metrics) *Engine {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	e := &Engine{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	e.pending = e.emptySets()
	return e
}

func (e *Engine) emptySets() map[model.StreamType]*pendingSet {
	sets := make(map[model.StreamType]*pendingSet, len(model.Streams))
	for _, s := range model.Streams {
		sets[s] = newPendingSet()
	}
	return sets
}

// Submit runs one reading through insert, match and eviction. A failed
// combined write returns a CorrelationError. Both readings stay pending only
// when the sink reports that nothing was written; otherwise the pair is dropped.
func (e *Engine) Submit(r model.Reading) (out Outcome, err error) {
	if !r.Stream.Valid() {
		return Outcome{}, &CorrelationError{Stream: r.Stream, DeviceTimestamp: r.DeviceTimestamp, Err: fmt.Errorf("unknown stream")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			err = &CorrelationError{Stream: r.Stream, DeviceTimestamp: r.DeviceTimestamp, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	own, other := e.pending[r.Stream], e.pending[r.Stream.Other()]
	own.put(r)

	if el := other.firstWithin(r.DeviceTimestamp, e.cfg.Tolerance); el != nil {
		partner := el.Value.(entry).reading
		rec := model.Combine(r, partner)
		if werr := e.sink.AppendCombined(r.Date(), rec); werr != nil {
			err = &CorrelationError{Stream: r.Stream, DeviceTimestamp: r.DeviceTimestamp, Err: werr}
			if !nothingWritten(werr) {
				// the row may be on disk, so neither reading can be paired again
				other.removeElement(el)
				own.remove(r.DeviceTimestamp)
			}
		} else {
			other.removeElement(el)
			own.remove(r.DeviceTimestamp)
			out.Matched = true
			out.Record = rec
			e.metrics.CombinedWritten()
			e.logger.WithFields(logrus.Fields{
				"current_device":     rec.Current.DeviceID,
				"temperature_device": rec.Temperature.DeviceID,
				"current_ts":         rec.Current.DeviceTimestamp,
				"temperature_ts":     rec.Temperature.DeviceTimestamp,
			}).Debug("Readings matched")
		}
	}

	for _, s := range model.Streams {
		n := e.pending[s].evictOlderThan(r.DeviceTimestamp, e.cfg.MaxAge)
		out.Evicted += n
		e.metrics.PendingEvicted(string(s), n)
	}
	e.updateGauges()
	return out, err
}

// SweepReceivedBefore evicts every pending entry received before cutoff
// and returns how many were removed.
func (e *Engine) SweepReceivedBefore(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, s := range model.Streams {
		n := e.pending[s].evictReceivedBefore(cutoff)
		total += n
		e.metrics.PendingEvicted(string(s), n)
	}
	e.updateGauges()
	return total
}

// RunSweeper evicts entries older than maxAge by server receive time every
// interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.SweepReceivedBefore(e.now().Add(-maxAge)); n > 0 {
				e.logger.WithField("evicted", n).Info("Swept stale pending readings")
			}
		}
	}
}

// nothingWritten reports whether a failed combined write left the output
// untouched. Errors that cannot tell are treated as partial writes.
func nothingWritten(err error) bool {
	var w interface{ NothingWritten() bool }
	return errors.As(err, &w) && w.NothingWritten()
}

// Pending returns the number of pending readings per stream.
func (e *Engine) Pending() map[model.StreamType]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[model.StreamType]int, len(e.pending))
	for s, set := range e.pending {
		counts[s] = set.len()
	}
	return counts
}

// Reset drops all pending readings.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.emptySets()
	e.updateGauges()
}

func (e *Engine) updateGauges() {
	for s, set := range e.pending {
		e.metrics.SetPending(string(s), set.len())
	}
}
