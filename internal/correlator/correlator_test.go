package correlator

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/navid-fn/sensorhub/internal/metrics"
	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type memorySink struct {
	mu      sync.Mutex
	records []model.CombinedRecord
	dates   []string
	err     error
	partial error
	panics  bool
}

// emptyWriteError is a failure that left nothing in the output.
type emptyWriteError struct{ error }

func (emptyWriteError) NothingWritten() bool { return true }

func (s *memorySink) AppendCombined(date string, rec model.CombinedRecord) error {
	if s.panics {
		panic("disk on fire")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	s.dates = append(s.dates, date)
	if s.partial != nil {
		err := s.partial
		s.partial = nil
		return err
	}
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(cfg Config) (*Engine, *memorySink) {
	sink := &memorySink{}
	return New(cfg, sink, quietLogger(), metrics.New(prometheus.NewRegistry())), sink
}

var received = time.Date(2025, 9, 6, 12, 0, 0, 0, time.UTC)

func current(device string, ts int64, ch ...float64) model.Reading {
	r := model.Reading{
		Stream:          model.StreamCurrent,
		DeviceID:        device,
		DeviceTimestamp: ts,
		DevTemp:         model.Missing,
		DevHumi:         model.Missing,
		ReceivedAt:      received,
	}
	copy(r.Channels[:], ch)
	return r
}

func temperature(device string, ts int64, ch ...float64) model.Reading {
	r := current(device, ts, ch...)
	r.Stream = model.StreamTemperature
	return r
}

func submit(t *testing.T, e *Engine, r model.Reading) Outcome {
	t.Helper()
	out, err := e.Submit(r)
	if err != nil {
		t.Fatalf("Submit(%s@%d) failed: %v", r.Stream, r.DeviceTimestamp, err)
	}
	return out
}

func assertPending(t *testing.T, e *Engine, cur, temp int) {
	t.Helper()
	p := e.Pending()
	if p[model.StreamCurrent] != cur || p[model.StreamTemperature] != temp {
		t.Errorf("Expected pending current=%d temperature=%d, got %v", cur, temp, p)
	}
}

func TestMatchWithinTolerance(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, current("AA", 1_000_000, 1, 2, 3))

	tr := temperature("BB", 1_500_000, 10, 20, 30)
	tr.DevTemp, tr.DevHumi = 25, 50
	out := submit(t, e, tr)

	if !out.Matched {
		t.Fatal("Expected a match")
	}
	if sink.count() != 1 {
		t.Fatalf("Expected 1 combined record, got %d", sink.count())
	}
	rec := sink.records[0]
	if rec.Current.DeviceID != "AA" || rec.Temperature.DeviceID != "BB" {
		t.Errorf("Unexpected device ids %q/%q", rec.Current.DeviceID, rec.Temperature.DeviceID)
	}
	if rec.Current.Channels != [3]float64{1, 2, 3} || rec.Temperature.Channels != [3]float64{10, 20, 30} {
		t.Errorf("Unexpected channels %v/%v", rec.Current.Channels, rec.Temperature.Channels)
	}
	if rec.Temperature.DevTemp != 25 || rec.Temperature.DevHumi != 50 {
		t.Errorf("Unexpected env values %v/%v", rec.Temperature.DevTemp, rec.Temperature.DevHumi)
	}
	if sink.dates[0] != "2025-09-06" {
		t.Errorf("Expected date 2025-09-06, got %s", sink.dates[0])
	}
	assertPending(t, e, 0, 0)
}

func TestToleranceBoundary(t *testing.T) {
	tests := []struct {
		name    string
		gap     int64
		matched bool
	}{
		{"identical", 0, true},
		{"at tolerance", 1_000_000, true},
		{"just over", 1_000_001, false},
		{"far apart", 5_000_000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sink := newTestEngine(Config{})

			submit(t, e, temperature("T", 2_000_000+tt.gap))
			out := submit(t, e, current("C", 2_000_000))

			if out.Matched != tt.matched {
				t.Errorf("Expected matched=%v, got %v", tt.matched, out.Matched)
			}
			if tt.matched {
				assertPending(t, e, 0, 0)
				if sink.count() != 1 {
					t.Errorf("Expected 1 record, got %d", sink.count())
				}
			} else {
				assertPending(t, e, 1, 1)
				if sink.count() != 0 {
					t.Errorf("Expected 0 records, got %d", sink.count())
				}
			}
		})
	}
}

func TestSameStreamNeverMatches(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, current("A", 0))
	submit(t, e, current("B", 10))

	if sink.count() != 0 {
		t.Errorf("Expected no records, got %d", sink.count())
	}
	assertPending(t, e, 2, 0)
}

func TestFirstFitNotClosest(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, temperature("far", 900_000))
	submit(t, e, temperature("near", 100_000))
	out := submit(t, e, current("C", 0))

	if !out.Matched {
		t.Fatal("Expected a match")
	}
	if got := sink.records[0].Temperature.DeviceID; got != "far" {
		t.Errorf("Expected first inserted entry 'far' to match, got %q", got)
	}
	if keys := e.pending[model.StreamTemperature].keys(); len(keys) != 1 || keys[0] != 100_000 {
		t.Errorf("Expected 'near' to stay pending, got keys %v", keys)
	}
}

func TestOverwriteKeepsPosition(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, temperature("first", 900_000))
	submit(t, e, temperature("other", 100_000))
	submit(t, e, temperature("second", 900_000))

	assertPending(t, e, 0, 2)

	submit(t, e, current("C", 0))
	if got := sink.records[0].Temperature.DeviceID; got != "second" {
		t.Errorf("Expected overwritten entry 'second' to match, got %q", got)
	}
}

func TestOutOfOrderArrival(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, temperature("T", 5_000_000))
	out := submit(t, e, current("C", 4_200_000))

	if !out.Matched || sink.count() != 1 {
		t.Fatal("Expected the earlier-timestamped reading to match on arrival")
	}
	if sink.records[0].Current.DeviceID != "C" {
		t.Errorf("Expected current side 'C', got %q", sink.records[0].Current.DeviceID)
	}
}

func TestEvictionByEventClock(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, current("old", 0))

	// exactly MaxAge behind is still kept
	out := submit(t, e, temperature("T1", 10_000_000))
	if out.Evicted != 0 {
		t.Errorf("Expected no eviction at exactly max age, got %d", out.Evicted)
	}
	assertPending(t, e, 1, 1)

	out = submit(t, e, temperature("T2", 10_000_001))
	if out.Evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", out.Evicted)
	}
	assertPending(t, e, 0, 2)

	// a partner for the evicted reading no longer produces a record
	out = submit(t, e, temperature("late", 0))
	if out.Matched || sink.count() != 0 {
		t.Errorf("Evicted reading must never be combined, got %d records", sink.count())
	}
}

func TestEvictionSweepsBothStreams(t *testing.T) {
	e, _ := newTestEngine(Config{})

	submit(t, e, current("c", 0))
	submit(t, e, temperature("t", 3_000_000))
	submit(t, e, current("c2", 6_000_000))
	assertPending(t, e, 2, 1)

	out := submit(t, e, current("c3", 20_000_000))
	if out.Evicted != 3 {
		t.Errorf("Expected 3 evictions, got %d", out.Evicted)
	}
	assertPending(t, e, 1, 0)
}

func TestExtremeTimestamps(t *testing.T) {
	e, sink := newTestEngine(Config{})

	submit(t, e, temperature("min", math.MinInt64))
	out := submit(t, e, current("max", math.MaxInt64))

	if out.Matched || sink.count() != 0 {
		t.Error("Expected no match across the full int64 range")
	}
	if out.Evicted != 1 {
		t.Errorf("Expected the minimum timestamp to be evicted, got %d", out.Evicted)
	}
	assertPending(t, e, 1, 0)

	submit(t, e, temperature("near-max", math.MaxInt64-500_000))
	if sink.count() != 1 {
		t.Errorf("Expected a match near the maximum timestamp, got %d records", sink.count())
	}
}

func TestSinkFailureKeepsBothPending(t *testing.T) {
	e, sink := newTestEngine(Config{})
	sink.err = emptyWriteError{errors.New("disk full")}

	submit(t, e, current("C", 0))
	out, err := e.Submit(temperature("T", 10))

	var cerr *CorrelationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CorrelationError, got %v", err)
	}
	if !errors.Is(err, sink.err) {
		t.Errorf("Expected error to wrap the sink error, got %v", err)
	}
	if out.Matched {
		t.Error("Expected no match to be reported")
	}
	assertPending(t, e, 1, 1)

	sink.err = nil
	submit(t, e, temperature("T2", 20))
	if sink.count() != 1 {
		t.Errorf("Expected the pending current reading to match once the sink recovers, got %d", sink.count())
	}
}

func TestPartialSinkWriteConsumesPair(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"sync failure", errors.New("sync: input/output error")},
		{"unknown failure", fmt.Errorf("append: %w", errors.New("short write"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, sink := newTestEngine(Config{})
			sink.partial = tt.err

			submit(t, e, current("C1", 1_000_000))
			if _, err := e.Submit(temperature("T1", 1_100_000)); !errors.Is(err, tt.err) {
				t.Fatalf("Expected the sink error, got %v", err)
			}
			assertPending(t, e, 0, 0)

			submit(t, e, temperature("T2", 1_200_000))
			if sink.count() != 1 {
				t.Fatalf("Expected 1 combined row, got %d", sink.count())
			}
			if got := sink.records[0].Current.DeviceID; got != "C1" {
				t.Errorf("Expected 'C1' in the written row, got %q", got)
			}
			assertPending(t, e, 0, 1)
		})
	}
}

func TestPanicIsRecovered(t *testing.T) {
	e, sink := newTestEngine(Config{})
	sink.panics = true

	submit(t, e, current("C", 0))
	_, err := e.Submit(temperature("T", 0))

	var cerr *CorrelationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected CorrelationError, got %v", err)
	}

	// the engine must still be usable
	sink.panics = false
	e.Reset()
	submit(t, e, current("C", 0))
	assertPending(t, e, 1, 0)
}

func TestInvalidStream(t *testing.T) {
	e, _ := newTestEngine(Config{})

	_, err := e.Submit(model.Reading{Stream: "humidity"})
	var cerr *CorrelationError
	if !errors.As(err, &cerr) {
		t.Errorf("Expected CorrelationError, got %v", err)
	}
	assertPending(t, e, 0, 0)
}

func TestSweepReceivedBefore(t *testing.T) {
	e, _ := newTestEngine(Config{})

	old := current("old", 0)
	old.ReceivedAt = received.Add(-time.Minute)
	fresh := temperature("fresh", 50_000_000)
	fresh.ReceivedAt = received

	submit(t, e, old)
	submit(t, e, fresh)
	assertPending(t, e, 1, 1)

	if n := e.SweepReceivedBefore(received.Add(-30 * time.Second)); n != 1 {
		t.Errorf("Expected 1 swept entry, got %d", n)
	}
	assertPending(t, e, 0, 1)
}

func TestConcurrentSubmitMatchesEachPairOnce(t *testing.T) {
	e, sink := newTestEngine(Config{MaxAge: math.MaxInt64})
	const pairs = 100

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		ts := int64(i) * 5_000_000
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := e.Submit(current(fmt.Sprintf("c%d", i), ts)); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := e.Submit(temperature(fmt.Sprintf("t%d", i), ts+200_000)); err != nil {
				t.Errorf("Submit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if sink.count() != pairs {
		t.Errorf("Expected %d combined records, got %d", pairs, sink.count())
	}
	seen := make(map[string]bool)
	for _, rec := range sink.records {
		if seen[rec.Current.DeviceID] || seen[rec.Temperature.DeviceID] {
			t.Errorf("Reading combined twice: %+v", rec)
		}
		seen[rec.Current.DeviceID] = true
		seen[rec.Temperature.DeviceID] = true
		if rec.Current.DeviceID[1:] != rec.Temperature.DeviceID[1:] {
			t.Errorf("Mismatched pair %q/%q", rec.Current.DeviceID, rec.Temperature.DeviceID)
		}
	}
	assertPending(t, e, 0, 0)
}

func TestAbsDiff(t *testing.T) {
	tests := []struct {
		a, b     int64
		expected uint64
	}{
		{0, 0, 0},
		{5, -5, 10},
		{-5, 5, 10},
		{math.MaxInt64, math.MinInt64, math.MaxUint64},
		{math.MinInt64, math.MaxInt64, math.MaxUint64},
	}
	for _, tt := range tests {
		if got := absDiff(tt.a, tt.b); got != tt.expected {
			t.Errorf("absDiff(%d, %d): expected %d, got %d", tt.a, tt.b, tt.expected, got)
		}
	}
}
