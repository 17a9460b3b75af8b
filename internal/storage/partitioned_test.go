package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"
)

func newTestStore(t *testing.T) *PartitionedStore {
	t.Helper()
	s, err := NewPartitionedStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestPath(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Path("2025-09-06", model.KindCombined)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := filepath.Join(s.Root(), "2025", "09", "2025-09-06_combined.csv")
	if path != expected {
		t.Errorf("Expected path %q, got %q", expected, path)
	}

	invalid := []struct {
		date string
		kind model.Kind
	}{
		{"2025-13-01", model.KindCurrent},
		{"../../etc", model.KindCurrent},
		{"2025-09-06", model.Kind("passwd")},
		{"", model.KindCurrent},
	}
	for _, tt := range invalid {
		if _, err := s.Path(tt.date, tt.kind); err == nil {
			t.Errorf("Expected error for date=%q kind=%q", tt.date, tt.kind)
		}
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Append("2025-09-06", model.KindCurrent, fmt.Sprintf("row-%d", i)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	path, _ := s.Path("2025-09-06", model.KindCurrent)
	lines := readLines(t, path)
	expected := []string{model.Header(model.KindCurrent), "row-0", "row-1", "row-2"}
	if len(lines) != len(expected) {
		t.Fatalf("Expected %d lines, got %d: %v", len(expected), len(lines), lines)
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("Line %d: expected %q, got %q", i, expected[i], lines[i])
		}
	}
}

func TestAppendInvalidDate(t *testing.T) {
	s := newTestStore(t)

	err := s.Append("not-a-date", model.KindCurrent, "row")
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
}

func TestAppendFailsWhenDirectoryBlocked(t *testing.T) {
	s := newTestStore(t)

	// a plain file where the year directory should be
	if err := os.WriteFile(filepath.Join(s.Root(), "2025"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.Append("2025-09-06", model.KindCurrent, "row")
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
	if perr.Op != "mkdir" {
		t.Errorf("Expected op 'mkdir', got %q", perr.Op)
	}
}

func TestConcurrentAppendSameFile(t *testing.T) {
	s := newTestStore(t)
	const n = 200

	received := time.Date(2025, 9, 6, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := model.Reading{
				Stream:          model.StreamTemperature,
				DeviceID:        fmt.Sprintf("dev-%d", i),
				DeviceTimestamp: int64(i) * 1000,
				Channels:        [3]float64{float64(i), 1, 2},
				DevTemp:         20,
				DevHumi:         40,
				ReceivedAt:      received,
			}
			errs <- s.AppendReading(r)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	path, _ := s.Path("2025-09-06", model.KindTemperature)
	lines := readLines(t, path)
	if len(lines) != n+1 {
		t.Fatalf("Expected %d lines, got %d", n+1, len(lines))
	}

	header := model.Header(model.KindTemperature)
	headers := 0
	for _, line := range lines {
		if line == header {
			headers++
			continue
		}
		if got := strings.Count(line, ","); got != 7 {
			t.Errorf("Expected 8 fields in %q, got %d", line, got+1)
		}
	}
	if headers != 1 || lines[0] != header {
		t.Errorf("Expected exactly one header on the first line, got %d", headers)
	}

	readings, err := s.ReadReadings("2025-09-06", model.StreamTemperature)
	if err != nil {
		t.Fatalf("ReadReadings failed: %v", err)
	}
	if len(readings) != n {
		t.Errorf("Expected %d readings, got %d", n, len(readings))
	}
}

func TestReadingRoundTrip(t *testing.T) {
	s := newTestStore(t)

	original := model.Reading{
		Stream:          model.StreamCurrent,
		DeviceID:        "AA:BB:CC",
		DeviceTimestamp: 1_000_000,
		Channels:        [3]float64{1, 2, model.Missing},
		DevTemp:         model.Missing,
		DevHumi:         model.Missing,
		ReceivedAt:      time.Date(2025, 9, 6, 23, 59, 59, 999_000_000, time.UTC),
	}
	if err := s.AppendReading(original); err != nil {
		t.Fatalf("AppendReading failed: %v", err)
	}

	readings, err := s.ReadReadings("2025-09-06", model.StreamCurrent)
	if err != nil {
		t.Fatalf("ReadReadings failed: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(readings))
	}
	got := readings[0]
	if !got.ReceivedAt.Equal(original.ReceivedAt) {
		t.Errorf("Expected received time %v, got %v", original.ReceivedAt, got.ReceivedAt)
	}
	got.ReceivedAt = original.ReceivedAt
	if got != original {
		t.Errorf("Round trip mismatch:\n expected %+v\n got      %+v", original, got)
	}

	combined, err := s.ReadCombined("2025-09-06")
	if err != nil {
		t.Fatalf("ReadCombined failed: %v", err)
	}
	if len(combined) != 0 {
		t.Errorf("Expected 0 combined records, got %d", len(combined))
	}
}

func TestReadMissingFile(t *testing.T) {
	s := newTestStore(t)

	readings, err := s.ReadReadings("2024-01-01", model.StreamCurrent)
	if err != nil {
		t.Errorf("Expected no error for a missing file, got %v", err)
	}
	if readings == nil || len(readings) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", readings)
	}

	if _, err := s.Open("2024-01-01", model.KindCombined); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected fs.ErrNotExist from Open, got %v", err)
	}
}

func TestReadSkipsMalformedRows(t *testing.T) {
	s := newTestStore(t)

	path, _ := s.Path("2025-09-06", model.KindCurrent)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	content := model.Header(model.KindCurrent) + "\n" +
		"2025-09-06T01:00:00.000Z,1970-01-01T00:00:01.000Z,AA,1,oops,3\n" +
		"2025-09-06T01:00:01.000Z,1970-01-01T00:00:02.000Z,BB,4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	readings, err := s.ReadReadings("2025-09-06", model.StreamCurrent)
	if err != nil {
		t.Fatalf("ReadReadings failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(readings))
	}
	if readings[0].Channels[0] != 1 || readings[0].Channels[2] != 3 {
		t.Errorf("Unexpected channels %v", readings[0].Channels)
	}
	if readings[1].DeviceID != "BB" || readings[1].Channels[0] != 4 {
		t.Errorf("Unexpected short row %+v", readings[1])
	}
}

func TestListAvailableDates(t *testing.T) {
	s := newTestStore(t)

	dates, err := s.ListAvailableDates()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(dates) != 0 {
		t.Errorf("Expected no dates, got %v", dates)
	}

	writes := []struct {
		date string
		kind model.Kind
	}{
		{"2025-01-15", model.KindCurrent},
		{"2025-01-15", model.KindCombined},
		{"2024-12-31", model.KindTemperature},
		{"2025-02-01", model.KindCombined},
	}
	for _, w := range writes {
		if err := s.Append(w.date, w.kind, "row"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	// stray files are ignored
	stray := filepath.Join(s.Root(), "2025", "01", "notes.txt")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	expected := []string{"2025-02-01", "2025-01-15", "2024-12-31"}
	for round := 0; round < 2; round++ {
		dates, err := s.ListAvailableDates()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if strings.Join(dates, " ") != strings.Join(expected, " ") {
			t.Errorf("Round %d: expected %v, got %v", round, expected, dates)
		}
	}
}

func TestAppendAfterTornLine(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("2025-01-02", model.KindCurrent, "a,b,c,1,2,3"); err != nil {
		t.Fatal(err)
	}
	path, _ := s.Path("2025-01-02", model.KindCurrent)

	// an interrupted write leaves a row without its newline
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("2025-01-02T00:00:00.000Z,1970"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := s.Append("2025-01-02", model.KindCurrent, "x,y,z,4,5,6"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	lines := readLines(t, path)
	expected := []string{model.Header(model.KindCurrent), "a,b,c,1,2,3", "2025-01-02T00:00:00.000Z,1970", "x,y,z,4,5,6"}
	if len(lines) != len(expected) {
		t.Fatalf("Expected %d lines, got %d: %q", len(expected), len(lines), lines)
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("Line %d: expected %q, got %q", i, expected[i], lines[i])
		}
	}
}

func TestOpenIgnoresLaterAppends(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("2025-09-06", model.KindCurrent, "row-one"); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Open("2025-09-06", model.KindCurrent)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()

	if err := s.Append("2025-09-06", model.KindCurrent, "row-two"); err != nil {
		t.Fatal(err)
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	expected := model.Header(model.KindCurrent) + "\nrow-one\n"
	if string(data) != expected {
		t.Errorf("Expected %q, got %q", expected, string(data))
	}
}

func TestPersistenceErrorNothingWritten(t *testing.T) {
	tests := []struct {
		name     string
		err      *PersistenceError
		expected bool
	}{
		{"open failure", &PersistenceError{Op: "open", Err: fs.ErrPermission}, true},
		{"sync failure", &PersistenceError{Op: "sync", Err: fs.ErrClosed, Written: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.NothingWritten(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
