// Package storage persists readings and combined records.
//
// PartitionedStore keeps append-only CSV day files under
// <root>/<year>/<month>/<YYYY-MM-DD>_<kind>.csv. Writes to one file are
// serialized by a per-file lock so that the header check and the append are
// a single step.
package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/navid-fn/sensorhub/internal/model"
)

var dayFilePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})_(current|temperature|combined)\.csv$`)

// PersistenceError reports a failed directory or file operation on a day file.
// Written is set when the failure came after some bytes of the row reached the file.
type PersistenceError struct {
	Op      string
	Path    string
	Err     error
	Written bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NothingWritten reports whether the file is unchanged by the failed operation.
func (e *PersistenceError) NothingWritten() bool { return !e.Written }

// PartitionedStore is safe for concurrent use.
type PartitionedStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPartitionedStore creates the root directory if needed.
func NewPartitionedStore(root string) (*PartitionedStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &PersistenceError{Op: "mkdir", Path: root, Err: err}
	}
	return &PartitionedStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the data directory.
func (s *PartitionedStore) Root() string {
	return s.root
}

// Path returns the file path for a date and kind after validating both.
func (s *PartitionedStore) Path(date string, kind model.Kind) (string, error) {
	t, err := model.ParseDate(date)
	if err != nil {
		return "", err
	}
	if _, err := model.ParseKind(string(kind)); err != nil {
		return "", err
	}
	return filepath.Join(
		s.root,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%s_%s.csv", date, kind),
	), nil
}

func (s *PartitionedStore) fileLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Append adds row as a new line to the day file of the given kind, creating
// the month directory and writing the header first if the file is new or empty.
// A last line left without its newline by an interrupted write is terminated
// before row is added.
func (s *PartitionedStore) Append(date string, kind model.Kind, row string) error {
	path, err := s.Path(date, kind)
	if err != nil {
		return &PersistenceError{Op: "resolve", Path: fmt.Sprintf("%s_%s", date, kind), Err: err}
	}

	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &PersistenceError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &PersistenceError{Op: "stat", Path: path, Err: err}
	}

	// header and row go out in one write
	buf := make([]byte, 0, len(row)+128)
	if info.Size() == 0 {
		buf = append(buf, model.Header(kind)...)
		buf = append(buf, '\n')
	} else {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return &PersistenceError{Op: "read", Path: path, Err: err}
		}
		if last[0] != '\n' {
			buf = append(buf, '\n')
		}
	}
	buf = append(buf, row...)
	buf = append(buf, '\n')

	if n, err := f.Write(buf); err != nil {
		return &PersistenceError{Op: "append", Path: path, Err: err, Written: n > 0}
	}
	if err := f.Sync(); err != nil {
		return &PersistenceError{Op: "sync", Path: path, Err: err, Written: true}
	}
	return nil
}

// AppendReading appends r to the raw file of its stream for the day it was received.
func (s *PartitionedStore) AppendReading(r model.Reading) error {
	return s.Append(r.Date(), r.Stream.Kind(), r.CSVRow())
}

// AppendCombined appends rec to the combined file of the given date.
func (s *PartitionedStore) AppendCombined(date string, rec model.CombinedRecord) error {
	return s.Append(date, model.KindCombined, rec.CSVRow())
}

// ListAvailableDates returns every date that has at least one day file,
// most recent first. A missing root yields an empty list.
func (s *PartitionedStore) ListAvailableDates() ([]string, error) {
	seen := make(map[string]struct{})

	years, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	for _, year := range years {
		if !year.IsDir() {
			continue
		}
		yearPath := filepath.Join(s.root, year.Name())
		months, err := os.ReadDir(yearPath)
		if err != nil {
			return nil, err
		}
		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(yearPath, month.Name()))
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				if m := dayFilePattern.FindStringSubmatch(file.Name()); m != nil {
					seen[m[1]] = struct{}{}
				}
			}
		}
	}

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// ReadReadings parses the raw day file of a stream. A missing file is not an error.
func (s *PartitionedStore) ReadReadings(date string, stream model.StreamType) ([]model.Reading, error) {
	readings := []model.Reading{}
	err := s.readRows(date, stream.Kind(), func(fields []string) {
		readings = append(readings, model.ParseReadingRow(stream, fields))
	})
	return readings, err
}

// ReadCombined parses the combined day file. A missing file is not an error.
func (s *PartitionedStore) ReadCombined(date string) ([]model.CombinedRecord, error) {
	records := []model.CombinedRecord{}
	err := s.readRows(date, model.KindCombined, func(fields []string) {
		records = append(records, model.ParseCombinedRow(fields))
	})
	return records, err
}

// Open returns the raw day file for streaming, cut at its size when opened
// so that rows appended meanwhile are not half read. The error wraps
// fs.ErrNotExist when the file has not been written yet.
func (s *PartitionedStore) Open(date string, kind model.Kind) (io.ReadCloser, error) {
	path, err := s.Path(date, kind)
	if err != nil {
		return nil, err
	}

	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &snapshotFile{Reader: io.LimitReader(f, info.Size()), Closer: f}, nil
}

type snapshotFile struct {
	io.Reader
	io.Closer
}

// readRows hands every data row after the header to fn. Rows the CSV
// reader rejects are skipped; the rest of the file is still read.
func (s *PartitionedStore) readRows(date string, kind model.Kind, fn func([]string)) error {
	path, err := s.Path(date, kind)
	if err != nil {
		return err
	}

	lock := s.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header := true
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				header = false
				continue
			}
			return err
		}
		if header {
			header = false
			continue
		}
		fn(fields)
	}
}
