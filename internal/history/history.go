// Package history serves stored day files back to query clients.
//
// Reads are best effort: a missing day, a bad date or an unreadable file
// yields an empty result and a warning in the log, never an error.
package history

import (
	"errors"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/navid-fn/sensorhub/internal/model"

	"github.com/sirupsen/logrus"
)

// Source is the read side of the partitioned store.
type Source interface {
	ListAvailableDates() ([]string, error)
	ReadReadings(date string, stream model.StreamType) ([]model.Reading, error)
	ReadCombined(date string) ([]model.CombinedRecord, error)
	Open(date string, kind model.Kind) (io.ReadCloser, error)
}

// Query selects the records of one day. An empty Date means today (UTC),
// an empty Kind merges both raw streams, and an empty DeviceID keeps every device.
type Query struct {
	Date     string
	Kind     model.Kind
	DeviceID string
}

type Reader struct {
	src    Source
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewReader(src Source, logger logrus.FieldLogger) *Reader {
	return &Reader{src: src, logger: logger, now: time.Now}
}

// Today returns the current partition date.
func (r *Reader) Today() string {
	return model.DateOf(r.now())
}

// AvailableDates lists days with data, most recent first.
func (r *Reader) AvailableDates() []string {
	dates, err := r.src.ListAvailableDates()
	if err != nil {
		r.logger.WithError(err).Warn("Failed to list available dates")
		return []string{}
	}
	return dates
}

// Read returns the records selected by q. Merged results are ordered by
// server receive time; single-kind results keep file order.
func (r *Reader) Read(q Query) []Record {
	if q.Date == "" {
		q.Date = r.Today()
	}
	log := r.logger.WithFields(logrus.Fields{"date": q.Date, "kind": q.Kind, "device_id": q.DeviceID})

	if _, err := model.ParseDate(q.Date); err != nil {
		log.WithError(err).Warn("History query rejected")
		return []Record{}
	}

	var records []Record
	switch q.Kind {
	case "":
		for _, s := range model.Streams {
			records = append(records, r.readStream(q.Date, s, true, log)...)
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Reading.ReceivedAt.Before(records[j].Reading.ReceivedAt)
		})
	case model.KindCurrent, model.KindTemperature:
		records = r.readStream(q.Date, model.StreamType(q.Kind), false, log)
	case model.KindCombined:
		combined, err := r.src.ReadCombined(q.Date)
		if err != nil {
			log.WithError(err).Warn("Failed to read combined history")
		}
		for i := range combined {
			records = append(records, Record{Kind: model.KindCombined, Combined: &combined[i]})
		}
	default:
		log.Warn("History query for unknown kind")
	}

	return filterDevice(records, q.DeviceID)
}

func (r *Reader) readStream(date string, stream model.StreamType, merged bool, log logrus.FieldLogger) []Record {
	readings, err := r.src.ReadReadings(date, stream)
	if err != nil {
		log.WithError(err).WithField("stream", stream).Warn("Failed to read history")
	}
	records := make([]Record, 0, len(readings))
	for i := range readings {
		records = append(records, Record{Kind: stream.Kind(), Reading: &readings[i], Merged: merged})
	}
	return records
}

func filterDevice(records []Record, deviceID string) []Record {
	if deviceID == "" {
		if records == nil {
			return []Record{}
		}
		return records
	}
	kept := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.HasDevice(deviceID) {
			kept = append(kept, rec)
		}
	}
	return kept
}

// Export returns the stored file for a day and kind, or a header-only CSV
// when nothing was written that day. Only an invalid date or kind is an error.
func (r *Reader) Export(date string, kind model.Kind) (io.ReadCloser, error) {
	if _, err := model.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if _, err := model.ParseDate(date); err != nil {
		return nil, err
	}

	f, err := r.src.Open(date, kind)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		r.logger.WithError(err).WithFields(logrus.Fields{"date": date, "kind": kind}).Warn("Failed to open day file")
	}
	return io.NopCloser(strings.NewReader(model.Header(kind) + "\n")), nil
}

// FileName is the download name of a day file.
func FileName(date string, kind model.Kind) string {
	return date + "_" + string(kind) + ".csv"
}
