package model

import (
	"encoding/csv"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout renders instants the way the day files store them:
// UTC with millisecond precision and a literal Z.
const TimeLayout = "2006-01-02T15:04:05.000Z"

var headerFields = map[Kind][]string{
	KindCurrent: {
		"server_timestamp", "esp32_timestamp", "deviceId",
		"sensor1", "sensor2", "sensor3",
	},
	KindTemperature: {
		"server_timestamp", "esp32_timestamp", "deviceId",
		"sensor1", "sensor2", "sensor3", "devTemp", "devHumi",
	},
	KindCombined: {
		"server_timestamp", "esp32_timestamp", "temp_deviceId", "current_deviceId",
		"temp1", "temp2", "temp3", "current1", "current2", "current3", "devTemp", "devHumi",
	},
}

// Header returns the header line of a day file of the given kind.
func Header(kind Kind) string {
	return joinCSV(headerFields[kind])
}

// CSVRow renders the reading as a line of its raw day file, without the
// trailing newline.
func (r Reading) CSVRow() string {
	fields := []string{
		FormatTime(r.ReceivedAt),
		FormatTime(r.DeviceTime()),
		displayID(r.DeviceID),
		formatFloat(r.Channels[0]),
		formatFloat(r.Channels[1]),
		formatFloat(r.Channels[2]),
	}
	if r.Stream == StreamTemperature {
		fields = append(fields, formatFloat(r.DevTemp), formatFloat(r.DevHumi))
	}
	return joinCSV(fields)
}

// CSVRow renders the record as a line of the combined day file. The
// timestamps come from the temperature reading.
func (c CombinedRecord) CSVRow() string {
	t, cur := c.Temperature, c.Current
	return joinCSV([]string{
		FormatTime(t.ReceivedAt),
		FormatTime(t.DeviceTime()),
		displayID(t.DeviceID),
		displayID(cur.DeviceID),
		formatFloat(t.Channels[0]),
		formatFloat(t.Channels[1]),
		formatFloat(t.Channels[2]),
		formatFloat(cur.Channels[0]),
		formatFloat(cur.Channels[1]),
		formatFloat(cur.Channels[2]),
		formatFloat(t.DevTemp),
		formatFloat(t.DevHumi),
	})
}

// ParseReadingRow rebuilds a reading from the fields of a raw day file row.
// Malformed or absent numbers become NaN, malformed timestamps the zero value.
func ParseReadingRow(stream StreamType, fields []string) Reading {
	r := Reading{
		Stream:          stream,
		ReceivedAt:      parseTime(field(fields, 0)),
		DeviceTimestamp: parseDeviceTimestamp(field(fields, 1)),
		DeviceID:        field(fields, 2),
		Channels: [3]float64{
			parseFloat(field(fields, 3)),
			parseFloat(field(fields, 4)),
			parseFloat(field(fields, 5)),
		},
		DevTemp: Missing,
		DevHumi: Missing,
	}
	if stream == StreamTemperature {
		r.DevTemp = parseFloat(field(fields, 6))
		r.DevHumi = parseFloat(field(fields, 7))
	}
	return r
}

// ParseCombinedRow rebuilds a combined record from a combined day file row.
// The file does not keep the current reading's timestamps, so those stay zero.
func ParseCombinedRow(fields []string) CombinedRecord {
	return CombinedRecord{
		Temperature: Reading{
			Stream:          StreamTemperature,
			ReceivedAt:      parseTime(field(fields, 0)),
			DeviceTimestamp: parseDeviceTimestamp(field(fields, 1)),
			DeviceID:        field(fields, 2),
			Channels: [3]float64{
				parseFloat(field(fields, 4)),
				parseFloat(field(fields, 5)),
				parseFloat(field(fields, 6)),
			},
			DevTemp: parseFloat(field(fields, 10)),
			DevHumi: parseFloat(field(fields, 11)),
		},
		Current: Reading{
			Stream:   StreamCurrent,
			DeviceID: field(fields, 3),
			Channels: [3]float64{
				parseFloat(field(fields, 7)),
				parseFloat(field(fields, 8)),
				parseFloat(field(fields, 9)),
			},
			DevTemp: Missing,
			DevHumi: Missing,
		},
	}
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func displayID(id string) string {
	if id == "" {
		return MissingDeviceID
	}
	return id
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func joinCSV(fields []string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return strings.TrimSpace(fields[i])
	}
	return ""
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseDeviceTimestamp(s string) int64 {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli() * 1000
}
