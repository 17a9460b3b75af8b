// Package model defines the readings received from field devices and the
// combined records derived from pairs of them.
package model

import (
	"fmt"
	"time"
)

// StreamType identifies which telemetry stream a reading belongs to.
type StreamType string

const (
	StreamCurrent     StreamType = "current"
	StreamTemperature StreamType = "temperature"
)

// Kind identifies a per-day file. Raw kinds share their name with the stream.
type Kind string

const (
	KindCurrent     Kind = "current"
	KindTemperature Kind = "temperature"
	KindCombined    Kind = "combined"
)

// Missing is written in place of any absent numeric value.
const Missing = -999.0

// MissingDeviceID is how an empty device id is rendered in raw files.
const MissingDeviceID = "N/A"

// DateLayout is the layout of partition dates (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// Streams lists every stream type in a stable order.
var Streams = []StreamType{StreamCurrent, StreamTemperature}

// Kinds lists every file kind in a stable order.
var Kinds = []Kind{KindCurrent, KindTemperature, KindCombined}

// Valid reports whether s is one of the known streams.
func (s StreamType) Valid() bool {
	return s == StreamCurrent || s == StreamTemperature
}

// Other returns the stream a reading of s is paired against.
func (s StreamType) Other() StreamType {
	if s == StreamCurrent {
		return StreamTemperature
	}
	return StreamCurrent
}

// Kind returns the raw file kind for the stream.
func (s StreamType) Kind() Kind {
	return Kind(s)
}

// ParseKind validates a kind name coming from a query string or file name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(name); k {
	case KindCurrent, KindTemperature, KindCombined:
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q", name)
}

// Reading is one sample from one device on one stream.
type Reading struct {
	// Stream is the telemetry stream the reading arrived on.
	Stream StreamType `json:"stream"`

	// DeviceID is an opaque device identifier (usually a MAC address).
	// It may be empty.
	DeviceID string `json:"deviceId"`

	// DeviceTimestamp is microseconds since the device's own epoch.
	// It is not synchronized across devices.
	DeviceTimestamp int64 `json:"deviceTimestamp"`

	// Channels holds sensor1..sensor3. Absent values are Missing.
	Channels [3]float64 `json:"channels"`

	// DevTemp and DevHumi are the board's environment sensor values.
	// Only temperature readings carry them; otherwise Missing.
	DevTemp float64 `json:"devTemp"`
	DevHumi float64 `json:"devHumi"`

	// ReceivedAt is the server wall clock at ingestion.
	ReceivedAt time.Time `json:"receivedAt"`
}

// Date returns the partition date of the reading.
func (r Reading) Date() string {
	return DateOf(r.ReceivedAt)
}

// DeviceTime converts the device timestamp to an instant, truncated to
// millisecond precision.
func (r Reading) DeviceTime() time.Time {
	return time.UnixMilli(r.DeviceTimestamp / 1000).UTC()
}

// CombinedRecord pairs one current reading with one temperature reading
// whose device timestamps fell within the match tolerance.
type CombinedRecord struct {
	Current     Reading `json:"current"`
	Temperature Reading `json:"temperature"`
}

// Combine builds a combined record from two readings of different streams,
// in either order.
func Combine(a, b Reading) CombinedRecord {
	if a.Stream == StreamCurrent {
		return CombinedRecord{Current: a, Temperature: b}
	}
	return CombinedRecord{Current: b, Temperature: a}
}

// DateOf returns the UTC calendar date of t as YYYY-MM-DD.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD date string.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return t, nil
}
