package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DevicePayload is the JSON body a field device posts for one reading.
// The long field names are accepted as aliases of the short ones; the
// short names win when both are present.
type DevicePayload struct {
	DeviceID  string        `json:"deviceId"`
	Timestamp FlexTimestamp `json:"timestamp"`
	Sensor1   *float64      `json:"sensor1"`
	Sensor2   *float64      `json:"sensor2"`
	Sensor3   *float64      `json:"sensor3"`
	DevTemp   *float64      `json:"devTemp"`
	DevHumi   *float64      `json:"devHumi"`

	DeviceTimestamp FlexTimestamp `json:"deviceTimestamp"`
	DeviceTemp      *float64      `json:"deviceTemp"`
	DeviceHumidity  *float64      `json:"deviceHumidity"`
}

// DeviceTime returns the device timestamp in microseconds and whether one was sent.
func (p DevicePayload) DeviceTime() (int64, bool) {
	if p.Timestamp.Valid {
		return p.Timestamp.Value, true
	}
	return p.DeviceTimestamp.Value, p.DeviceTimestamp.Valid
}

// FlexTimestamp accepts a JSON number or a numeric string.
// Valid is false when the field was absent, null or empty.
type FlexTimestamp struct {
	Value int64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexTimestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = FlexTimestamp{}
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*t = FlexTimestamp{}
			return nil
		}
	}

	v, err := parseMicros(raw)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = FlexTimestamp{Value: v, Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t FlexTimestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Value, 10)), nil
}

func parseMicros(raw string) (int64, error) {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("out of range: %q", raw)
	}
	return int64(f), nil
}

// ToReading converts the payload into a reading of the given stream.
// Absent channel values become Missing. The environment fields are only
// kept for temperature readings.
func (p DevicePayload) ToReading(stream StreamType, receivedAt time.Time) Reading {
	ts, _ := p.DeviceTime()
	r := Reading{
		Stream:          stream,
		DeviceID:        p.DeviceID,
		DeviceTimestamp: ts,
		Channels:        [3]float64{orMissing(p.Sensor1), orMissing(p.Sensor2), orMissing(p.Sensor3)},
		DevTemp:         Missing,
		DevHumi:         Missing,
		ReceivedAt:      receivedAt,
	}
	if stream == StreamTemperature {
		r.DevTemp = orMissing(firstSet(p.DevTemp, p.DeviceTemp))
		r.DevHumi = orMissing(firstSet(p.DevHumi, p.DeviceHumidity))
	}
	return r
}

func orMissing(v *float64) float64 {
	if v == nil {
		return Missing
	}
	return *v
}

func firstSet(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}
