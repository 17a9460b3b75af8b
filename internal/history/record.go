package history

import (
	"encoding/json"
	"math"

	"github.com/navid-fn/sensorhub/internal/model"
)

// Record is one history row. Exactly one of Reading and Combined is set.
type Record struct {
	Kind     model.Kind
	Reading  *model.Reading
	Combined *model.CombinedRecord

	// Merged adds the sensorType field so merged results stay distinguishable.
	Merged bool
}

// HasDevice reports whether the row belongs to deviceID. Combined rows
// match on either side.
func (r Record) HasDevice(deviceID string) bool {
	if r.Combined != nil {
		return r.Combined.Current.DeviceID == deviceID || r.Combined.Temperature.DeviceID == deviceID
	}
	return r.Reading != nil && r.Reading.DeviceID == deviceID
}

type readingRow struct {
	ServerTimestamp string   `json:"serverTimestamp"`
	ESP32Timestamp  string   `json:"esp32Timestamp"`
	DeviceID        string   `json:"deviceId"`
	Sensor1         *float64 `json:"sensor1"`
	Sensor2         *float64 `json:"sensor2"`
	Sensor3         *float64 `json:"sensor3"`
	DevTemp         *float64 `json:"devTemp,omitempty"`
	DevHumi         *float64 `json:"devHumi,omitempty"`
	SensorType      string   `json:"sensorType,omitempty"`
}

type combinedRow struct {
	ServerTimestamp string   `json:"serverTimestamp"`
	ESP32Timestamp  string   `json:"esp32Timestamp"`
	TempDeviceID    string   `json:"tempDeviceId"`
	CurrentDeviceID string   `json:"currentDeviceId"`
	Temp1           *float64 `json:"temp1"`
	Temp2           *float64 `json:"temp2"`
	Temp3           *float64 `json:"temp3"`
	Current1        *float64 `json:"current1"`
	Current2        *float64 `json:"current2"`
	Current3        *float64 `json:"current3"`
	DevTemp         *float64 `json:"devTemp"`
	DevHumi         *float64 `json:"devHumi"`
}

// MarshalJSON renders the row with the day file's column names in camel
// case. Unparsable numbers become null.
func (r Record) MarshalJSON() ([]byte, error) {
	if c := r.Combined; c != nil {
		t, cur := c.Temperature, c.Current
		return json.Marshal(combinedRow{
			ServerTimestamp: formatTime(t),
			ESP32Timestamp:  formatDeviceTime(t),
			TempDeviceID:    t.DeviceID,
			CurrentDeviceID: cur.DeviceID,
			Temp1:           number(t.Channels[0]),
			Temp2:           number(t.Channels[1]),
			Temp3:           number(t.Channels[2]),
			Current1:        number(cur.Channels[0]),
			Current2:        number(cur.Channels[1]),
			Current3:        number(cur.Channels[2]),
			DevTemp:         number(t.DevTemp),
			DevHumi:         number(t.DevHumi),
		})
	}
	if r.Reading == nil {
		return []byte("null"), nil
	}

	rd := r.Reading
	row := readingRow{
		ServerTimestamp: formatTime(*rd),
		ESP32Timestamp:  formatDeviceTime(*rd),
		DeviceID:        rd.DeviceID,
		Sensor1:         number(rd.Channels[0]),
		Sensor2:         number(rd.Channels[1]),
		Sensor3:         number(rd.Channels[2]),
	}
	if rd.Stream == model.StreamTemperature {
		row.DevTemp = number(rd.DevTemp)
		row.DevHumi = number(rd.DevHumi)
	}
	if r.Merged {
		row.SensorType = string(rd.Stream)
	}
	return json.Marshal(row)
}

func number(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func formatTime(r model.Reading) string {
	if r.ReceivedAt.IsZero() {
		return ""
	}
	return model.FormatTime(r.ReceivedAt)
}

func formatDeviceTime(r model.Reading) string {
	return model.FormatTime(r.DeviceTime())
}
