package ingest

import (
	"errors"
	"fmt"

	"github.com/navid-fn/sensorhub/internal/model"
)

var (
	ErrMissingStream    = errors.New("missing stream type")
	ErrMissingTimestamp = errors.New("missing device timestamp")
)

// ValidationError rejects a reading before anything is persisted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Error identifies the reading whose ingestion failed. Err is a
// *ValidationError or a *storage.PersistenceError.
type Error struct {
	Stream          model.StreamType
	DeviceID        string
	DeviceTimestamp int64
	Err             error
}

func (e *Error) Error() string {
	id := e.DeviceID
	if id == "" {
		id = model.MissingDeviceID
	}
	return fmt.Sprintf("ingest %s reading from %s at %d: %v", e.Stream, id, e.DeviceTimestamp, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidation reports whether err was caused by a rejected reading.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
