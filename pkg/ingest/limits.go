package ingest

import (
	"fmt"

	"github.com/nicktill/tinyfarm/pkg/config"
)

var (
	// ErrTooManyRecords is returned when a push request carries too many records
	ErrTooManyRecords = fmt.Errorf("too many records in request (max %d)", config.MaxRecordsPerRequest)

	// ErrBodyTooLarge is returned when a push request body exceeds the size cap
	ErrBodyTooLarge = fmt.Errorf("request body too large (max %d bytes)", config.MaxIngestBodyBytes)

	// ErrNoTarget is returned when a push request names neither a sensor nor a channel
	ErrNoTarget = fmt.Errorf("sensor_id or api_sensor_id is required")

	// ErrAmbiguousTarget is returned when a push request names both
	ErrAmbiguousTarget = fmt.Errorf("sensor_id and api_sensor_id are mutually exclusive")

	// ErrMissingDatetime is returned for a pushed record without a timestamp
	ErrMissingDatetime = fmt.Errorf("record datetime is required")

	// ErrStorageFull is returned when the data directory is over its limit
	ErrStorageFull = fmt.Errorf("storage limit reached")
)

// ValidateRequest checks a push request before anything is written
func ValidateRequest(req IngestRequest) error {
	if req.SensorID == "" && req.APISensorID == "" {
		return ErrNoTarget
	}
	if req.SensorID != "" && req.APISensorID != "" {
		return ErrAmbiguousTarget
	}
	if len(req.Records) > config.MaxRecordsPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyRecords, len(req.Records))
	}
	for i, rec := range req.Records {
		if rec.Datetime == "" {
			return fmt.Errorf("%w: record %d", ErrMissingDatetime, i)
		}
	}
	return nil
}
