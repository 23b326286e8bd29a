package location

import (
	"fmt"

	"github.com/soypete/locationcapture/pkg/database"
)

// Columns lists the stored sample columns in the order FromRow expects them.
const Columns = "timestamp, latitude, longitude, accuracy, heading, speed"

// Record returns the sample as a store record, without its sequence id.
func (s Sample) Record() database.Record {
	return database.Record{
		"timestamp": s.Timestamp,
		"latitude":  s.Latitude,
		"longitude": s.Longitude,
		"accuracy":  s.Accuracy,
		"heading":   s.Heading,
		"speed":     s.Speed,
	}
}

// FromRow reads a sample from row, starting at column offset, in the order of
// Columns.
func FromRow(row database.Row, offset int) (Sample, error) {
	var s Sample
	var err error

	if s.Timestamp, err = row.Int64(offset); err != nil {
		return Sample{}, fmt.Errorf("failed to read timestamp: %w", err)
	}
	floats := []*float64{&s.Latitude, &s.Longitude, &s.Accuracy, &s.Heading, &s.Speed}
	for i, dst := range floats {
		if *dst, err = row.Float64(offset + 1 + i); err != nil {
			return Sample{}, fmt.Errorf("failed to read sample column %d: %w", offset+1+i, err)
		}
	}
	return s, nil
}
