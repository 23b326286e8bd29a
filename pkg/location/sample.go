// Package location defines the location sample shared by the location log,
// the upload queue and the uploader.
package location

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Unavailable marks a heading or speed the sensor could not calculate.
const Unavailable = -1.0

// ErrInvalidSample is returned for samples that fail validation. Validation
// happens before any store interaction.
var ErrInvalidSample = errors.New("invalid location sample")

// Sample is a single location fix.
type Sample struct {
	// SequenceID is assigned by the store on insertion. It is zero for
	// samples that have not been stored and is not part of the wire shape.
	SequenceID int64 `json:"-"`

	Timestamp int64   `json:"timestamp"` // seconds since the epoch, device clock
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"` // metres
	Heading   float64 `json:"heading"`  // degrees clockwise from north, or -1
	Speed     float64 `json:"speed"`    // metres per second, or -1
}

// Time returns the capture time.
func (s Sample) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// HasHeading reports whether the heading is known.
func (s Sample) HasHeading() bool {
	return s.Heading != Unavailable
}

// HasSpeed reports whether the speed is known.
func (s Sample) HasSpeed() bool {
	return s.Speed != Unavailable
}

// Validate checks ranges and the -1 sentinels.
func (s Sample) Validate() error {
	switch {
	case s.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp %d must be positive", ErrInvalidSample, s.Timestamp)
	case !finite(s.Latitude) || s.Latitude < -90 || s.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, s.Latitude)
	case !finite(s.Longitude) || s.Longitude < -180 || s.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, s.Longitude)
	case !finite(s.Accuracy) || s.Accuracy < 0:
		return fmt.Errorf("%w: accuracy %v must be non-negative", ErrInvalidSample, s.Accuracy)
	case s.HasHeading() && (!finite(s.Heading) || s.Heading < 0 || s.Heading > 360):
		return fmt.Errorf("%w: heading %v must be in [0, 360] or -1", ErrInvalidSample, s.Heading)
	case s.HasSpeed() && (!finite(s.Speed) || s.Speed < 0):
		return fmt.Errorf("%w: speed %v must be non-negative or -1", ErrInvalidSample, s.Speed)
	}
	return nil
}

// ValidateAll validates every sample, reporting the index of the first
// invalid one.
func ValidateAll(samples []Sample) error {
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
