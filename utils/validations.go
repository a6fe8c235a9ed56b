package utils

import (
	"fmt"
	"math"
)

// ValidateFrameCorrections checks a {source frame -> corrected frame} map. Corrections are applied
// once, so a corrected frame may not itself be a source that needs correcting.
func ValidateFrameCorrections(corrections map[string]string) error {
	for from, to := range corrections {
		if from == "" {
			return fmt.Errorf("frame_corrections cannot contain an empty source frame")
		}
		if to == "" {
			return fmt.Errorf("frame_corrections[%q] cannot be empty", from)
		}
		if from == to {
			return fmt.Errorf("frame_corrections[%q] maps a frame onto itself", from)
		}
		if _, chained := corrections[to]; chained {
			return fmt.Errorf("frame_corrections[%q] = %q is itself corrected, chains are not supported", from, to)
		}
	}
	return nil
}

// ValidateVariance checks the constant used on the covariance diagonal.
func ValidateVariance(variance float64) error {
	if math.IsNaN(variance) || math.IsInf(variance, 0) {
		return fmt.Errorf("covariance must be a valid number")
	}
	if variance <= 0 {
		return fmt.Errorf("covariance must be greater than 0")
	}
	return nil
}

// ValidateDistinctFrames makes sure the named frames are set and differ from each other.
func ValidateDistinctFrames(frames map[string]string) error {
	seen := map[string]string{}
	for field, frame := range frames {
		if frame == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		if other, ok := seen[frame]; ok {
			return fmt.Errorf("%s and %s both name frame %q", other, field, frame)
		}
		seen[frame] = field
	}
	return nil
}
