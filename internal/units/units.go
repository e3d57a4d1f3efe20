// Package units provides shared constants and validation for speed units
package units

import "strings"

// Unit constants
const (
	KPH = "kph"
	MPH = "mph"
)

// Conversion factors used by the speed calculator.
const (
	// MMPerSecToKPH converts millimetres per second to kilometres per hour.
	MMPerSecToKPH = 0.0036
	// KPHToMPH converts kilometres per hour to miles per hour.
	KPHToMPH = 0.621371
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{KPH, MPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// FromKPH converts a speed in km/h to the target units. Unknown units are
// treated as km/h.
func FromKPH(speedKPH float64, targetUnits string) float64 {
	if targetUnits == MPH {
		return speedKPH * KPHToMPH
	}
	return speedKPH
}

// ToKPH converts a speed in the given units to km/h.
func ToKPH(speed float64, fromUnits string) float64 {
	if fromUnits == MPH {
		return speed / KPHToMPH
	}
	return speed
}

// Label returns the display label used on overlays and the speed sign.
func Label(unit string) string {
	switch unit {
	case MPH:
		return "mph"
	default:
		return "km/h"
	}
}
