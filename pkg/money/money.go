// Package money holds the two pure calculations every financial write
// depends on: 2-decimal rounding and loyalty-point accrual.
package money

import (
	"math"

	"github.com/example/freshmart/pkg/models"
)

// epsilon counteracts binary float representation error so values like
// 2.675 (stored as 2.67499...) still round half-up to 2.68.
const epsilon = 1e-9

// Round rounds a monetary value to 2 decimal places, half-up. Every
// computed amount must pass through here before persistence or comparison.
func Round(value float64) float64 {
	if value < 0 {
		return -Round(-value)
	}
	return math.Floor(value*100+0.5+epsilon) / 100
}

// MinorUnits converts a major-unit amount to the gateway's smallest
// currency unit (e.g. naira to kobo).
func MinorUnits(amount float64) int64 {
	return int64(math.Round(Round(amount) * 100))
}

// MajorUnits converts a gateway minor-unit amount back to major units.
func MajorUnits(minor int64) float64 {
	return Round(float64(minor) / 100)
}

// PointsForAmount maps an order total to loyalty points. Absent, inactive
// or malformed settings (non-positive threshold) yield zero points rather
// than an error.
func PointsForAmount(amount float64, settings *models.PointsSettings) int {
	if settings == nil || !settings.Active {
		return 0
	}
	if settings.AmountThreshold <= 0 || settings.PointsPerThreshold <= 0 {
		return 0
	}
	if amount <= 0 {
		return 0
	}
	steps := int(math.Floor((amount + epsilon) / settings.AmountThreshold))
	return steps * settings.PointsPerThreshold
}
