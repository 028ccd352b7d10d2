package utils

import "math"

// RoundDecimal rounds value half away from zero to the given number of
// decimal places. NaN and infinities are returned unchanged.
func RoundDecimal(value float64, decimals int) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	pow := math.Pow10(decimals)
	return math.Round(value*pow) / pow
}
