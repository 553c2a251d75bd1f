// Package mathx holds small numeric helpers shared by the scan and display code.
package mathx

import "math"

// Snap rounds x to the given number of decimal places.  The result is the
// float64 nearest to the decimal value, so snapped values computed along
// different paths compare equal.
func Snap(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}
