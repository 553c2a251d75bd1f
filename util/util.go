// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/glint-instrument/glintlab/mathx"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Clamp limits a value to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// Limiter imposes a range on a value
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if min <= input <= max
func (l Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}

// Clamp limits input to the range of the limiter
func (l Limiter) Clamp(input float64) float64 {
	return Clamp(input, l.Min, l.Max)
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Arange returns the values start, start+step, ... up to and including stop.
// each value is computed from its index and snapped to 9 decimals,
// so that repeated sweeps of the same range produce identical axes.
// a non-positive step or stop < start returns []float64{start}
func Arange(start, stop, step float64) []float64 {
	if step <= 0 || stop < start {
		return []float64{start}
	}
	n := int(math.Floor((stop-start)/step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = mathx.Snap(start+float64(i)*step, 9)
	}
	return out
}
