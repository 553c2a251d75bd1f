// Package roi maps output channels of the photonic chip to fixed rectangles
// on the detector and extracts their flux.
package roi

import (
	"errors"
	"fmt"

	"github.com/glint-instrument/glintlab/camera"
)

var (
	// ErrGeometry is generated when a frame does not match the calibrated detector size
	ErrGeometry = errors.New("frame geometry does not match the ROI table")

	// ErrChannel is generated for a channel outside 1..C
	ErrChannel = errors.New("no such channel")
)

// Rect is a rectangle in pixels.  Col and Row are the zero-based upper left corner.
type Rect struct {
	Col    int `json:"col" yaml:"Col" koanf:"Col"`
	Row    int `json:"row" yaml:"Row" koanf:"Row"`
	Width  int `json:"width" yaml:"Width" koanf:"Width"`
	Height int `json:"height" yaml:"Height" koanf:"Height"`
}

// Overlaps returns true if r and o share at least one pixel
func (r Rect) Overlaps(o Rect) bool {
	return r.Col < o.Col+o.Width && o.Col < r.Col+r.Width &&
		r.Row < o.Row+o.Height && o.Row < r.Row+r.Height
}

// Geometry is the size of the detector, in pixels
type Geometry struct {
	Rows int `json:"rows" yaml:"Rows" koanf:"Rows"`
	Cols int `json:"cols" yaml:"Cols" koanf:"Cols"`
}

// Table is the calibrated channel to rectangle table.  Channel c is Channels[c-1].
type Table struct {
	Geometry Geometry `json:"geometry" yaml:"Geometry" koanf:"Geometry"`
	Channels []Rect   `json:"channels" yaml:"Channels" koanf:"Channels"`
}

// defaultRows are the top rows of the 16 outputs, in channel order
// (p4 n3 p3 n2 n10 n5 n4 n11 n6 n7 n12 n1 n8 p2 n9 p1)
var defaultRows = []int{26, 46, 66, 85, 105, 125, 145, 165, 184, 204, 224, 244, 263, 283, 303, 323}

// DefaultTable returns the calibration of the 344x96 detector: 16 outputs,
// each 61 columns wide and 15 rows tall, starting at column 35
func DefaultTable() Table {
	t := Table{Geometry: Geometry{Rows: 344, Cols: 96}}
	for _, r := range defaultRows {
		t.Channels = append(t.Channels, Rect{Col: 35, Row: r, Width: 61, Height: 15})
	}
	return t
}

// Len returns the number of channels
func (t Table) Len() int {
	return len(t.Channels)
}

// Rect returns the rectangle of channel
func (t Table) Rect(channel int) (Rect, error) {
	if channel < 1 || channel > len(t.Channels) {
		return Rect{}, fmt.Errorf("%w: %d, have %d", ErrChannel, channel, len(t.Channels))
	}
	return t.Channels[channel-1], nil
}

// Validate checks that every rectangle is non-empty, lies on the detector
// and does not overlap another
func (t Table) Validate() error {
	if t.Geometry.Rows <= 0 || t.Geometry.Cols <= 0 {
		return fmt.Errorf("%w: detector size %dx%d", ErrGeometry, t.Geometry.Rows, t.Geometry.Cols)
	}
	for i, r := range t.Channels {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("channel %d: empty rectangle %+v", i+1, r)
		}
		if r.Col < 0 || r.Row < 0 || r.Col+r.Width > t.Geometry.Cols || r.Row+r.Height > t.Geometry.Rows {
			return fmt.Errorf("channel %d: rectangle %+v leaves the %dx%d detector", i+1, r, t.Geometry.Rows, t.Geometry.Cols)
		}
		for j := 0; j < i; j++ {
			if r.Overlaps(t.Channels[j]) {
				return fmt.Errorf("channels %d and %d overlap", j+1, i+1)
			}
		}
	}
	return nil
}

func (t Table) check(f *camera.Frame, channel int) (Rect, error) {
	if f.Rows != t.Geometry.Rows || f.Cols != t.Geometry.Cols {
		return Rect{}, fmt.Errorf("%w: frame is %dx%d, table is %dx%d",
			ErrGeometry, f.Rows, f.Cols, t.Geometry.Rows, t.Geometry.Cols)
	}
	return t.Rect(channel)
}

// Extract returns the mean of the pixels of channel
func (t Table) Extract(f *camera.Frame, channel int) (float64, error) {
	r, err := t.check(f, channel)
	if err != nil {
		return 0, err
	}
	sum := 0.
	for row := r.Row; row < r.Row+r.Height; row++ {
		for col := r.Col; col < r.Col+r.Width; col++ {
			sum += f.At(row, col)
		}
	}
	return sum / float64(r.Width*r.Height), nil
}

// ExtractAll returns the flux of every channel, in channel order
func (t Table) ExtractAll(f *camera.Frame) ([]float64, error) {
	out := make([]float64, len(t.Channels))
	for i := range t.Channels {
		v, err := t.Extract(f, i+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Profile returns the spectrum of channel: the mean over the rows of the
// rectangle for every one of its columns
func (t Table) Profile(f *camera.Frame, channel int) ([]float64, error) {
	r, err := t.check(f, channel)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r.Width)
	for i := range out {
		sum := 0.
		for row := r.Row; row < r.Row+r.Height; row++ {
			sum += f.At(row, r.Col+i)
		}
		out[i] = sum / float64(r.Height)
	}
	return out, nil
}
