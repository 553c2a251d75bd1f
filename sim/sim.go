/*Package sim renders synthetic detector frames from the shape of a mock
mirror, so the whole bench can run without hardware.

Each calibrated tip/tilt segment couples light into its photometric channel
with a Gaussian dependence on tip and tilt.  Each null channel sees the two
beams of its couplers interfere: the flux is zero when their pistons match
and rises sinusoidally with the piston difference.
*/
package sim

import (
	"math"
	"math/rand"
	"sync"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/roi"
	"github.com/glint-instrument/glintlab/scan"
	"github.com/glint-instrument/glintlab/segment"
)

// Scene is the synthetic instrument
type Scene struct {
	Mirror      *mems.Mock
	ROIs        roi.Table
	Calibration scan.Calibration

	// Peak is the flux of a perfectly coupled beam
	Peak float64

	// Sigma is the width of the coupling in tip and tilt, mrad
	Sigma float64

	// Wavelength in microns sets the period of the nulls
	Wavelength float64

	// Background is added to every pixel
	Background float64

	// Noise is the standard deviation of Gaussian pixel noise
	Noise float64

	// Optima is where each segment couples best and nulls; pistons are
	// offsets subtracted before computing the interference
	Optima map[int]segment.Position

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScene returns a noiseless scene with a distinct optimum per segment
func NewScene(m *mems.Mock, t roi.Table, c scan.Calibration) *Scene {
	s := &Scene{
		Mirror:      m,
		ROIs:        t,
		Calibration: c,
		Peak:        1000,
		Sigma:       1,
		Wavelength:  1.6,
		Background:  10,
		Optima:      map[int]segment.Position{},
		rng:         rand.New(rand.NewSource(1)),
	}
	for id := 1; id <= m.Segments(); id++ {
		s.Optima[id] = segment.Position{
			Piston: 0.1 * float64(id%9-4),
			Tip:    0.25 * float64(id%7-3),
			Tilt:   0.2 * float64(id%5-2),
		}
	}
	return s
}

// Coupling is the fraction of the light of segment id at position p that
// reaches the chip
func (s *Scene) Coupling(id int, p segment.Position) float64 {
	o := s.Optima[id]
	dx, dy := p.Tip-o.Tip, p.Tilt-o.Tilt
	return math.Exp(-(dx*dx + dy*dy) / (2 * s.Sigma * s.Sigma))
}

// Fluxes returns the flux of every channel, background included, for a
// mirror shape
func (s *Scene) Fluxes(m segment.Matrix) []float64 {
	out := make([]float64, s.ROIs.Len())
	for i := range out {
		out[i] = s.Background
	}
	at := func(id int) segment.Position {
		if id < 1 || id > len(m) {
			return segment.Position{}
		}
		return m[id-1]
	}
	for _, t := range s.Calibration.TipTilt {
		if t.Channel >= 1 && t.Channel <= len(out) {
			out[t.Channel-1] += s.Peak * s.Coupling(t.Segment, at(t.Segment))
		}
	}
	for _, n := range s.Calibration.Nulls {
		if n.Channel < 1 || n.Channel > len(out) {
			continue
		}
		a := s.Calibration.CouplerSegment(n.Beams[0])
		b := s.Calibration.CouplerSegment(n.Beams[1])
		pa, pb := at(a), at(b)
		ga, gb := s.Coupling(a, pa), s.Coupling(b, pb)
		dp := (pa.Piston - s.Optima[a].Piston) - (pb.Piston - s.Optima[b].Piston)
		phase := 2 * math.Pi * dp / s.Wavelength
		out[n.Channel-1] += s.Peak / 4 * (ga + gb - 2*math.Sqrt(ga*gb)*math.Cos(phase))
	}
	return out
}

// Render fills f with the current view of the mirror.  It has the
// signature of camera.Sim's Render.
func (s *Scene) Render(f *camera.Frame) error {
	if f.Rows != s.ROIs.Geometry.Rows || f.Cols != s.ROIs.Geometry.Cols {
		return roi.ErrGeometry
	}
	fluxes := s.Fluxes(s.Mirror.Snapshot())
	for i := range f.Data {
		f.Data[i] = s.Background
	}
	for i, r := range s.ROIs.Channels {
		for row := r.Row; row < r.Row+r.Height; row++ {
			for col := r.Col; col < r.Col+r.Width; col++ {
				f.Set(row, col, fluxes[i])
			}
		}
	}
	if s.Noise > 0 {
		s.mu.Lock()
		for i := range f.Data {
			f.Data[i] += s.Noise * s.rng.NormFloat64()
		}
		s.mu.Unlock()
	}
	return nil
}

// Source returns a camera source rendering the scene
func (s *Scene) Source() camera.Sim {
	return camera.Sim{Rows: s.ROIs.Geometry.Rows, Cols: s.ROIs.Geometry.Cols, Render: s.Render}
}
