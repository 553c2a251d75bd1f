package sim_test

import (
	"math"
	"testing"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/roi"
	"github.com/glint-instrument/glintlab/scan"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/glint-instrument/glintlab/sim"
)

func scene() (*sim.Scene, *mems.Mock) {
	m := mems.NewMock(37, segment.Limits{Min: -2.5, Max: 2.5})
	return sim.NewScene(m, roi.DefaultTable(), scan.DefaultCalibration()), m
}

func TestCouplingPeaksAtOptimum(t *testing.T) {
	s, _ := scene()
	o := s.Optima[29]
	if c := s.Coupling(29, o); c != 1 {
		t.Errorf("coupling at the optimum: got %v, want 1", c)
	}
	off := o
	off.Tip += 0.5
	if c := s.Coupling(29, off); c >= 1 {
		t.Errorf("coupling off the optimum: got %v", c)
	}
}

func TestNullIsDarkWhenPistonsMatch(t *testing.T) {
	s, _ := scene()
	m := segment.NewMatrix(37)
	for id, o := range s.Optima {
		m[id-1] = o
	}
	fl := s.Fluxes(m)
	// null 1 is read on channel 12 and mixes the beams of segments 29 and 35
	if d := fl[11] - s.Background; math.Abs(d) > 1e-9 {
		t.Errorf("null flux at matched pistons: got %v above background", d)
	}
	m[28].Piston += s.Wavelength / 2
	if d := s.Fluxes(m)[11] - s.Background; math.Abs(d-s.Peak) > 1e-9 {
		t.Errorf("null flux half a wave off: got %v, want %v", d, s.Peak)
	}
	// segment 29 couples into channel 16
	if d := fl[15] - s.Background; math.Abs(d-s.Peak) > 1e-9 {
		t.Errorf("photometric flux at the optimum: got %v, want %v", d, s.Peak)
	}
}

func TestRenderFillsChannels(t *testing.T) {
	s, m := scene()
	opt := segment.Matrix{s.Optima[29]}
	if err := m.SetPositions([]int{29}, opt); err != nil {
		t.Fatal(err)
	}
	src := s.Source()
	f, err := src.Read()
	if err != nil {
		t.Fatal(err)
	}
	flux, err := s.ROIs.Extract(f, 16)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(flux-(s.Peak+s.Background)) > 1e-9 {
		t.Errorf("channel 16: got %v", flux)
	}
	if err := s.Render(camera.NewFrame(2, 2)); err == nil {
		t.Error("expected a geometry error for a frame of the wrong size")
	}
}
