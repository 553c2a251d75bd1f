package scan

import (
	"errors"
	"fmt"
	"time"

	"github.com/glint-instrument/glintlab/util"
)

// ErrParams is returned when a scan request cannot be resolved
var ErrParams = errors.New("invalid scan parameters")

// TipTiltTarget binds a segment to the channel its flux is read from
type TipTiltTarget struct {
	Segment int `json:"segment" yaml:"Segment" koanf:"Segment"`
	Channel int `json:"channel" yaml:"Channel" koanf:"Channel"`
}

// Coupler maps the coupler selector shown to the operator to the segment
// that is pistoned
type Coupler struct {
	Selector int `json:"selector" yaml:"Selector" koanf:"Selector"`
	Segment  int `json:"segment" yaml:"Segment" koanf:"Segment"`
}

// NullChannel is one null output: the channel it is read on and the two
// couplers whose beams interfere there
type NullChannel struct {
	ID      int    `json:"id" yaml:"ID" koanf:"ID"`
	Channel int    `json:"channel" yaml:"Channel" koanf:"Channel"`
	Beams   [2]int `json:"beams" yaml:"Beams" koanf:"Beams"`
}

// Calibration is the fixed wiring of the instrument
type Calibration struct {
	// TipTilt is the ordered list of segments a tip/tilt scan visits
	TipTilt []TipTiltTarget `json:"tipTilt" yaml:"TipTilt" koanf:"TipTilt"`

	Couplers []Coupler `json:"couplers" yaml:"Couplers" koanf:"Couplers"`

	// DefaultSegment is pistoned when the coupler selector is unknown
	DefaultSegment int `json:"defaultSegment" yaml:"DefaultSegment" koanf:"DefaultSegment"`

	Nulls []NullChannel `json:"nulls" yaml:"Nulls" koanf:"Nulls"`
}

// DefaultCalibration is the wiring of the four-beam photonic chip
func DefaultCalibration() Calibration {
	return Calibration{
		TipTilt: []TipTiltTarget{
			{Segment: 29, Channel: 16},
			{Segment: 35, Channel: 14},
			{Segment: 26, Channel: 3},
			{Segment: 24, Channel: 1},
		},
		Couplers: []Coupler{
			{Selector: 1, Segment: 29},
			{Selector: 2, Segment: 35},
			{Selector: 3, Segment: 26},
			{Selector: 4, Segment: 24},
		},
		DefaultSegment: 29,
		Nulls: []NullChannel{
			{ID: 1, Channel: 12, Beams: [2]int{1, 2}},
			{ID: 2, Channel: 4, Beams: [2]int{2, 3}},
			{ID: 3, Channel: 2, Beams: [2]int{1, 4}},
			{ID: 4, Channel: 7, Beams: [2]int{3, 4}},
			{ID: 5, Channel: 6, Beams: [2]int{3, 1}},
			{ID: 6, Channel: 9, Beams: [2]int{4, 2}},
		},
	}
}

// CouplerSegment returns the segment behind a coupler selector, or the
// default segment
func (c Calibration) CouplerSegment(selector int) int {
	for _, cp := range c.Couplers {
		if cp.Selector == selector {
			return cp.Segment
		}
	}
	return c.DefaultSegment
}

// Null returns the null channel with the given id
func (c Calibration) Null(id int) (NullChannel, error) {
	for _, n := range c.Nulls {
		if n.ID == id {
			return n, nil
		}
	}
	return NullChannel{}, fmt.Errorf("%w: unknown null %d", ErrParams, id)
}

// RefSegment is the segment of the other beam of the null: the second beam
// when the first one is being scanned, the first beam otherwise.  It only
// names the result files.
func (c Calibration) RefSegment(n NullChannel, selector int) int {
	if selector == n.Beams[0] {
		return c.CouplerSegment(n.Beams[1])
	}
	return c.CouplerSegment(n.Beams[0])
}

// Sweep is an inclusive range of commanded values
type Sweep struct {
	Begin float64 `json:"begin" yaml:"Begin" koanf:"Begin"`
	End   float64 `json:"end" yaml:"End" koanf:"End"`
	Step  float64 `json:"step" yaml:"Step" koanf:"Step"`
}

// Points returns Begin, Begin+Step, ... End
func (s Sweep) Points() []float64 {
	return util.Arange(s.Begin, s.End, s.Step)
}

func (s Sweep) validate(name string) error {
	if s.Step <= 0 {
		return fmt.Errorf("%w: %s step must be positive, got %g", ErrParams, name, s.Step)
	}
	if s.End < s.Begin {
		return fmt.Errorf("%w: %s end %g is before begin %g", ErrParams, name, s.End, s.Begin)
	}
	return nil
}

// Settings are the defaults every scan request starts from
type Settings struct {
	// Settle is the wait after each move, in seconds
	Settle float64 `json:"settle" yaml:"Settle" koanf:"Settle"`

	Loops int `json:"loops" yaml:"Loops" koanf:"Loops"`

	Tip  Sweep `json:"tip" yaml:"Tip" koanf:"Tip"`
	Tilt Sweep `json:"tilt" yaml:"Tilt" koanf:"Tilt"`

	// Interpolation is how much denser the interpolated tip/tilt map is
	Interpolation int `json:"interpolation" yaml:"Interpolation" koanf:"Interpolation"`

	// FlattenFirst flattens the whole mirror before a tip/tilt scan
	FlattenFirst bool `json:"flattenFirst" yaml:"FlattenFirst" koanf:"FlattenFirst"`

	// NullSweep is the piston sweep of a null scan
	NullSweep Sweep `json:"null" yaml:"Null" koanf:"Null"`

	// Density is how much denser the grid the null fit is evaluated on is
	Density int `json:"density" yaml:"Density" koanf:"Density"`

	// Wavelength in microns seeds the frequency of the null fit
	Wavelength float64 `json:"wavelength" yaml:"Wavelength" koanf:"Wavelength"`

	Calibration Calibration `json:"calibration" yaml:"Calibration" koanf:"Calibration"`
}

// DefaultSettings returns the settings of the instrument
func DefaultSettings() Settings {
	return Settings{
		Settle:        0.1,
		Loops:         1,
		Tip:           Sweep{Begin: -2.5, End: 2.5, Step: 0.5},
		Tilt:          Sweep{Begin: -2.5, End: 2.5, Step: 0.5},
		Interpolation: 10,
		FlattenFirst:  true,
		NullSweep:     Sweep{Begin: -2.5, End: 2.5, Step: 0.5},
		Density:       100,
		Wavelength:    1.6,
		Calibration:   DefaultCalibration(),
	}
}

// TipTiltRequest overrides the settings for one tip/tilt scan.  Nil fields
// keep the defaults.
type TipTiltRequest struct {
	Settle       *float64 `json:"settle,omitempty"`
	Loops        *int     `json:"loops,omitempty"`
	Tip          *Sweep   `json:"tip,omitempty"`
	Tilt         *Sweep   `json:"tilt,omitempty"`
	FlattenFirst *bool    `json:"flattenFirst,omitempty"`

	// Segments restricts the scan to these calibrated segments, in the
	// calibrated order.  Empty scans them all.
	Segments []int `json:"segments,omitempty"`
}

// NullRequest overrides the settings for one null scan
type NullRequest struct {
	// Null selects the null output to minimize
	Null int `json:"null"`

	// Coupler selects the segment to piston
	Coupler int `json:"coupler"`

	Settle     *float64 `json:"settle,omitempty"`
	Loops      *int     `json:"loops,omitempty"`
	Sweep      *Sweep   `json:"sweep,omitempty"`
	Wavelength *float64 `json:"wavelength,omitempty"`
}

// TipTiltParams is a resolved tip/tilt job
type TipTiltParams struct {
	Targets       []TipTiltTarget
	Tip, Tilt     Sweep
	Loops         int
	Settle        time.Duration
	Interpolation int
	FlattenFirst  bool
}

// NullParams is a resolved null job
type NullParams struct {
	Null       NullChannel
	Coupler    int
	Segment    int
	RefSegment int
	Sweep      Sweep
	Loops      int
	Settle     time.Duration
	Density    int
	Wavelength float64
}

func resolveCommon(settle *float64, loops *int, s Settings) (time.Duration, int, error) {
	sec, n := s.Settle, s.Loops
	if settle != nil {
		sec = *settle
	}
	if loops != nil {
		n = *loops
	}
	if sec < 0 {
		return 0, 0, fmt.Errorf("%w: negative settle time %g", ErrParams, sec)
	}
	if n < 1 {
		return 0, 0, fmt.Errorf("%w: need at least one loop, got %d", ErrParams, n)
	}
	return util.SecsToDuration(sec), n, nil
}

// TipTilt resolves a tip/tilt request against the settings
func (s Settings) TipTilt(req TipTiltRequest) (TipTiltParams, error) {
	var p TipTiltParams
	settle, loops, err := resolveCommon(req.Settle, req.Loops, s)
	if err != nil {
		return p, err
	}
	p = TipTiltParams{
		Tip:           s.Tip,
		Tilt:          s.Tilt,
		Loops:         loops,
		Settle:        settle,
		Interpolation: s.Interpolation,
		FlattenFirst:  s.FlattenFirst,
	}
	if req.Tip != nil {
		p.Tip = *req.Tip
	}
	if req.Tilt != nil {
		p.Tilt = *req.Tilt
	}
	if req.FlattenFirst != nil {
		p.FlattenFirst = *req.FlattenFirst
	}
	if p.Interpolation < 1 {
		p.Interpolation = 1
	}
	if err = p.Tip.validate("tip"); err != nil {
		return p, err
	}
	if err = p.Tilt.validate("tilt"); err != nil {
		return p, err
	}
	if len(req.Segments) == 0 {
		p.Targets = append(p.Targets, s.Calibration.TipTilt...)
	} else {
		want := map[int]bool{}
		for _, id := range req.Segments {
			want[id] = true
		}
		for _, t := range s.Calibration.TipTilt {
			if want[t.Segment] {
				p.Targets = append(p.Targets, t)
				delete(want, t.Segment)
			}
		}
		if len(want) != 0 {
			return p, fmt.Errorf("%w: segments %v have no tip/tilt calibration", ErrParams, req.Segments)
		}
	}
	if len(p.Targets) == 0 {
		return p, fmt.Errorf("%w: no segments to scan", ErrParams)
	}
	return p, nil
}

// Null resolves a null request against the settings
func (s Settings) Null(req NullRequest) (NullParams, error) {
	var p NullParams
	settle, loops, err := resolveCommon(req.Settle, req.Loops, s)
	if err != nil {
		return p, err
	}
	nc, err := s.Calibration.Null(req.Null)
	if err != nil {
		return p, err
	}
	p = NullParams{
		Null:       nc,
		Coupler:    req.Coupler,
		Segment:    s.Calibration.CouplerSegment(req.Coupler),
		RefSegment: s.Calibration.RefSegment(nc, req.Coupler),
		Sweep:      s.NullSweep,
		Loops:      loops,
		Settle:     settle,
		Density:    s.Density,
		Wavelength: s.Wavelength,
	}
	if req.Sweep != nil {
		p.Sweep = *req.Sweep
	}
	if req.Wavelength != nil {
		p.Wavelength = *req.Wavelength
	}
	if p.Density < 1 {
		p.Density = 1
	}
	if p.Wavelength <= 0 {
		return p, fmt.Errorf("%w: wavelength must be positive, got %g", ErrParams, p.Wavelength)
	}
	return p, p.Sweep.validate("null")
}
