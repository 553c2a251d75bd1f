/*Package segment describes the position model of a segmented deformable mirror.

Each segment is addressed by a 1-based id and carries three degrees of
freedom: piston (µm), tip (mrad) and tilt (mrad).  A Matrix holds the
position of every segment, ordered by id.
*/
package segment

import (
	"errors"
	"fmt"

	"github.com/glint-instrument/glintlab/util"
)

// ErrBadSegment is generated when a segment id is outside [1,N]
var ErrBadSegment = errors.New("segment id out of range")

// Axis is one of the three degrees of freedom of a segment
type Axis int

const (
	// Piston is the axial displacement in µm
	Piston Axis = iota
	// Tip is the rotation about the first in-plane axis in mrad
	Tip
	// Tilt is the rotation about the second in-plane axis in mrad
	Tilt
)

func (a Axis) String() string {
	switch a {
	case Piston:
		return "piston"
	case Tip:
		return "tip"
	case Tilt:
		return "tilt"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis converts "piston", "tip" or "tilt" to an Axis
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "piston", "p":
		return Piston, nil
	case "tip", "x":
		return Tip, nil
	case "tilt", "y":
		return Tilt, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Position is the (piston, tip, tilt) triple of one segment
type Position struct {
	Piston float64 `json:"piston"`
	Tip    float64 `json:"tip"`
	Tilt   float64 `json:"tilt"`
}

// Get returns the value along one axis
func (p Position) Get(a Axis) float64 {
	switch a {
	case Tip:
		return p.Tip
	case Tilt:
		return p.Tilt
	default:
		return p.Piston
	}
}

// With returns a copy of p with one axis replaced
func (p Position) With(a Axis, v float64) Position {
	switch a {
	case Tip:
		p.Tip = v
	case Tilt:
		p.Tilt = v
	default:
		p.Piston = v
	}
	return p
}

// Array returns the position as [piston, tip, tilt]
func (p Position) Array() [3]float64 {
	return [3]float64{p.Piston, p.Tip, p.Tilt}
}

// Limits is the symmetric stroke of the mirror, applied to every coordinate
type Limits struct {
	Min float64 `json:"min" yaml:"Min" koanf:"Min"`
	Max float64 `json:"max" yaml:"Max" koanf:"Max"`
}

// Clamp returns p with every coordinate forced into [Min,Max].  It never fails.
func (l Limits) Clamp(p Position) Position {
	lim := util.Limiter{Min: l.Min, Max: l.Max}
	return Position{
		Piston: lim.Clamp(p.Piston),
		Tip:    lim.Clamp(p.Tip),
		Tilt:   lim.Clamp(p.Tilt),
	}
}

// Contains returns true if every coordinate of p is within the limits
func (l Limits) Contains(p Position) bool {
	lim := util.Limiter{Min: l.Min, Max: l.Max}
	return lim.Check(p.Piston) && lim.Check(p.Tip) && lim.Check(p.Tilt)
}

// Matrix is the position of every segment, index id-1
type Matrix []Position

// NewMatrix returns a zero matrix for n segments
func NewMatrix(n int) Matrix {
	return make(Matrix, n)
}

// Len is the number of segments
func (m Matrix) Len() int {
	return len(m)
}

// Clone returns a deep copy of the matrix
func (m Matrix) Clone() Matrix {
	out := make(Matrix, len(m))
	copy(out, m)
	return out
}

// At returns the position of segment id
func (m Matrix) At(id int) (Position, error) {
	if err := Check(id, len(m)); err != nil {
		return Position{}, err
	}
	return m[id-1], nil
}

// Put sets the position of segment id
func (m Matrix) Put(id int, p Position) error {
	if err := Check(id, len(m)); err != nil {
		return err
	}
	m[id-1] = p
	return nil
}

// Clamp applies the limits to every segment in place
func (m Matrix) Clamp(l Limits) {
	for i := range m {
		m[i] = l.Clamp(m[i])
	}
}

// Rows returns the matrix as N rows of [piston, tip, tilt], flattened row-major
func (m Matrix) Rows() []float64 {
	out := make([]float64, 0, 3*len(m))
	for _, p := range m {
		out = append(out, p.Piston, p.Tip, p.Tilt)
	}
	return out
}

// FromRows is the inverse of Rows
func FromRows(data []float64) (Matrix, error) {
	if len(data)%3 != 0 {
		return nil, fmt.Errorf("segment: %d values is not a multiple of 3", len(data))
	}
	m := make(Matrix, len(data)/3)
	for i := range m {
		m[i] = Position{Piston: data[3*i], Tip: data[3*i+1], Tilt: data[3*i+2]}
	}
	return m, nil
}

// Check returns ErrBadSegment if id is not in [1,n]
func Check(id, n int) error {
	if id < 1 || id > n {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrBadSegment, id, n)
	}
	return nil
}

// All returns the ids 1..n
func All(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// Select expands a segment selector: 0 means every segment, otherwise the single id
func Select(id, n int) ([]int, error) {
	if id == 0 {
		return All(n), nil
	}
	if err := Check(id, n); err != nil {
		return nil, err
	}
	return []int{id}, nil
}
