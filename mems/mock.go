package mems

import (
	"sync"
	"time"

	"github.com/glint-instrument/glintlab/segment"
)

// Mock is an in-memory mirror.  Like the hardware, it clamps commanded
// values to its stroke, so the read-back may differ from the command.
type Mock struct {
	sync.Mutex
	pos      segment.Matrix
	flat     segment.Matrix
	limits   segment.Limits
	released bool

	// Latency is slept on every call
	Latency time.Duration

	// Faults, when not nil, are consulted before every operation.  A non-nil
	// return fails the operation without touching the mirror.
	Faults func(k Kind, ids []int) error
}

// NewMock returns a flat mock mirror with n segments and the given stroke
func NewMock(n int, limits segment.Limits) *Mock {
	return &Mock{
		pos:    segment.NewMatrix(n),
		flat:   segment.NewMatrix(n),
		limits: limits,
	}
}

// SetFlat replaces the flat calibration applied by Flatten
func (m *Mock) SetFlat(flat segment.Matrix) {
	m.Lock()
	defer m.Unlock()
	m.flat = flat.Clone()
}

// Snapshot returns the current mirror shape without going through a Port
func (m *Mock) Snapshot() segment.Matrix {
	m.Lock()
	defer m.Unlock()
	return m.pos.Clone()
}

func (m *Mock) enter(k Kind, ids []int) error {
	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}
	if m.released {
		return ErrReleased
	}
	if m.Faults != nil {
		return m.Faults(k, ids)
	}
	return nil
}

// Segments returns the number of segments on the mirror
func (m *Mock) Segments() int {
	return len(m.pos)
}

// SetPositions moves segments, clamping to the stroke of the mirror
func (m *Mock) SetPositions(ids []int, pos []segment.Position) error {
	m.Lock()
	defer m.Unlock()
	if err := m.enter(KindSend, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := segment.Check(id, len(m.pos)); err != nil {
			return err
		}
	}
	for i, id := range ids {
		m.pos[id-1] = m.limits.Clamp(pos[i])
	}
	return nil
}

// GetPositions reads segment positions
func (m *Mock) GetPositions(ids []int) ([]segment.Position, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.enter(KindRead, ids); err != nil {
		return nil, err
	}
	out := make([]segment.Position, len(ids))
	for i, id := range ids {
		p, err := m.pos.At(id)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Flatten applies the flat calibration
func (m *Mock) Flatten() error {
	m.Lock()
	defer m.Unlock()
	if err := m.enter(KindFlatten, nil); err != nil {
		return err
	}
	copy(m.pos, m.flat)
	return nil
}

// Release marks the mirror released; further calls fail
func (m *Mock) Release() error {
	m.Lock()
	defer m.Unlock()
	if err := m.enter(KindRelease, nil); err != nil {
		return err
	}
	m.released = true
	return nil
}
