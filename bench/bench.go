/*Package bench ties the mirror, the detector and the position store together.

Every change of the mirror goes through Apply, which clamps the targets,
moves, and always reads the same segments back; only a successful read-back
reaches the store.  Every measurement goes through Measure.  Both hold the
bench lock, so manual control, the live display and a running scan never
interleave half-finished operations.
*/
package bench

import (
	"context"
	"errors"
	"sync"

	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/metrics"
	"github.com/glint-instrument/glintlab/positions"
	"github.com/glint-instrument/glintlab/roi"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/glint-instrument/glintlab/status"
)

// Bench is the mutual-exclusion unit around the instrument
type Bench struct {
	sync.Mutex

	Mirror  *mems.Port
	Camera  *camera.Port
	Store   *positions.Store
	ROIs    roi.Table
	Status  *status.Log
	Metrics *metrics.Collector

	// Average is the number of frames averaged per measurement
	Average int
}

// Limits returns the stroke commanded values are clamped to
func (b *Bench) Limits() segment.Limits {
	return b.Store.Limits()
}

// Segments returns the number of mirror segments
func (b *Bench) Segments() int {
	return b.Store.Len()
}

// Apply moves segments ids to targets and reads them back.  The returned
// positions are the read-back values, zero if the read failed.
func (b *Bench) Apply(ids []int, targets []segment.Position) ([]segment.Position, error) {
	b.Lock()
	defer b.Unlock()
	return b.apply(ids, targets)
}

func (b *Bench) apply(ids []int, targets []segment.Position) ([]segment.Position, error) {
	lim := b.Limits()
	clamped := make([]segment.Position, len(targets))
	for i, t := range targets {
		clamped[i] = lim.Clamp(t)
	}
	moveErr := b.fault(b.Mirror.Move(ids, clamped))
	got, readErr := b.Mirror.Read(ids)
	if readErr != nil {
		b.fault(readErr)
		return got, firstErr(moveErr, readErr)
	}
	if err := b.Store.Commit(ids, got); err != nil {
		return got, err
	}
	return got, moveErr
}

// Step adds delta to one axis of segment id, or of every segment when id is 0
func (b *Bench) Step(id int, axis segment.Axis, delta float64) ([]segment.Position, error) {
	b.Lock()
	defer b.Unlock()
	ids, err := segment.Select(id, b.Segments())
	if err != nil {
		return nil, err
	}
	cur := b.Store.Get()
	targets := make([]segment.Position, len(ids))
	for i, sid := range ids {
		p := cur[sid-1]
		targets[i] = p.With(axis, p.Get(axis)+delta)
	}
	return b.apply(ids, targets)
}

// SetSegment moves segment id, or every segment when id is 0, to p
func (b *Bench) SetSegment(id int, p segment.Position) ([]segment.Position, error) {
	b.Lock()
	defer b.Unlock()
	ids, err := segment.Select(id, b.Segments())
	if err != nil {
		return nil, err
	}
	targets := make([]segment.Position, len(ids))
	for i := range targets {
		targets[i] = p
	}
	return b.apply(ids, targets)
}

// ApplyMatrix moves every segment to m, as when restoring a preset
func (b *Bench) ApplyMatrix(m segment.Matrix) (segment.Matrix, error) {
	b.Lock()
	defer b.Unlock()
	if len(m) != b.Segments() {
		return nil, errors.New("matrix does not have one row per segment")
	}
	got, err := b.apply(segment.All(len(m)), m)
	return segment.Matrix(got), err
}

// Release hands the mirror back to its driver.  The store keeps the last
// positions read.
func (b *Bench) Release() error {
	b.Lock()
	defer b.Unlock()
	return b.fault(b.Mirror.Release())
}

// Flatten flattens the mirror and reads every segment back
func (b *Bench) Flatten() (segment.Matrix, error) {
	b.Lock()
	defer b.Unlock()
	flatErr := b.fault(b.Mirror.Flatten())
	ids := segment.All(b.Segments())
	got, readErr := b.Mirror.Read(ids)
	if readErr != nil {
		b.fault(readErr)
		return segment.Matrix(got), firstErr(flatErr, readErr)
	}
	if err := b.Store.Commit(ids, got); err != nil {
		return nil, err
	}
	return segment.Matrix(got), flatErr
}

// Expose takes one averaged exposure
func (b *Bench) Expose(ctx context.Context) (camera.Exposure, error) {
	b.Lock()
	defer b.Unlock()
	return b.expose(ctx)
}

func (b *Bench) expose(ctx context.Context) (camera.Exposure, error) {
	exp, err := b.Camera.AcquireAveraged(ctx, b.Average)
	switch {
	case err == nil:
		b.Metrics.Acquisition("ok")
		if exp.Saturated {
			b.Metrics.Saturated()
		}
	case errors.Is(err, camera.ErrTimeout):
		b.Metrics.Acquisition("timeout")
	default:
		b.Metrics.Acquisition("error")
	}
	return exp, err
}

// Measure takes one exposure and extracts the flux of channel
func (b *Bench) Measure(ctx context.Context, channel int) (float64, camera.Exposure, error) {
	b.Lock()
	defer b.Unlock()
	exp, err := b.expose(ctx)
	if err != nil {
		return 0, exp, err
	}
	flux, err := b.ROIs.Extract(exp.Frame, channel)
	return flux, exp, err
}

// MeasureAll takes one exposure and extracts the flux of every channel
func (b *Bench) MeasureAll(ctx context.Context) ([]float64, camera.Exposure, error) {
	b.Lock()
	defer b.Unlock()
	exp, err := b.expose(ctx)
	if err != nil {
		return nil, exp, err
	}
	fluxes, err := b.ROIs.ExtractAll(exp.Frame)
	return fluxes, exp, err
}

// fault reports a mirror error to the status history and metrics
func (b *Bench) fault(err error) error {
	if err == nil {
		return nil
	}
	if k := mems.KindOf(err); k != 0 {
		b.Metrics.MirrorFault(k.Code())
	}
	b.Status.Error(err.Error())
	return err
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
