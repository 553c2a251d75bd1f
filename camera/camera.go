/*Package camera provides the detector side of the bench.

A Source produces raw frames; FitsPoller re-reads a FITS file written by the
acquisition software and Sim renders synthetic frames.  Port wraps a Source
with a bounded wait, frame averaging, saturation detection and a dark
reference which may be accumulated, aborted and toggled.
*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAcquisition is generated when the frame source cannot be read.
	// It is transient; the next acquisition may succeed.
	ErrAcquisition = errors.New("frame acquisition failed")

	// ErrTimeout is generated when the source does not produce a frame in time
	ErrTimeout = errors.New("frame acquisition timed out")

	// ErrAborted is generated when a dark accumulation is cancelled
	ErrAborted = errors.New("dark accumulation aborted")

	// ErrShape is generated when frames of different size are combined
	ErrShape = errors.New("frame dimensions do not match")
)

// SaturationLevel is the raw count at and above which a pixel is saturated
const SaturationLevel = 1 << 14

// Frame is a 2D image stored row-major
type Frame struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// NewFrame returns a zero frame of the given size
func NewFrame(rows, cols int) *Frame {
	return &Frame{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the pixel at row r, column c
func (f *Frame) At(r, c int) float64 {
	return f.Data[r*f.Cols+c]
}

// Set sets the pixel at row r, column c
func (f *Frame) Set(r, c int, v float64) {
	f.Data[r*f.Cols+c] = v
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	out := &Frame{Rows: f.Rows, Cols: f.Cols, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// SameShape returns true if f and o have the same dimensions
func (f *Frame) SameShape(o *Frame) bool {
	return f.Rows == o.Rows && f.Cols == o.Cols
}

// Saturated returns true if any pixel is at or above level
func (f *Frame) Saturated(level float64) bool {
	for _, v := range f.Data {
		if v >= level {
			return true
		}
	}
	return false
}

// Add adds o to f in place
func (f *Frame) Add(o *Frame) error {
	if !f.SameShape(o) {
		return ErrShape
	}
	for i, v := range o.Data {
		f.Data[i] += v
	}
	return nil
}

// Sub subtracts o from f in place
func (f *Frame) Sub(o *Frame) error {
	if !f.SameShape(o) {
		return ErrShape
	}
	for i, v := range o.Data {
		f.Data[i] -= v
	}
	return nil
}

// Scale multiplies every pixel by s
func (f *Frame) Scale(s float64) {
	for i := range f.Data {
		f.Data[i] *= s
	}
}

// Source produces raw frames
type Source interface {
	// Read returns the most recent frame
	Read() (*Frame, error)
}

// Exposure is an averaged, possibly dark-subtracted frame
type Exposure struct {
	*Frame

	// Saturated is true if any raw frame that went into the average saturated
	Saturated bool `json:"saturated"`
}

// Port is the only access path to a Source
type Port struct {
	src     Source
	timeout time.Duration

	// SaturationLevel is compared against raw frames
	SaturationLevel float64

	// serializes reads from the source
	acq sync.Mutex

	mu          sync.Mutex
	dark        *Frame
	darkEnabled bool
}

// NewPort wraps a source; a zero timeout waits forever
func NewPort(src Source, timeout time.Duration) *Port {
	return &Port{src: src, timeout: timeout, SaturationLevel: SaturationLevel}
}

// Acquire reads one raw frame
func (p *Port) Acquire(ctx context.Context) (*Frame, error) {
	type result struct {
		f   *Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		p.acq.Lock()
		defer p.acq.Unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: source panic: %v", ErrAcquisition, r)}
			}
		}()
		f, err := p.src.Read()
		if err != nil && !errors.Is(err, ErrAcquisition) {
			err = fmt.Errorf("%w: %v", ErrAcquisition, err)
		}
		done <- result{f, err}
	}()
	var expired <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-done:
		return r.f, r.err
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquireAveraged averages n raw frames and subtracts the dark reference
// when it is enabled and matches in size
func (p *Port) AcquireAveraged(ctx context.Context, n int) (Exposure, error) {
	if n < 1 {
		n = 1
	}
	var (
		sum *Frame
		sat bool
	)
	for i := 0; i < n; i++ {
		f, err := p.Acquire(ctx)
		if err != nil {
			return Exposure{}, err
		}
		if f.Saturated(p.SaturationLevel) {
			sat = true
		}
		if sum == nil {
			sum = f.Clone()
			continue
		}
		if err := sum.Add(f); err != nil {
			return Exposure{}, fmt.Errorf("%w: %v", ErrAcquisition, err)
		}
	}
	sum.Scale(1 / float64(n))
	p.mu.Lock()
	dark, enabled := p.dark, p.darkEnabled
	p.mu.Unlock()
	if enabled && dark != nil && dark.SameShape(sum) {
		sum.Sub(dark)
	}
	return Exposure{Frame: sum, Saturated: sat}, nil
}

// AccumulateDark averages n frames taken interval apart and installs the
// result as the dark reference.  If ctx is cancelled or an acquisition
// fails, the previous dark reference is kept.  onProgress, if not nil, is
// called after every frame with the number of frames taken so far.
func (p *Port) AccumulateDark(ctx context.Context, n int, interval time.Duration, onProgress func(done, total int)) (*Frame, error) {
	if n < 1 {
		return nil, fmt.Errorf("dark needs at least one frame, got %d", n)
	}
	var sum *Frame
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		f, err := p.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrAborted
			}
			return nil, err
		}
		if sum == nil {
			sum = f.Clone()
		} else if err := sum.Add(f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
		}
		if onProgress != nil {
			onProgress(i+1, n)
		}
		if i < n-1 && interval > 0 {
			select {
			case <-ctx.Done():
				return nil, ErrAborted
			case <-time.After(interval):
			}
		}
	}
	sum.Scale(1 / float64(n))
	p.SetDark(sum)
	return sum.Clone(), nil
}

// Dark returns a copy of the dark reference, or nil if none has been taken
func (p *Port) Dark() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dark == nil {
		return nil
	}
	return p.dark.Clone()
}

// SetDark installs a dark reference
func (p *Port) SetDark(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == nil {
		p.dark = nil
		return
	}
	p.dark = f.Clone()
}

// SetDarkEnabled turns dark subtraction on or off
func (p *Port) SetDarkEnabled(b bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.darkEnabled = b
}

// DarkEnabled returns true if dark subtraction is on
func (p *Port) DarkEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.darkEnabled
}
