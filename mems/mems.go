/*Package mems provides control of segmented MEMS deformable mirrors.

A Mirror is the device backend, either real hardware reached through a driver
bridge (Remote) or an in-memory simulation (Mock).  A Port wraps a Mirror and
is the only thing the rest of the program talks to: it never panics, it
bounds every call with a timeout, and it reports every failure as an *Error
carrying the Kind of operation that failed.

The device may clamp or lag behind commanded values, so the position of a
segment is only ever known from a read-back; callers follow every Move with
a Read of the same segments.
*/
package mems

import (
	"errors"
	"fmt"
	"time"

	"github.com/glint-instrument/glintlab/segment"
)

var (
	// ErrTimeout is generated when the mirror does not answer within the port timeout
	ErrTimeout = errors.New("mirror did not respond in time")

	// ErrReleased is generated when a released mirror is used
	ErrReleased = errors.New("mirror has been released")
)

// Mirror describes the backend of a segmented deformable mirror
type Mirror interface {
	// Segments returns the number of segments on the mirror
	Segments() int

	// SetPositions commands segments ids to positions pos and sends the command to the mirror
	SetPositions(ids []int, pos []segment.Position) error

	// GetPositions reads the achieved position of segments ids
	GetPositions(ids []int) ([]segment.Position, error)

	// Flatten applies the flat calibration to every segment
	Flatten() error

	// Release terminates the connection with the mirror
	Release() error
}

// Kind identifies the operation that produced an Error
type Kind int

const (
	// KindConnection is a failure to connect to the mirror driver
	KindConnection Kind = iota + 1
	// KindSend is a failure sending positions
	KindSend
	// KindRead is a failure reading positions back
	KindRead
	// KindRelease is a failure terminating the connection
	KindRelease
	// KindFlatten is a failure flattening the mirror
	KindFlatten
)

// Code returns the short code shown in the status history, M1..M5
func (k Kind) Code() string {
	switch k {
	case KindConnection:
		return "M1"
	case KindFlatten:
		return "M2"
	case KindRead:
		return "M3"
	case KindRelease:
		return "M4"
	case KindSend:
		return "M5"
	}
	return "M?"
}

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "MEMS connection error"
	case KindSend:
		return "Error sending positions"
	case KindRead:
		return "Error reading position"
	case KindRelease:
		return "Mirror not released"
	case KindFlatten:
		return "Flattening failed"
	}
	return "unknown mirror error"
}

// Error is an error raised by a mirror operation
type Error struct {
	Kind     Kind
	Segments []int
	Err      error
}

func (e *Error) Error() string {
	if len(e.Segments) > 0 {
		return fmt.Sprintf("Err %s: %s (segments %v): %v", e.Kind.Code(), e.Kind, e.Segments, e.Err)
	}
	return fmt.Sprintf("Err %s: %s: %v", e.Kind.Code(), e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a mirror error, or zero if err is not one
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}

// Port is the fault-capturing boundary around a Mirror
type Port struct {
	mirror  Mirror
	timeout time.Duration
}

// NewPort wraps a mirror; a zero timeout waits forever
func NewPort(m Mirror, timeout time.Duration) *Port {
	return &Port{mirror: m, timeout: timeout}
}

// Segments returns the number of segments of the underlying mirror
func (p *Port) Segments() int {
	return p.mirror.Segments()
}

// Move commands segments ids to targets.  Follow it with Read.
func (p *Port) Move(ids []int, targets []segment.Position) error {
	if len(ids) != len(targets) {
		return &Error{Kind: KindSend, Segments: ids, Err: fmt.Errorf("%d segments but %d positions", len(ids), len(targets))}
	}
	ids = append([]int(nil), ids...)
	targets = append([]segment.Position(nil), targets...)
	return p.call(KindSend, ids, func() error {
		return p.mirror.SetPositions(ids, targets)
	})
}

// Read returns the achieved positions of segments ids.
// On failure the positions are zero and must not be trusted.
func (p *Port) Read(ids []int) ([]segment.Position, error) {
	ids = append([]int(nil), ids...)
	var got []segment.Position
	err := p.call(KindRead, ids, func() error {
		pos, err := p.mirror.GetPositions(ids)
		if err == nil && len(pos) != len(ids) {
			err = fmt.Errorf("asked for %d segments, got %d", len(ids), len(pos))
		}
		got = pos
		return err
	})
	if err != nil {
		return make([]segment.Position, len(ids)), err
	}
	return got, nil
}

// Flatten applies the flat calibration.  Follow it with Read.
func (p *Port) Flatten() error {
	return p.call(KindFlatten, nil, p.mirror.Flatten)
}

// Release terminates the connection with the mirror
func (p *Port) Release() error {
	return p.call(KindRelease, nil, p.mirror.Release)
}

// call runs fn with panic capture and the port timeout.  A call that
// times out is abandoned; its goroutine finishes in the background.
func (p *Port) call(kind Kind, ids []int, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("driver panic: %v", r)
			}
		}()
		done <- fn()
	}()
	var expired <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case err := <-done:
		if err != nil {
			return &Error{Kind: kind, Segments: ids, Err: err}
		}
		return nil
	case <-expired:
		return &Error{Kind: kind, Segments: ids, Err: ErrTimeout}
	}
}
