/*Package live refreshes the operator's view of the detector.

A Display measures every channel at a fixed rate, keeps the spectrum of a
reference channel and a rolling history of its flux.  It shares the bench
with manual control and scans; a scan suspends it for its duration.
*/
package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/glint-instrument/glintlab/bench"
	"golang.org/x/time/rate"
)

// ErrRate is returned for a refresh rate that is not positive
var ErrRate = errors.New("refresh rate must be positive")

// Snapshot is the result of one refresh
type Snapshot struct {
	Time       time.Time `json:"time"`
	Fluxes     []float64 `json:"fluxes"`
	Saturated  bool      `json:"saturated"`
	RefChannel int       `json:"refChannel"`

	// Profile is the spectrum of the reference channel, empty when no valid
	// reference channel is selected
	Profile []float64 `json:"profile,omitempty"`

	// History is the flux of the reference channel, oldest first
	History []float64 `json:"history"`
}

// Display is the timer-driven refresh loop
type Display struct {
	Bench *bench.Bench

	mu      sync.Mutex
	fps     float64
	ref     int
	history []float64
	alarm   bool
	last    *Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped display refreshing at fps, keeping width points of
// history for channel ref
func New(b *bench.Bench, fps float64, width, ref int) *Display {
	if width < 1 {
		width = 1
	}
	return &Display{Bench: b, fps: fps, ref: ref, history: make([]float64, width)}
}

// FPS returns the refresh rate
func (d *Display) FPS() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fps
}

// SetFPS changes the refresh rate, restarting a running display
func (d *Display) SetFPS(fps float64) error {
	if fps <= 0 {
		return ErrRate
	}
	d.mu.Lock()
	d.fps = fps
	d.mu.Unlock()
	if d.Suspend() {
		return d.Start()
	}
	return nil
}

// RefChannel returns the reference channel
func (d *Display) RefChannel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ref
}

// SetRefChannel selects the reference channel.  An invalid channel is
// accepted and raises an alarm at the next refresh.
func (d *Display) SetRefChannel(ch int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ref = ch
}

// Width returns the length of the history
func (d *Display) Width() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// SetWidth changes the length of the history, clearing it
func (d *Display) SetWidth(w int) error {
	if w < 1 {
		return fmt.Errorf("history width must be at least 1, got %d", w)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if w != len(d.history) {
		d.history = make([]float64, w)
	}
	return nil
}

// Last returns the latest snapshot
func (d *Display) Last() (Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Snapshot{}, false
	}
	return *d.last, true
}

// Running reports if the refresh loop is active
func (d *Display) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Start begins refreshing.  Starting a running display does nothing.
func (d *Display) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	if d.fps <= 0 {
		return ErrRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	lim := rate.NewLimiter(rate.Limit(d.fps), 1)
	go d.run(ctx, lim, d.done)
	d.Bench.Status.Addf("Refresh rate = %g Hz", d.fps)
	return nil
}

// Stop ends refreshing and waits for the in-flight refresh to finish
func (d *Display) Stop() {
	d.Suspend()
}

// Suspend stops the display and reports if it was running
func (d *Display) Suspend() bool {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// Resume restarts a suspended display
func (d *Display) Resume() {
	if err := d.Start(); err != nil {
		log.Printf("live: resuming display: %v", err)
	}
}

func (d *Display) run(ctx context.Context, lim *rate.Limiter, done chan struct{}) {
	defer close(done)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if _, err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
			// transient; the next tick tries again
			log.Printf("live: %v", err)
		}
	}
}

// Refresh measures every channel once and updates the snapshot
func (d *Display) Refresh(ctx context.Context) (Snapshot, error) {
	b := d.Bench
	fluxes, exp, err := b.MeasureAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Time:      time.Now(),
		Fluxes:    fluxes,
		Saturated: exp.Saturated,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	snap.RefChannel = d.ref
	if d.ref >= 1 && d.ref <= len(fluxes) {
		if d.alarm {
			b.Status.Add("Ref WG OK")
			d.alarm = false
		}
		snap.Profile, err = b.ROIs.Profile(exp.Frame, d.ref)
		if err != nil {
			return Snapshot{}, err
		}
		copy(d.history, d.history[1:])
		d.history[len(d.history)-1] = fluxes[d.ref-1]
	} else if !d.alarm {
		b.Status.Error("No WG selected")
		d.alarm = true
	}
	snap.History = append([]float64(nil), d.history...)
	d.last = &snap
	return snap, nil
}
