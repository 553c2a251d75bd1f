/*Package scan runs the closed-loop alignment scans of the mirror.

A tip/tilt scan rasters each calibrated segment over a tip x tilt grid and
commands the maximum of the interpolated coupled flux.  A null scan sweeps
the piston of one segment and commands the minimum of a sinusoid fitted to
the flux at a null output.  One scan runs at a time; an abort is noticed
between steps, never during one.
*/
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glint-instrument/glintlab/bench"
	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/imgrec"
	"github.com/glint-instrument/glintlab/segment"
)

var (
	// ErrBusy is returned when a scan is started while another one runs
	ErrBusy = errors.New("a scan is already running")

	// ErrAborted is the outcome of a scan stopped by Abort
	ErrAborted = errors.New("scan aborted")
)

// Outcomes of a finished scan
const (
	OutcomeDone    = "done"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
)

// State is the state of the controller
type State int

const (
	// Idle means no scan is running
	Idle State = iota

	// Running means the sweep is in progress and can be aborted
	Running

	// Completing means the sweep of a segment is done and its result is
	// being fitted, commanded and saved.  Abort is refused until the next
	// segment starts.
	Completing

	// Aborting means an abort was requested and the scan is unwinding
	Aborting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completing:
		return "completing"
	case Aborting:
		return "aborting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Protocol names a kind of scan
type Protocol string

const (
	// TipTilt is the coupling optimization
	TipTilt Protocol = "tiptilt"

	// Null is the piston optimization at a null output
	Null Protocol = "null"
)

// Interlock keeps manual moves out while a scan runs
type Interlock interface {
	// TryLock takes the lock if it is free and reports whether it did
	TryLock() bool
	Unlock()
}

// Display is the live display, which must not touch the bench while a
// scan runs
type Display interface {
	// Suspend stops the display and reports if it was running
	Suspend() bool

	// Resume restarts it
	Resume()
}

// TipTiltOptimum is the outcome for one segment of a tip/tilt scan
type TipTiltOptimum struct {
	Segment int     `json:"segment"`
	Channel int     `json:"channel"`
	Tip     float64 `json:"tip"`
	Tilt    float64 `json:"tilt"`
	Flux    float64 `json:"flux"`
	File    string  `json:"file,omitempty"`
}

// NullResult is the outcome of a null scan
type NullResult struct {
	Null       int       `json:"null"`
	Segment    int       `json:"segment"`
	RefSegment int       `json:"refSegment"`
	X          []float64 `json:"x"`
	Y          []float64 `json:"y"`
	Fit        Sinusoid  `json:"fit"`
	Best       float64   `json:"best"`
	BestFlux   float64   `json:"bestFlux"`
	File       string    `json:"file,omitempty"`
	FramesFile string    `json:"framesFile,omitempty"`
}

// Result is what the last scan did
type Result struct {
	Protocol Protocol         `json:"protocol"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Outcome  string           `json:"outcome"`
	Error    string           `json:"error,omitempty"`
	TipTilt  []TipTiltOptimum `json:"tipTilt,omitempty"`
	Null     *NullResult      `json:"null,omitempty"`
}

// Controller owns the bench for the duration of a scan
type Controller struct {
	Bench    *bench.Bench
	Recorder *imgrec.Recorder
	Settings Settings

	// Display, if not nil, is suspended while a scan runs
	Display Display

	// Interlock, if not nil, is held while a scan runs; the HTTP server
	// refuses manual moves while it is held.  A lock already held when the
	// scan starts is left held when it ends.
	Interlock Interlock

	mu      sync.Mutex
	state   State
	proto   Protocol
	abort   bool
	done    chan struct{}
	last    *Result
	lastErr error
}

// NewController returns an idle controller
func NewController(b *bench.Bench, rec *imgrec.Recorder, s Settings) *Controller {
	return &Controller{Bench: b, Recorder: rec, Settings: s}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the result of the last finished scan
func (c *Controller) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Abort requests the running scan to stop after its current step.  It
// returns false if there was no sweep to abort.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return false
	}
	c.abort = true
	c.state = Aborting
	return true
}

// AbortProtocol aborts the running scan only if it is of protocol p
func (c *Controller) AbortProtocol(p Protocol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.proto != p {
		return false
	}
	c.abort = true
	c.state = Aborting
	return true
}

// Wait blocks until the current scan, if any, finishes and returns its
// result.  If ctx ends first, its error is returned.
func (c *Controller) Wait(ctx context.Context) (Result, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, nil
	}
	return *c.last, c.lastErr
}

// StartTipTilt starts a tip/tilt scan in the background
func (c *Controller) StartTipTilt(req TipTiltRequest) error {
	p, err := c.Settings.TipTilt(req)
	if err != nil {
		return err
	}
	for _, t := range p.Targets {
		if err = c.check(t.Segment, t.Channel); err != nil {
			return err
		}
	}
	return c.start(TipTilt, func(j *job) error { return c.tipTilt(j, p) })
}

// StartNull starts a null scan in the background
func (c *Controller) StartNull(req NullRequest) error {
	p, err := c.Settings.Null(req)
	if err != nil {
		return err
	}
	if err = c.check(p.Segment, p.Null.Channel); err != nil {
		return err
	}
	return c.start(Null, func(j *job) error { return c.null(j, p) })
}

// RunTipTilt runs a tip/tilt scan and waits for it.  Cancelling ctx aborts
// the scan.
func (c *Controller) RunTipTilt(ctx context.Context, req TipTiltRequest) (Result, error) {
	if err := c.StartTipTilt(req); err != nil {
		return Result{}, err
	}
	return c.follow(ctx)
}

// RunNull runs a null scan and waits for it.  Cancelling ctx aborts the
// scan.
func (c *Controller) RunNull(ctx context.Context, req NullRequest) (Result, error) {
	if err := c.StartNull(req); err != nil {
		return Result{}, err
	}
	return c.follow(ctx)
}

func (c *Controller) follow(ctx context.Context) (Result, error) {
	res, err := c.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.Abort()
		return c.Wait(context.Background())
	}
	return res, err
}

func (c *Controller) check(id, channel int) error {
	if err := segment.Check(id, c.Bench.Segments()); err != nil {
		return fmt.Errorf("%w: %v", ErrParams, err)
	}
	if _, err := c.Bench.ROIs.Rect(channel); err != nil {
		return fmt.Errorf("%w: %v", ErrParams, err)
	}
	return nil
}

func (c *Controller) start(proto Protocol, run func(*job) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrBusy
	}
	c.state = Running
	c.proto = proto
	c.abort = false
	c.done = make(chan struct{})
	go c.execute(proto, run, c.done)
	return nil
}

func (c *Controller) execute(proto Protocol, run func(*job) error, done chan struct{}) {
	defer close(done)
	b := c.Bench
	resume := false
	if c.Display != nil {
		resume = c.Display.Suspend()
	}
	locked := c.Interlock != nil && c.Interlock.TryLock()
	b.Metrics.ScanStarted()

	j := &job{
		c:         c,
		snapshot:  b.Store.Get(),
		committed: map[int]bool{},
		res:       &Result{Protocol: proto, Started: c.now()},
	}
	err := run(j)
	outcome := OutcomeDone
	switch {
	case errors.Is(err, ErrAborted):
		outcome = OutcomeAborted
		j.restore()
	case err != nil:
		outcome = OutcomeFailed
	}
	j.res.Finished = c.now()
	j.res.Outcome = outcome
	if err != nil {
		j.res.Error = err.Error()
	}
	b.Metrics.ScanFinished(string(proto), outcome, j.res.Finished.Sub(j.res.Started))

	if locked {
		c.Interlock.Unlock()
	}
	if resume {
		c.Display.Resume()
	}
	c.mu.Lock()
	c.state = Idle
	c.abort = false
	c.last = j.res
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) now() time.Time {
	if c.Recorder != nil && c.Recorder.Now != nil {
		return c.Recorder.Now()
	}
	return time.Now()
}

// job is the transient state of one scan
type job struct {
	c *Controller

	// snapshot is the whole mirror when the scan started
	snapshot segment.Matrix

	// active is the segment being swept, 0 between segments
	active int

	// committed segments keep their new position on abort
	committed map[int]bool

	res *Result
}

func (j *job) aborted() bool {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	return j.c.abort
}

// complete moves from Running to Completing.  It reports false if an abort
// got there first.
func (j *job) complete() bool {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	if j.c.abort {
		return false
	}
	j.c.state = Completing
	return true
}

// resume moves from Completing back to Running before the next segment of
// a multi-segment scan
func (j *job) resume() {
	j.c.mu.Lock()
	defer j.c.mu.Unlock()
	if j.c.state == Completing {
		j.c.state = Running
	}
}

// step moves one segment, waits and measures one channel.  Faults are
// reported and the returned values kept, so a glitch costs one noisy point
// instead of the scan.
func (j *job) step(id int, target segment.Position, settle time.Duration, channel int) (segment.Position, float64, camera.Exposure) {
	b := j.c.Bench
	var got segment.Position
	pos, _ := b.Apply([]int{id}, []segment.Position{target})
	if len(pos) == 1 {
		got = pos[0]
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	flux, exp, err := b.Measure(context.Background(), channel)
	if err != nil {
		b.Status.Error(err.Error())
	}
	return got, flux, exp
}

// restore puts every segment this job did not commit back where it was
// and zeroes the segment that was being swept
func (j *job) restore() {
	b := j.c.Bench
	m := b.Store.Get()
	for i := range m {
		id := i + 1
		switch {
		case id == j.active:
			m[i] = segment.Position{}
		case !j.committed[id] && i < len(j.snapshot):
			m[i] = j.snapshot[i]
		}
	}
	if _, err := b.ApplyMatrix(m); err != nil {
		b.Status.Errorf("restoring mirror after abort: %v", err)
	}
}
