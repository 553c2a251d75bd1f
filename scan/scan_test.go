package scan_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glint-instrument/glintlab/bench"
	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/imgrec"
	"github.com/glint-instrument/glintlab/mems"
	"github.com/glint-instrument/glintlab/positions"
	"github.com/glint-instrument/glintlab/roi"
	"github.com/glint-instrument/glintlab/scan"
	"github.com/glint-instrument/glintlab/segment"
	"github.com/glint-instrument/glintlab/server/middleware/locker"
	"github.com/glint-instrument/glintlab/status"
	"github.com/glint-instrument/glintlab/util"
	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
)

var lim = segment.Limits{Min: -2.5, Max: 2.5}

const (
	nullPhase = 0.3
	nullAmp   = 2
	nullBias  = 5
)

var nullFreq = 2 * math.Pi / 1.6

// rig is a four segment bench whose 1x2 detector sees segment 2 on channel 1
// and segment 3 on channel 2
type rig struct {
	mock  *mems.Mock
	bench *bench.Bench
	ctrl  *scan.Controller
	root  string

	// render replaces the default scene when not nil
	render func(m segment.Matrix, f *camera.Frame)
}

func gauss(tip, tilt, t0, t1 float64) float64 {
	return 100 * math.Exp(-((tip-t0)*(tip-t0)+(tilt-t1)*(tilt-t1))/2)
}

// scene couples segment 2 best at (0.7, -0.4) and segment 3 at (-1.2, 0.9)
func scene(m segment.Matrix, f *camera.Frame) {
	s2, s3 := m[1], m[2]
	f.Set(0, 0, gauss(s2.Tip, s2.Tilt, 0.7, -0.4)+nullAmp*math.Sin(nullFreq*s2.Piston+nullPhase)+nullBias)
	f.Set(0, 1, gauss(s3.Tip, s3.Tilt, -1.2, 0.9))
}

func newRig(t *testing.T) *rig {
	r := &rig{root: t.TempDir()}
	r.mock = mems.NewMock(4, lim)
	src := camera.Sim{Rows: 1, Cols: 2, Render: func(f *camera.Frame) error {
		m := r.mock.Snapshot()
		if r.render != nil {
			r.render(m, f)
			return nil
		}
		scene(m, f)
		return nil
	}}
	r.bench = &bench.Bench{
		Mirror: mems.NewPort(r.mock, time.Second),
		Camera: camera.NewPort(src, 5*time.Second),
		Store:  positions.New(4, lim),
		ROIs: roi.Table{
			Geometry: roi.Geometry{Rows: 1, Cols: 2},
			Channels: []roi.Rect{{Col: 0, Row: 0, Width: 1, Height: 1}, {Col: 1, Row: 0, Width: 1, Height: 1}},
		},
		Status:  status.New(500),
		Average: 1,
	}
	s := scan.DefaultSettings()
	s.Settle = 0
	s.Calibration = scan.Calibration{
		TipTilt:        []scan.TipTiltTarget{{Segment: 2, Channel: 1}, {Segment: 3, Channel: 2}},
		Couplers:       []scan.Coupler{{Selector: 1, Segment: 2}, {Selector: 2, Segment: 3}},
		DefaultSegment: 2,
		Nulls:          []scan.NullChannel{{ID: 1, Channel: 1, Beams: [2]int{1, 2}}},
	}
	r.ctrl = scan.NewController(r.bench, imgrec.New(r.root), s)
	return r
}

func (r *rig) files(t *testing.T) []string {
	t.Helper()
	fns, err := filepath.Glob(filepath.Join(r.root, "*", "*.fits"))
	if err != nil {
		t.Fatal(err)
	}
	return fns
}

func TestFitSinusoidRecoversParameters(t *testing.T) {
	x := util.Arange(-2.5, 2.5, 0.5)
	truth := scan.Sinusoid{A: nullAmp, F: nullFreq, Phi: nullPhase, B: nullBias}
	y := truth.Eval(x)
	got, err := scan.FitSinusoid(x, y, scan.InitialGuess(y, 1.6))
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		name      string
		got, want float64
	}{
		{"amplitude", got.A, truth.A},
		{"frequency", got.F, truth.F},
		{"phase", got.Phi, truth.Phi},
		{"offset", got.B, truth.B},
	} {
		if math.Abs(c.got-c.want) > 1e-6 {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestFitSinusoidNoisyCurve(t *testing.T) {
	x := util.Arange(-2.5, 2.5, 0.25)
	truth := scan.Sinusoid{A: nullAmp, F: nullFreq, Phi: nullPhase, B: nullBias}
	y := truth.Eval(x)
	for i := range y {
		if i%2 == 0 {
			y[i] += 0.01
		} else {
			y[i] -= 0.01
		}
	}
	got, err := scan.FitSinusoid(x, y, scan.InitialGuess(y, 1.6))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.A-truth.A) > 0.05 || math.Abs(got.F-truth.F) > 0.05 ||
		math.Abs(got.Phi-truth.Phi) > 0.05 || math.Abs(got.B-truth.B) > 0.05 {
		t.Errorf("got %+v, want near %+v", got, truth)
	}
}

func TestFitSinusoidNonFinite(t *testing.T) {
	x := util.Arange(0, 2, 0.5)
	y := []float64{1, 2, math.NaN(), 2, 1}
	_, err := scan.FitSinusoid(x, y, scan.Sinusoid{A: 1, F: 1})
	var fe *scan.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a FitError, got %v", err)
	}
}

func TestFitSinusoidTooFewPoints(t *testing.T) {
	_, err := scan.FitSinusoid([]float64{0, 1, 2}, []float64{1, 2, 1}, scan.Sinusoid{A: 1, F: 1})
	var fe *scan.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a FitError, got %v", err)
	}
}

func TestBicubicReproducesSamples(t *testing.T) {
	rows := []float64{-1, 0, 1}
	cols := []float64{-1, 0, 1, 2}
	z := [][]float64{{1, 2, 3, 4}, {2, 4, 6, 8}, {3, 6, 9, 12}}
	got, err := scan.Bicubic(rows, cols, z, rows, cols)
	if err != nil {
		t.Fatal(err)
	}
	for i := range z {
		for j := range z[i] {
			if math.Abs(got[i][j]-z[i][j]) > 1e-12 {
				t.Errorf("(%d,%d): got %v, want %v", i, j, got[i][j], z[i][j])
			}
		}
	}
}

func TestArgMaxFirstInRowMajorOrder(t *testing.T) {
	z := [][]float64{{0, 1, 3}, {3, 2, 3}}
	if i, j := scan.ArgMax(z); i != 0 || j != 2 {
		t.Errorf("got (%d,%d), want (0,2)", i, j)
	}
}

func TestTipTiltScanIsDeterministic(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	first, err := r.ctrl.RunTipTilt(ctx, scan.TipTiltRequest{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.ctrl.RunTipTilt(ctx, scan.TipTiltRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.TipTilt) != 2 {
		t.Fatalf("expected two optimized segments, got %+v", first.TipTilt)
	}
	for i := range first.TipTilt {
		a, b := first.TipTilt[i], second.TipTilt[i]
		if a.Tip != b.Tip || a.Tilt != b.Tilt {
			t.Errorf("segment %d: optimum moved from (%v,%v) to (%v,%v)", a.Segment, a.Tip, a.Tilt, b.Tip, b.Tilt)
		}
	}
	want := map[int][2]float64{2: {0.7, -0.4}, 3: {-1.2, 0.9}}
	for _, o := range second.TipTilt {
		w := want[o.Segment]
		if math.Abs(o.Tip-w[0]) > 0.15 || math.Abs(o.Tilt-w[1]) > 0.15 {
			t.Errorf("segment %d: optimum (%v,%v), want near %v", o.Segment, o.Tip, o.Tilt, w)
		}
		p, _ := r.bench.Store.Segment(o.Segment)
		if diff := cmp.Diff(segment.Position{Tip: o.Tip, Tilt: o.Tilt}, p); diff != "" {
			t.Errorf("segment %d not commanded to its optimum (-want +got):\n%s", o.Segment, diff)
		}
	}
	if n := len(r.files(t)); n != 4 {
		t.Errorf("expected 4 result files, got %d", n)
	}
	if r.ctrl.State() != scan.Idle {
		t.Errorf("controller left in state %v", r.ctrl.State())
	}
}

func TestNullScanCommandsFittedMinimum(t *testing.T) {
	r := newRig(t)
	if _, err := r.bench.SetSegment(2, segment.Position{Piston: 1, Tip: 0.5, Tilt: -0.25}); err != nil {
		t.Fatal(err)
	}
	loops := 2
	res, err := r.ctrl.RunNull(context.Background(), scan.NullRequest{Null: 1, Coupler: 1, Loops: &loops})
	if err != nil {
		t.Fatal(err)
	}
	n := res.Null
	if n == nil {
		t.Fatal("no null result")
	}
	if math.Abs(n.Fit.A-nullAmp) > 1e-6 || math.Abs(n.Fit.Phi-nullPhase) > 1e-6 {
		t.Errorf("fit did not recover the sinusoid: %+v", n.Fit)
	}
	if math.Abs(n.Fit.At(n.Best)-(n.Fit.B-n.Fit.A)) > 1e-3 {
		t.Errorf("best piston %v is not at a minimum of %+v", n.Best, n.Fit)
	}
	p, _ := r.bench.Store.Segment(2)
	if diff := cmp.Diff(segment.Position{Piston: n.Best, Tip: 0.5, Tilt: -0.25}, p); diff != "" {
		t.Errorf("segment 2 (-want +got):\n%s", diff)
	}

	fns := r.files(t)
	if len(fns) != 2 {
		t.Fatalf("expected curve and frame files, got %v", fns)
	}
	var cube string
	for _, fn := range fns {
		base := filepath.Base(fn)
		if !strings.HasPrefix(base, "null1_3atm0.00_") {
			t.Errorf("unexpected file name %s", base)
		}
		if strings.Contains(base, "_fullIms_") {
			cube = fn
		}
	}
	if cube == "" {
		t.Fatal("no frame cube written")
	}
	layers, err := camera.ReadFitsFile(cube)
	if err != nil {
		t.Fatal(err)
	}
	frames, ok := camera.Find(layers, "FRAMES")
	if !ok {
		t.Fatal("no FRAMES layer")
	}
	if diff := cmp.Diff([]int{2, 11, 1, 2}, frames.Shape); diff != "" {
		t.Errorf("frame cube shape (-want +got):\n%s", diff)
	}
	if _, ok := camera.Find(layers, "DARK"); !ok {
		t.Error("no DARK layer")
	}
}

func TestNullScanFitFailureCommitsNothing(t *testing.T) {
	r := newRig(t)
	sweep := scan.Sweep{Begin: 0, End: 1, Step: 0.5}
	_, err := r.ctrl.RunNull(context.Background(), scan.NullRequest{Null: 1, Coupler: 1, Sweep: &sweep})
	var fe *scan.FitError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a FitError, got %v", err)
	}
	last, _ := r.ctrl.Last()
	if last.Outcome != "failed" || last.Null != nil {
		t.Errorf("unexpected result %+v", last)
	}
	p, _ := r.bench.Store.Segment(2)
	if p.Piston != 1 {
		t.Errorf("expected segment 2 left at the last commanded piston 1, got %v", p.Piston)
	}
	if fns := r.files(t); len(fns) != 0 {
		t.Errorf("failed fit wrote %v", fns)
	}
}

func TestAbortRestoresSnapshot(t *testing.T) {
	for _, proto := range []scan.Protocol{scan.TipTilt, scan.Null} {
		t.Run(string(proto), func(t *testing.T) {
			r := newRig(t)
			before := segment.Matrix{
				{Piston: 0.3, Tip: 0.1, Tilt: 0.2},
				{Piston: 1, Tip: 1, Tilt: 1},
				{Piston: 0.5},
				{Tilt: -2.5},
			}
			if _, err := r.bench.ApplyMatrix(before); err != nil {
				t.Fatal(err)
			}
			var (
				once  sync.Once
				calls int
			)
			r.render = func(m segment.Matrix, f *camera.Frame) {
				calls++
				if calls == 3 {
					once.Do(func() { r.ctrl.Abort() })
				}
			}
			var err error
			if proto == scan.TipTilt {
				_, err = r.ctrl.RunTipTilt(context.Background(), scan.TipTiltRequest{})
			} else {
				_, err = r.ctrl.RunNull(context.Background(), scan.NullRequest{Null: 1, Coupler: 1})
			}
			if !errors.Is(err, scan.ErrAborted) {
				t.Fatalf("expected ErrAborted, got %v", err)
			}
			want := before.Clone()
			want[1] = segment.Position{}
			if diff := cmp.Diff(want, r.bench.Store.Get()); diff != "" {
				t.Errorf("store (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want, r.mock.Snapshot()); diff != "" {
				t.Errorf("mirror (-want +got):\n%s", diff)
			}
			if fns := r.files(t); len(fns) != 0 {
				t.Errorf("aborted scan wrote %v", fns)
			}
			if calls != 3 {
				t.Errorf("expected the scan to stop after the in-flight step, took %d frames", calls)
			}
		})
	}
}

func TestAbortDuringLaterSegmentKeepsCommitted(t *testing.T) {
	r := newRig(t)
	before := segment.Matrix{
		{Piston: 0.3, Tip: 0.1, Tilt: 0.2},
		{Piston: 1, Tip: 1, Tilt: 1},
		{Piston: 0.5, Tip: -1},
		{Tilt: -2.5},
	}
	if _, err := r.bench.ApplyMatrix(before); err != nil {
		t.Fatal(err)
	}
	// the default sweep is 11x11 frames per segment
	const perSegment = 121
	var (
		once   sync.Once
		calls  int
		states []scan.State
	)
	r.render = func(m segment.Matrix, f *camera.Frame) {
		scene(m, f)
		calls++
		states = append(states, r.ctrl.State())
		if calls == perSegment+5 {
			once.Do(func() { r.ctrl.Abort() })
		}
	}
	_, err := r.ctrl.RunTipTilt(context.Background(), scan.TipTiltRequest{})
	if !errors.Is(err, scan.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	last, _ := r.ctrl.Last()
	if last.Outcome != scan.OutcomeAborted || len(last.TipTilt) != 1 {
		t.Fatalf("unexpected result %+v", last)
	}
	opt := last.TipTilt[0]
	if opt.Segment != 2 {
		t.Fatalf("committed segment %d, want 2", opt.Segment)
	}
	want := before.Clone()
	want[1] = segment.Position{Tip: opt.Tip, Tilt: opt.Tilt}
	want[2] = segment.Position{}
	if diff := cmp.Diff(want, r.bench.Store.Get()); diff != "" {
		t.Errorf("store (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, r.mock.Snapshot()); diff != "" {
		t.Errorf("mirror (-want +got):\n%s", diff)
	}
	if fns := r.files(t); len(fns) != 1 || !strings.Contains(filepath.Base(fns[0]), "tt_map_seg2") {
		t.Errorf("expected only the map of segment 2, got %v", fns)
	}
	if calls != perSegment+5 {
		t.Errorf("expected the scan to stop after the in-flight step, took %d frames", calls)
	}
	for i, st := range states {
		if i < perSegment+4 && st != scan.Running {
			t.Errorf("frame %d taken in state %v", i+1, st)
			break
		}
	}
}

func TestInterlockReleasedOnlyIfAcquired(t *testing.T) {
	for _, held := range []bool{false, true} {
		r := newRig(t)
		l := locker.New()
		r.ctrl.Interlock = l
		if held {
			l.Lock()
		}
		var during []bool
		r.render = func(m segment.Matrix, f *camera.Frame) {
			scene(m, f)
			during = append(during, l.Locked())
		}
		sweep := scan.Sweep{Begin: 0, End: 1, Step: 0.5}
		if _, err := r.ctrl.RunTipTilt(context.Background(), scan.TipTiltRequest{Tip: &sweep, Tilt: &sweep, Segments: []int{2}}); err != nil {
			t.Fatal(err)
		}
		for i, v := range during {
			if !v {
				t.Errorf("held=%v: frame %d taken unlocked", held, i+1)
				break
			}
		}
		if l.Locked() != held {
			t.Errorf("held=%v: lock is %v after the scan", held, l.Locked())
		}
	}
}

func TestSecondScanIsBusy(t *testing.T) {
	r := newRig(t)
	gate := make(chan struct{})
	r.render = func(m segment.Matrix, f *camera.Frame) {
		<-gate
	}
	if err := r.ctrl.StartNull(scan.NullRequest{Null: 1, Coupler: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.StartTipTilt(scan.TipTiltRequest{}); !errors.Is(err, scan.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	r.ctrl.Abort()
	close(gate)
	if _, err := r.ctrl.Wait(context.Background()); !errors.Is(err, scan.ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestTipTiltRequestKeepsCalibratedOrder(t *testing.T) {
	s := scan.DefaultSettings()
	p, err := s.TipTilt(scan.TipTiltRequest{Segments: []int{24, 29}})
	if err != nil {
		t.Fatal(err)
	}
	want := []scan.TipTiltTarget{{Segment: 29, Channel: 16}, {Segment: 24, Channel: 1}}
	if diff := cmp.Diff(want, p.Targets); diff != "" {
		t.Errorf("targets (-want +got):\n%s", diff)
	}
	if _, err = s.TipTilt(scan.TipTiltRequest{Segments: []int{7}}); !errors.Is(err, scan.ErrParams) {
		t.Errorf("expected ErrParams for an uncalibrated segment, got %v", err)
	}
}

func TestNullRequestResolvesSegments(t *testing.T) {
	s := scan.DefaultSettings()
	cases := []struct {
		null, coupler, seg, ref, channel int
	}{
		{1, 1, 29, 35, 12},
		{1, 2, 35, 29, 12},
		{4, 3, 26, 24, 7},
		{6, 9, 29, 24, 9},
	}
	for _, c := range cases {
		p, err := s.Null(scan.NullRequest{Null: c.null, Coupler: c.coupler})
		if err != nil {
			t.Fatal(err)
		}
		if p.Segment != c.seg || p.RefSegment != c.ref || p.Null.Channel != c.channel {
			t.Errorf("null %d coupler %d: got segment %d ref %d channel %d", c.null, c.coupler, p.Segment, p.RefSegment, p.Null.Channel)
		}
	}
	s.NullSweep = scan.Sweep{Begin: -1, End: 1, Step: 0.25}
	p, err := s.Null(scan.NullRequest{Null: 1, Coupler: 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.NullSweep, p.Sweep); diff != "" {
		t.Errorf("null sweep (-want +got):\n%s", diff)
	}
	if _, err := s.Null(scan.NullRequest{Null: 7}); !errors.Is(err, scan.ErrParams) {
		t.Errorf("expected ErrParams for an unknown null, got %v", err)
	}
}

func TestHTTP(t *testing.T) {
	r := newRig(t)
	mux := chi.NewRouter()
	scan.NewHTTPWrapper(r.ctrl).RT().Bind(mux)

	for _, c := range []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/scan/last", "", http.StatusNotFound},
		{http.MethodPost, "/scan/null/abort", "", http.StatusConflict},
		{http.MethodPost, "/scan/null", "{", http.StatusBadRequest},
		{http.MethodPost, "/scan/null", `{"null": 9}`, http.StatusBadRequest},
	} {
		req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != c.code {
			t.Errorf("%s %s %s: got %d, want %d", c.method, c.path, c.body, w.Code, c.code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/scan/state", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if body := strings.TrimSpace(w.Body.String()); body != `{"str":"idle"}` {
		t.Errorf("state: got %s", body)
	}
}
