package scan

import (
	"fmt"
	"math"

	"github.com/astrogo/fitsio"
	"github.com/glint-instrument/glintlab/camera"
	"github.com/glint-instrument/glintlab/imgrec"
	"github.com/glint-instrument/glintlab/segment"
	"gonum.org/v1/gonum/floats"
)

func (c *Controller) tipTilt(j *job, p TipTiltParams) error {
	b := c.Bench
	if p.FlattenFirst {
		// faults are already reported by the bench
		b.Flatten()
	}
	tips, tilts := p.Tip.Points(), p.Tilt.Points()
	for n, t := range p.Targets {
		if j.aborted() {
			b.Status.Error("Scanning TT aborted")
			return ErrAborted
		}
		j.active = t.Segment
		maps := make([][][]float64, 0, p.Loops)
		for k := 0; k < p.Loops; k++ {
			b.Status.Addf("Scanning TT seg %d %d/%d", t.Segment, k+1, p.Loops)
			m := make([][]float64, len(tips))
			for ix, tip := range tips {
				m[ix] = make([]float64, len(tilts))
				for iy, tilt := range tilts {
					if j.aborted() {
						b.Status.Error("Scanning TT aborted")
						return ErrAborted
					}
					_, flux, _ := j.step(t.Segment, segment.Position{Tip: tip, Tilt: tilt}, p.Settle, t.Channel)
					m[ix][iy] = flux
				}
			}
			maps = append(maps, m)
		}
		if !j.complete() {
			b.Status.Error("Scanning TT aborted")
			return ErrAborted
		}
		b.Status.Addf("Scanning TT seg %d done", t.Segment)

		surface := meanSurface(maps)
		fineTip := Refine(tips[0], tips[len(tips)-1], p.Tip.Step, p.Interpolation)
		fineTilt := Refine(tilts[0], tilts[len(tilts)-1], p.Tilt.Step, p.Interpolation)
		dense, err := Bicubic(tips, tilts, surface, fineTip, fineTilt)
		if err != nil {
			err = fmt.Errorf("interpolating tip/tilt map of segment %d: %w", t.Segment, err)
			b.Status.Error(err.Error())
			return err
		}
		ix, iy := ArgMax(dense)
		opt := TipTiltOptimum{
			Segment: t.Segment,
			Channel: t.Channel,
			Tip:     fineTip[ix],
			Tilt:    fineTilt[iy],
			Flux:    dense[ix][iy],
		}
		b.Apply([]int{t.Segment}, []segment.Position{{Tip: opt.Tip, Tilt: opt.Tilt}})
		j.committed[t.Segment] = true
		j.active = 0
		b.Status.Addf("TT max seg %d at (%.2f, %.2f)", t.Segment, opt.Tip, opt.Tilt)

		layers := []camera.Layer{
			{
				Name:  "MAP",
				Shape: []int{len(fineTip), len(fineTilt)},
				Data:  flatten(dense),
				Cards: []fitsio.Card{
					{Name: "SEGMENT", Value: t.Segment, Comment: "scanned segment"},
					{Name: "CHANNEL", Value: t.Channel, Comment: "channel the flux is read on"},
					{Name: "LOOPS", Value: p.Loops},
					{Name: "TIPOPT", Value: opt.Tip, Comment: "[mrad] optimum tip"},
					{Name: "TILTOPT", Value: opt.Tilt, Comment: "[mrad] optimum tilt"},
					{Name: "FLUXOPT", Value: opt.Flux, Comment: "interpolated flux at the optimum"},
				},
			},
			vector("TIP", fineTip),
			vector("TILT", fineTilt),
			{Name: "SCAN", Shape: []int{len(tips), len(tilts)}, Data: flatten(surface)},
		}
		stamp := imgrec.Stamp(c.now())
		opt.File = c.save(fmt.Sprintf("tt_map_seg%d", t.Segment), stamp, layers)
		j.res.TipTilt = append(j.res.TipTilt, opt)
		if n < len(p.Targets)-1 {
			j.resume()
		}
	}
	return nil
}

func (c *Controller) null(j *job, p NullParams) error {
	b := c.Bench
	seg := p.Segment
	hold := j.snapshot[seg-1]
	j.active = seg
	xs := p.Sweep.Points()
	geom := b.ROIs.Geometry

	var (
		fluxes  = make([][]float64, 0, p.Loops)
		pistons = make([][]float64, 0, p.Loops)
		frames  = make([]float64, 0, p.Loops*len(xs)*geom.Rows*geom.Cols)
	)
	for k := 0; k < p.Loops; k++ {
		b.Status.Addf("Scan N%d (Seg %d) %d/%d", p.Null.ID, seg, k+1, p.Loops)
		fl := make([]float64, len(xs))
		ps := make([]float64, len(xs))
		for i, x := range xs {
			if j.aborted() {
				b.Status.Error("Scanning Null aborted")
				return ErrAborted
			}
			got, flux, exp := j.step(seg, segment.Position{Piston: x, Tip: hold.Tip, Tilt: hold.Tilt}, p.Settle, p.Null.Channel)
			ps[i], fl[i] = got.Piston, flux
			frames = append(frames, frameData(exp.Frame, geom.Rows, geom.Cols)...)
		}
		fluxes = append(fluxes, fl)
		pistons = append(pistons, ps)
	}
	if !j.complete() {
		b.Status.Error("Scanning Null aborted")
		return ErrAborted
	}
	b.Status.Addf("Scan N%d (Seg %d) done", p.Null.ID, seg)

	x, y := meanOf(pistons), meanOf(fluxes)
	fit, err := FitSinusoid(x, y, InitialGuess(y, p.Wavelength))
	if err != nil {
		b.Status.Error(err.Error())
		return err
	}
	grid := Refine(xs[0], xs[len(xs)-1], p.Sweep.Step, p.Density)
	curve := fit.Eval(grid)
	i := floats.MinIdx(curve)
	res := &NullResult{
		Null:       p.Null.ID,
		Segment:    seg,
		RefSegment: p.RefSegment,
		X:          x,
		Y:          y,
		Fit:        fit,
		Best:       grid[i],
		BestFlux:   curve[i],
	}
	b.Status.Addf("Best null for Seg %d at %.3f um", seg, res.Best)
	b.Apply([]int{seg}, []segment.Position{{Piston: res.Best, Tip: hold.Tip, Tilt: hold.Tilt}})
	j.committed[seg] = true
	j.active = 0
	j.res.Null = res

	ref, _ := b.Store.Segment(p.RefSegment)
	stem := fmt.Sprintf("null%d_%dat%s", p.Null.ID, p.RefSegment, refPos(ref.Piston))
	cards := []fitsio.Card{
		{Name: "NULL", Value: p.Null.ID, Comment: "null output"},
		{Name: "SEGMENT", Value: seg, Comment: "scanned segment"},
		{Name: "REFSEG", Value: p.RefSegment, Comment: "other segment of the null"},
		{Name: "CHANNEL", Value: p.Null.Channel},
		{Name: "LOOPS", Value: p.Loops},
		{Name: "AMP", Value: fit.A, Comment: "fitted amplitude"},
		{Name: "FREQ", Value: fit.F, Comment: "[rad/um] fitted frequency"},
		{Name: "PHASE", Value: fit.Phi, Comment: "[rad] fitted phase"},
		{Name: "OFFSET", Value: fit.B, Comment: "fitted offset"},
		{Name: "BESTPIST", Value: res.Best, Comment: "[um] piston of the null"},
	}
	stamp := imgrec.Stamp(c.now())
	xl := vector("X", x)
	xl.Cards = cards
	res.File = c.save(stem, stamp, []camera.Layer{
		xl,
		vector("Y", y),
		vector("GRID", grid),
		vector("FIT", curve),
	})

	dark := b.Camera.Dark()
	darkData := frameData(dark, geom.Rows, geom.Cols)
	res.FramesFile = c.save(stem+"_fullIms", stamp, []camera.Layer{
		{Name: "FRAMES", Shape: []int{p.Loops, len(xs), geom.Rows, geom.Cols}, Data: frames, Cards: cards},
		{Name: "DARK", Shape: []int{geom.Rows, geom.Cols}, Data: darkData},
		vector("X", x),
		vector("Y", y),
	})
	return nil
}

// save writes a result file.  A failed write is reported and leaves the
// result in memory.
func (c *Controller) save(stem, stamp string, layers []camera.Layer) string {
	if c.Recorder == nil {
		return ""
	}
	fn, err := c.Recorder.Write(stem, stamp, layers)
	if err != nil {
		c.Bench.Status.Error(err.Error())
		return ""
	}
	if fn != "" {
		c.Bench.Status.Addf("Saved %s", fn)
	}
	return fn
}

// refPos formats the piston of the reference segment for a file name,
// with m in place of a minus sign
func refPos(v float64) string {
	if v > 0 {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("m%.2f", math.Abs(v))
}

func vector(name string, v []float64) camera.Layer {
	return camera.Layer{Name: name, Shape: []int{len(v)}, Data: v}
}

func flatten(z [][]float64) []float64 {
	var out []float64
	for _, row := range z {
		out = append(out, row...)
	}
	return out
}

// frameData returns the pixels of f, or zeros when f is missing or not
// rows x cols
func frameData(f *camera.Frame, rows, cols int) []float64 {
	if f == nil || f.Rows != rows || f.Cols != cols {
		return make([]float64, rows*cols)
	}
	return f.Data
}
