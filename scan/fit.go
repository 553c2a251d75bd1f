package scan

import (
	"errors"
	"fmt"
	"math"

	"github.com/glint-instrument/glintlab/util"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// FitError is returned when the null curve cannot be fitted
type FitError struct {
	Err error
}

func (e *FitError) Error() string {
	return "null fit failed: " + e.Err.Error()
}

func (e *FitError) Unwrap() error {
	return e.Err
}

var (
	errTooFewPoints = errors.New("need at least 4 points to fit a sinusoid")
	errNotFinite    = errors.New("non-finite residual")
	errNoConverge   = errors.New("did not converge")
)

// Sinusoid is A*sin(F*x+Phi)+B
type Sinusoid struct {
	A   float64 `json:"amplitude"`
	F   float64 `json:"frequency"`
	Phi float64 `json:"phase"`
	B   float64 `json:"offset"`
}

// At evaluates the sinusoid
func (s Sinusoid) At(x float64) float64 {
	return s.A*math.Sin(s.F*x+s.Phi) + s.B
}

// Eval evaluates the sinusoid at every x
func (s Sinusoid) Eval(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = s.At(x)
	}
	return out
}

// normalize makes A and F positive and wraps Phi into (-pi, pi]
func (s Sinusoid) normalize() Sinusoid {
	if s.F < 0 {
		s.F, s.Phi, s.A = -s.F, -s.Phi, -s.A
	}
	if s.A < 0 {
		s.A, s.Phi = -s.A, s.Phi+math.Pi
	}
	s.Phi = math.Remainder(s.Phi, 2*math.Pi)
	if s.Phi <= -math.Pi {
		s.Phi += 2 * math.Pi
	}
	return s
}

// InitialGuess is the starting point of the null fit: half the peak to peak
// amplitude, the frequency of the wavelength, zero phase and the mean
func InitialGuess(y []float64, wavelength float64) Sinusoid {
	return Sinusoid{
		A:   (floats.Max(y) - floats.Min(y)) / 2,
		F:   2 * math.Pi / wavelength,
		Phi: 0,
		B:   stat.Mean(y, nil),
	}
}

// maxFitIterations bounds the major iterations of the null fit
const maxFitIterations = 500

// FitSinusoid fits A*sin(F*x+Phi)+B to (x, y) in the least squares sense,
// starting from guess.  The sum of squared residuals is minimized by
// Newton's method on its Gauss-Newton Hessian.
func FitSinusoid(x, y []float64, guess Sinusoid) (Sinusoid, error) {
	n := len(x)
	if n != len(y) {
		return guess, &FitError{fmt.Errorf("%d positions but %d fluxes", n, len(y))}
	}
	if n < 4 {
		return guess, &FitError{errTooFewPoints}
	}
	p0 := []float64{guess.A, guess.F, guess.Phi, guess.B}
	if c, _ := residuals(x, y, p0); !finite(c) {
		return guess, &FitError{errNotFinite}
	}
	prob := optimize.Problem{
		Func: func(p []float64) float64 {
			c, _ := residuals(x, y, p)
			return c / 2
		},
		Grad: func(grad, p []float64) {
			_, r := residuals(x, y, p)
			J := mat.NewDense(n, 4, nil)
			jacobian(J, x, p)
			mat.NewVecDense(4, grad).MulVec(J.T(), mat.NewVecDense(n, r))
		},
		Hess: func(hess *mat.SymDense, p []float64) {
			J := mat.NewDense(n, 4, nil)
			jacobian(J, x, p)
			hess.SymOuterK(1, J.T())
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-12,
		MajorIterations:   maxFitIterations,
		Converger:         &optimize.FunctionConverge{Absolute: 1e-15, Relative: 1e-15, Iterations: 20},
	}
	res, err := optimize.Minimize(prob, p0, settings, &optimize.Newton{})
	switch {
	case res == nil:
		return guess, &FitError{err}
	case res.Status == optimize.IterationLimit:
		return toSinusoid(res.X), &FitError{errNoConverge}
	case err != nil && !stalled(err):
		return toSinusoid(res.X), &FitError{err}
	}
	if !finite(res.F) || !finite(floats.Sum(res.X)) {
		return guess, &FitError{errNotFinite}
	}
	return toSinusoid(res.X), nil
}

// stalled reports a line search that could not decrease the cost any
// further in floating point.  The best location found is then the fit.
func stalled(err error) bool {
	return errors.Is(err, optimize.ErrNoProgress) ||
		errors.Is(err, optimize.ErrLinesearcherFailure) ||
		errors.Is(err, optimize.ErrNonDescentDirection)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func toSinusoid(p []float64) Sinusoid {
	return Sinusoid{A: p[0], F: p[1], Phi: p[2], B: p[3]}.normalize()
}

// residuals returns the sum of squares and model - y
func residuals(x, y, p []float64) (float64, []float64) {
	s := Sinusoid{A: p[0], F: p[1], Phi: p[2], B: p[3]}
	r := make([]float64, len(x))
	for i := range x {
		r[i] = s.At(x[i]) - y[i]
	}
	return floats.Dot(r, r), r
}

// jacobian fills J with the derivatives of the model by A, F, Phi and B
func jacobian(J *mat.Dense, x, p []float64) {
	a, f, phi := p[0], p[1], p[2]
	for i, xi := range x {
		arg := f*xi + phi
		s, c := math.Sincos(arg)
		J.Set(i, 0, s)
		J.Set(i, 1, a*c*xi)
		J.Set(i, 2, a*c)
		J.Set(i, 3, 1)
	}
}

// Refine returns the points from start to stop (inclusive) at step/factor
func Refine(start, stop, step float64, factor int) []float64 {
	if factor < 1 {
		factor = 1
	}
	return util.Arange(start, stop, step/float64(factor))
}

// spline1D fits a natural cubic spline through (xs, ys) and evaluates it at
// every fine point.  Fewer than three points fall back to linear, one point
// to a constant.
func spline1D(xs, ys, fine []float64) ([]float64, error) {
	out := make([]float64, len(fine))
	switch {
	case len(xs) == 1:
		for i := range out {
			out[i] = ys[0]
		}
		return out, nil
	case len(xs) == 2:
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, err
		}
		for i, x := range fine {
			out[i] = pl.Predict(x)
		}
		return out, nil
	}
	var nc interp.NaturalCubic
	if err := nc.Fit(xs, ys); err != nil {
		return nil, err
	}
	for i, x := range fine {
		out[i] = nc.Predict(x)
	}
	return out, nil
}

// Bicubic interpolates a surface sampled on rows x cols onto fineRows x
// fineCols with a tensor product of natural cubic splines: first along
// every row, then along every column of the result
func Bicubic(rows, cols []float64, z [][]float64, fineRows, fineCols []float64) ([][]float64, error) {
	if len(z) != len(rows) {
		return nil, fmt.Errorf("surface has %d rows, axis has %d", len(z), len(rows))
	}
	wide := make([][]float64, len(rows))
	for i, row := range z {
		if len(row) != len(cols) {
			return nil, fmt.Errorf("surface row %d has %d columns, axis has %d", i, len(row), len(cols))
		}
		v, err := spline1D(cols, row, fineCols)
		if err != nil {
			return nil, err
		}
		wide[i] = v
	}
	out := make([][]float64, len(fineRows))
	for i := range out {
		out[i] = make([]float64, len(fineCols))
	}
	col := make([]float64, len(rows))
	for j := range fineCols {
		for i := range rows {
			col[i] = wide[i][j]
		}
		v, err := spline1D(rows, col, fineRows)
		if err != nil {
			return nil, err
		}
		for i := range fineRows {
			out[i][j] = v[i]
		}
	}
	return out, nil
}

// ArgMax returns the row and column of the largest value, the first one in
// row-major order on ties
func ArgMax(z [][]float64) (int, int) {
	bi, bj, best := 0, 0, math.Inf(-1)
	for i, row := range z {
		if len(row) == 0 {
			continue
		}
		j := floats.MaxIdx(row)
		if row[j] > best {
			bi, bj, best = i, j, row[j]
		}
	}
	return bi, bj
}

// meanOf averages equally sized slices elementwise
func meanOf(loops [][]float64) []float64 {
	if len(loops) == 0 {
		return nil
	}
	out := make([]float64, len(loops[0]))
	for _, l := range loops {
		floats.Add(out, l)
	}
	floats.Scale(1/float64(len(loops)), out)
	return out
}

// meanSurface averages equally sized surfaces elementwise
func meanSurface(loops [][][]float64) [][]float64 {
	if len(loops) == 0 {
		return nil
	}
	out := make([][]float64, len(loops[0]))
	for i := range out {
		rows := make([][]float64, len(loops))
		for l := range loops {
			rows[l] = loops[l][i]
		}
		out[i] = meanOf(rows)
	}
	return out
}
