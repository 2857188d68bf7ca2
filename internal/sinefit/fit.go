// Package sinefit estimates the parameters of the model
//
//	value(t) = A*sin(2*pi*f*t + phi) + C
//
// against sampled data by damped nonlinear least squares, and quantifies
// harmonic content at integer multiples of a known fundamental by
// synchronous detection.
package sinefit

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/klecknerlab/wavefit/internal/waveform"
)

const (
	// DefaultMaxIterations caps the solver's iteration count.
	DefaultMaxIterations = 200

	// DefaultTolerance is the relative per-parameter change below which the
	// solver is considered converged.
	DefaultTolerance = 1e-9

	// FailureMaxIterations marks a fit that hit the iteration cap before
	// satisfying the tolerance.
	FailureMaxIterations = "max-iterations"

	// FailureFrequencyBound marks a fit whose frequency estimate fell
	// outside (0, Nyquist) and was clamped.
	FailureFrequencyBound = "frequency-out-of-range"

	// varianceFloor is the sample variance below which no sinusoidal
	// parameters are identifiable.
	varianceFloor = 1e-24

	// lambdaInit, lambdaUp and lambdaDown steer the Levenberg-Marquardt
	// damping factor.
	lambdaInit = 1e-3
	lambdaUp   = 10.0
	lambdaDown = 10.0
	lambdaMin  = 1e-12

	numParams = 4
)

// Result is a parameter estimate with convergence diagnostics. A fit that
// fails to converge is not an error: the best estimate found is returned
// with Converged false and FailureReason set.
type Result struct {
	Frequency   float64
	Amplitude   float64
	Phase       float64
	DCOffset    float64
	ResidualRMS float64

	Converged     bool
	Iterations    int
	FailureReason string
}

// Option configures the solver.
type Option func(*fitter)

// WithInitialGuess supplies a starting point instead of deriving one from
// the waveform.
func WithInitialGuess(g Guess) Option {
	return func(f *fitter) {
		f.guess = &g
	}
}

// WithMaxIterations sets the solver's iteration cap.
func WithMaxIterations(n int) Option {
	return func(f *fitter) {
		f.maxIterations = n
	}
}

// WithTolerance sets the relative convergence tolerance.
func WithTolerance(tol float64) Option {
	return func(f *fitter) {
		f.tolerance = tol
	}
}

type fitter struct {
	maxIterations int
	tolerance     float64
	guess         *Guess
}

// Fit estimates frequency, amplitude, phase and DC offset of the waveform
// by Levenberg-Marquardt minimization of the sum of squared residuals,
// updating all four parameters jointly. Effectively constant input fails
// fast with a *DegenerateInputError. Cancellation is checked between
// iterations. The solver is deterministic: fitting the same waveform with
// the same starting point yields identical results.
func Fit(ctx context.Context, w *waveform.Waveform, options ...Option) (*Result, error) {
	f := fitter{
		maxIterations: DefaultMaxIterations,
		tolerance:     DefaultTolerance,
	}

	for _, option := range options {
		option(&f)
	}

	samples := w.Samples()
	if len(samples) < 2*numParams {
		return nil, &DegenerateInputError{Reason: "too few samples to constrain four parameters"}
	}
	if v := variance(samples); v < varianceFloor {
		return nil, &DegenerateInputError{Reason: "sample variance is effectively zero"}
	}

	times := make([]float64, len(samples))
	for i := range times {
		times[i] = w.Time(i)
	}

	var guess Guess
	if f.guess != nil {
		guess = *f.guess
	} else {
		guess = InitialGuess(w)
	}

	return f.solve(ctx, times, samples, guess, w.Nyquist())
}

func (f *fitter) solve(ctx context.Context, t, y []float64, guess Guess, nyquist float64) (*Result, error) {
	p := [numParams]float64{guess.Frequency, guess.Amplitude, guess.Phase, guess.DCOffset}
	ssr := sumSquaredResiduals(t, y, p)

	lambda := lambdaInit
	converged := false
	iterations := 0

	jtj := mat.NewSymDense(numParams, nil)
	jtr := mat.NewVecDense(numParams, nil)
	damped := mat.NewSymDense(numParams, nil)
	delta := mat.NewVecDense(numParams, nil)
	var chol mat.Cholesky

	for iterations < f.maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations++

		accumulateNormalEquations(t, y, p, jtj, jtr)

		// Retry the step with increasing damping until it reduces the SSR.
		stepped := false
		for try := 0; try < 8; try++ {
			for i := 0; i < numParams; i++ {
				for j := i; j < numParams; j++ {
					v := jtj.At(i, j)
					if i == j {
						v += lambda * jtj.At(i, i)
					}
					damped.SetSym(i, j, v)
				}
			}

			if ok := chol.Factorize(damped); !ok {
				lambda *= lambdaUp
				continue
			}
			if err := chol.SolveVecTo(delta, jtr); err != nil {
				lambda *= lambdaUp
				continue
			}

			var cand [numParams]float64
			for i := range cand {
				cand[i] = p[i] + delta.AtVec(i)
			}

			candSSR := sumSquaredResiduals(t, y, cand)
			if math.IsNaN(candSSR) || candSSR > ssr {
				lambda *= lambdaUp
				continue
			}

			p, ssr = cand, candSSR
			lambda = math.Max(lambda/lambdaDown, lambdaMin)
			stepped = true
			break
		}

		if !stepped {
			// Damping exhausted without any improving step: the estimate is
			// stationary to machine precision.
			converged = true
			break
		}

		if smallStep(p, delta, f.tolerance) {
			converged = true
			break
		}
	}

	result := Result{
		Frequency:   p[0],
		Amplitude:   p[1],
		Phase:       p[2],
		DCOffset:    p[3],
		ResidualRMS: math.Sqrt(ssr / float64(len(y))),
		Converged:   converged,
		Iterations:  iterations,
	}
	if !converged {
		result.FailureReason = FailureMaxIterations
	}

	canonicalize(&result, nyquist)
	return &result, nil
}

// accumulateNormalEquations fills jtj with J'J and jtr with J'r for the
// current parameters, using the analytic Jacobian of the model.
func accumulateNormalEquations(t, y []float64, p [numParams]float64, jtj *mat.SymDense, jtr *mat.VecDense) {
	freq, amp, phase, dc := p[0], p[1], p[2], p[3]

	var sums [numParams][numParams]float64
	var grads [numParams]float64

	for i, ti := range t {
		theta := 2*math.Pi*freq*ti + phase
		sin, cos := math.Sincos(theta)

		j := [numParams]float64{
			2 * math.Pi * ti * amp * cos, // d/df
			sin,                          // d/dA
			amp * cos,                    // d/dphi
			1,                            // d/dC
		}

		r := y[i] - (amp*sin + dc)
		for a := 0; a < numParams; a++ {
			grads[a] += j[a] * r
			for b := a; b < numParams; b++ {
				sums[a][b] += j[a] * j[b]
			}
		}
	}

	for a := 0; a < numParams; a++ {
		jtr.SetVec(a, grads[a])
		for b := a; b < numParams; b++ {
			jtj.SetSym(a, b, sums[a][b])
		}
	}
}

func sumSquaredResiduals(t, y []float64, p [numParams]float64) float64 {
	freq, amp, phase, dc := p[0], p[1], p[2], p[3]

	var ssr float64
	for i, ti := range t {
		r := y[i] - (amp*math.Sin(2*math.Pi*freq*ti+phase) + dc)
		ssr += r * r
	}
	return ssr
}

// smallStep reports whether the relative change of every parameter dropped
// below tol.
func smallStep(p [numParams]float64, delta *mat.VecDense, tol float64) bool {
	for i := 0; i < numParams; i++ {
		if math.Abs(delta.AtVec(i)) > tol*(math.Abs(p[i])+tol) {
			return false
		}
	}
	return true
}

// canonicalize maps the estimate onto the reported parameter domain:
// amplitude non-negative, phase in (-pi, pi], frequency inside (0, Nyquist).
// A frequency that had to be clamped is physically impossible, so the fit
// is flagged non-converged rather than returned as-is.
func canonicalize(r *Result, nyquist float64) {
	if r.Amplitude < 0 {
		r.Amplitude = -r.Amplitude
		r.Phase += math.Pi
	}
	if r.Frequency < 0 {
		// A negative frequency mirrors onto a positive one with flipped phase.
		r.Frequency = -r.Frequency
		r.Phase = -r.Phase
	}
	r.Phase = normalizePhase(r.Phase)

	lo, hi := nyquist*1e-12, nyquist*(1-1e-12)
	if r.Frequency < lo || r.Frequency > hi {
		r.Frequency = math.Min(math.Max(r.Frequency, lo), hi)
		r.Converged = false
		r.FailureReason = FailureFrequencyBound
	}
}

func variance(samples []float64) float64 {
	var mean float64
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	var v float64
	for _, s := range samples {
		d := s - mean
		v += d * d
	}
	return v / float64(len(samples))
}
