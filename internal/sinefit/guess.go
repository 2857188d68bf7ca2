package sinefit

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/floats"

	"github.com/klecknerlab/wavefit/internal/waveform"
)

// Guess is a starting point for the solver.
type Guess struct {
	Frequency float64
	Amplitude float64
	Phase     float64
	DCOffset  float64
}

// InitialGuess derives a starting point from the waveform itself: frequency
// and phase from the dominant spectral peak (falling back to zero-crossing
// timing when the spectrum has no usable peak), amplitude from half the
// peak-to-peak range and DC offset from the sample mean.
func InitialGuess(w *waveform.Waveform) Guess {
	samples := w.Samples()

	mean := floats.Sum(samples) / float64(len(samples))
	amplitude := (floats.Max(samples) - floats.Min(samples)) / 2

	centered := make([]float64, len(samples))
	for i, v := range samples {
		centered[i] = v - mean
	}

	frequency, phase, ok := spectralGuess(centered, w.SampleInterval(), w.Time(0))
	if !ok {
		frequency, phase = crossingGuess(centered, w.SampleInterval(), w.Time(0))
	}

	return Guess{
		Frequency: frequency,
		Amplitude: amplitude,
		Phase:     phase,
		DCOffset:  mean,
	}
}

// spectralGuess locates the dominant peak of the sample spectrum. For the
// sine model the peak bin's angle relates to the phase at t=0 by
// phi = angle + pi/2 - 2*pi*f*t0.
func spectralGuess(centered []float64, dt, t0 float64) (frequency, phase float64, ok bool) {
	n := len(centered)
	if n < 8 {
		return 0, 0, false
	}

	spectrum := fft.FFTReal(centered)

	peak := 0
	var peakMag float64
	for k := 1; k < n/2; k++ {
		if mag := cmplx.Abs(spectrum[k]); mag > peakMag {
			peak, peakMag = k, mag
		}
	}
	if peak == 0 || peakMag == 0 {
		return 0, 0, false
	}

	frequency = float64(peak) / (float64(n) * dt)
	phase = normalizePhase(cmplx.Phase(spectrum[peak]) + math.Pi/2 - 2*math.Pi*frequency*t0)
	return frequency, phase, true
}

// crossingGuess estimates frequency from the spacing of rising zero
// crossings and phase from the time of the first one.
func crossingGuess(centered []float64, dt, t0 float64) (frequency, phase float64) {
	var first, last float64
	var count int

	for i := 1; i < len(centered); i++ {
		if centered[i-1] < 0 && centered[i] >= 0 {
			// Linear interpolation of the crossing time between samples.
			frac := -centered[i-1] / (centered[i] - centered[i-1])
			t := t0 + (float64(i-1)+frac)*dt

			if count == 0 {
				first = t
			}
			last = t
			count++
		}
	}

	duration := float64(len(centered)) * dt
	if count < 2 || last <= first {
		// Under one full cycle visible: assume the record spans one period.
		return 1 / duration, 0
	}

	frequency = float64(count-1) / (last - first)
	phase = normalizePhase(-2 * math.Pi * frequency * first)
	return frequency, phase
}

// normalizePhase maps an angle into (-pi, pi].
func normalizePhase(phi float64) float64 {
	phi = math.Mod(phi, 2*math.Pi)
	if phi <= -math.Pi {
		phi += 2 * math.Pi
	} else if phi > math.Pi {
		phi -= 2 * math.Pi
	}
	return phi
}
